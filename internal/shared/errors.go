package shared

import "errors"

// Sentinel errors crossing package boundaries. Domain packages keep their
// own richer sets; these two are the ones auth and the router agree on.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
