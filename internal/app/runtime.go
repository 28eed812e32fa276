package app

import (
	"os"
	"strconv"
	"sync"
)

const testModeEnv = "VERITAS_TEST_MODE"

// Read once; the harness sets the variable before the process starts.
var inTestMode = sync.OnceValue(func() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
})

// InTestMode reports whether the process runs under the test harness and
// should skip listeners and other runtime side effects.
func InTestMode() bool {
	return inTestMode()
}
