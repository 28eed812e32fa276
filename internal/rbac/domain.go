package rbac

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrPermissionExists indicates a duplicate (resource, action) pair.
	ErrPermissionExists = errors.New("rbac: permission already exists")
	// ErrRoleExists indicates a duplicate role name.
	ErrRoleExists = errors.New("rbac: role already exists")
	// ErrSystemRole is returned when trying to rename or delete a built-in role.
	ErrSystemRole = errors.New("rbac: system role cannot be modified")
	// ErrRestricted is returned when a role's static whitelist forbids a grant.
	ErrRestricted = errors.New("rbac: permission not allowed for role")
	// ErrHierarchyCycle is returned when a parent edge would create a cycle.
	ErrHierarchyCycle = errors.New("rbac: role hierarchy cycle")
)

// Permission is an atomic (resource, action) capability.
type Permission struct {
	ID          int64
	Resource    string
	Action      string
	Description string
	CreatedAt   time.Time
}

// Key returns the canonical "resource:action" form.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// Role represents a named bundle of permissions assignable to users.
type Role struct {
	ID          int64
	Name        string
	Description string
	IsSystem    bool
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RolePermission ties a permission to a role.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	GrantedBy    int64
	GrantedAt    time.Time
}

// UserRole links a user to a role, optionally until expires_at.
type UserRole struct {
	UserID     int64
	RoleID     int64
	AssignedBy int64
	AssignedAt time.Time
	ExpiresAt  *time.Time
}

// UserPermission is a direct per-user grant or deny, independent of roles.
type UserPermission struct {
	UserID       int64
	PermissionID int64
	Granted      bool
	GrantedBy    int64
	GrantedAt    time.Time
	ExpiresAt    *time.Time
}

// ResourcePermission scopes a grant or deny to one concrete resource instance.
type ResourcePermission struct {
	UserID       int64
	ResourceType string
	ResourceID   int64
	PermissionID int64
	Granted      bool
	GrantedBy    int64
	GrantedAt    time.Time
	ExpiresAt    *time.Time
}

// AuditAction enumerates audit log actions.
type AuditAction string

const (
	// AuditGrant marks a grant mutation.
	AuditGrant AuditAction = "grant"
	// AuditRevoke marks a revoke mutation.
	AuditRevoke AuditAction = "revoke"
)

// AuditTargetType identifies what kind of subject a mutation touched.
type AuditTargetType string

const (
	// TargetUser marks mutations against a user.
	TargetUser AuditTargetType = "user"
	// TargetRole marks mutations against a role.
	TargetRole AuditTargetType = "role"
)

// AuditEntry is one append-only permission audit log row.
type AuditEntry struct {
	ID           int64
	Action       AuditAction
	TargetType   AuditTargetType
	TargetID     int64
	PermissionID *int64
	RoleID       *int64
	PerformedBy  int64
	PerformedAt  time.Time
}

// Built-in role names seeded at install time.
const (
	RoleAdmin           = "Admin"
	RoleTestExecutive   = "Test Executive"
	RoleTester          = "Tester"
	RoleReportOwner     = "Report Owner"
	RoleReportExecutive = "Report Executive"
	RoleDataOwner       = "Data Owner"
	RoleDataExecutive   = "Data Executive"
)
