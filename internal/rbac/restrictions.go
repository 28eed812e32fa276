package rbac

import (
	"sort"
	"strings"
)

// roleRestriction is the static grant policy for one built-in role. A
// permission can be granted to the role only when the allowed set matches it
// and the denied set does not. Denied wins on overlap.
type roleRestriction struct {
	allowed map[string]struct{}
	denied  map[string]struct{}
}

func permSet(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// roleRestrictions covers the built-in roles. Admin is exempt and custom
// roles are unrestricted; both are handled in IsPermissionAllowedForRole.
// Entries support a "resource:*" wildcard.
var roleRestrictions = map[string]roleRestriction{
	RoleTestExecutive: {
		allowed: permSet(
			"cycles:view", "cycles:create", "cycles:update", "cycles:delete", "cycles:assign",
			"reports:view", "reports:create", "reports:update", "reports:assign",
			"planning:view", "planning:complete",
			"scoping:view",
			"profiling:view",
			"samples:view",
			"request_info:view",
			"testing:view", "testing:review", "testing:approve",
			"observations:view", "observations:approve", "observations:override",
			"jobs:view", "jobs:manage",
			"users:view", "users:assign",
		),
		denied: permSet("system:*", "users:delete", "roles:manage", "permissions:manage"),
	},
	RoleTester: {
		allowed: permSet(
			"cycles:view",
			"reports:view",
			"planning:view", "planning:execute", "planning:complete", "planning:upload",
			"planning:create", "planning:update", "planning:delete",
			"scoping:view", "scoping:execute", "scoping:complete",
			"profiling:view", "profiling:execute", "profiling:complete",
			"samples:view", "samples:generate", "samples:upload", "samples:complete",
			"request_info:view", "request_info:complete",
			"testing:view", "testing:execute", "testing:complete",
			"observations:view", "observations:create", "observations:update",
			"observations:resolve", "observations:delete",
			"jobs:view", "jobs:manage",
		),
		denied: permSet(
			"system:*", "users:*", "roles:*", "permissions:*",
			"reports:approve", "scoping:approve", "testing:approve", "observations:approve",
		),
	},
	RoleReportOwner: {
		allowed: permSet(
			"cycles:view",
			"reports:view", "reports:update", "reports:approve",
			"planning:view",
			"scoping:view", "scoping:approve",
			"profiling:view", "profiling:approve",
			"samples:view", "samples:approve",
			"request_info:view",
			"testing:view", "testing:approve",
			"observations:view", "observations:approve", "observations:override",
			"jobs:view",
		),
		denied: permSet("system:*", "users:*", "roles:*", "permissions:*"),
	},
	RoleReportExecutive: {
		allowed: permSet(
			"cycles:view",
			"reports:view", "reports:approve", "reports:override", "reports:assign",
			"planning:view",
			"scoping:view",
			"profiling:view",
			"samples:view",
			"request_info:view",
			"testing:view",
			"observations:view", "observations:approve", "observations:override",
			"jobs:view",
		),
		denied: permSet("system:*", "users:*", "roles:*", "permissions:*"),
	},
	RoleDataOwner: {
		allowed: permSet(
			"cycles:view",
			"reports:view",
			"profiling:view", "profiling:upload",
			"request_info:view", "request_info:provide", "request_info:upload",
			"testing:view",
		),
		denied: permSet("system:*", "users:*", "roles:*", "permissions:*", "reports:approve"),
	},
	RoleDataExecutive: {
		allowed: permSet(
			"cycles:view",
			"reports:view",
			"profiling:view",
			"request_info:view", "request_info:assign",
			"testing:view",
			"users:view", "users:assign",
		),
		denied: permSet("system:*", "roles:*", "permissions:*"),
	},
}

func splitKey(key string) (resource, action string, ok bool) {
	return strings.Cut(key, ":")
}

func matchesPermission(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		return true
	}
	if i := strings.IndexByte(key, ':'); i >= 0 {
		if _, ok := set[key[:i]+":*"]; ok {
			return true
		}
	}
	return false
}

// IsPermissionAllowedForRole reports whether the static policy permits
// granting the permission (in "resource:action" form) to the named role.
// Admin bypasses the policy entirely, and roles without an entry (custom
// roles) are unrestricted.
func IsPermissionAllowedForRole(roleName, permission string) bool {
	if roleName == RoleAdmin {
		return true
	}
	r, ok := roleRestrictions[roleName]
	if !ok {
		return true
	}
	if matchesPermission(r.denied, permission) {
		return false
	}
	return matchesPermission(r.allowed, permission)
}

// AllowedPermissionsForRole returns the sorted allow list for a built-in
// role, with denied entries filtered out. Nil means the role is unrestricted.
func AllowedPermissionsForRole(roleName string) []string {
	r, ok := roleRestrictions[roleName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.allowed))
	for k := range r.allowed {
		if !matchesPermission(r.denied, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
