package rbac

import (
	"sort"
	"testing"
)

func TestIsPermissionAllowedForRole(t *testing.T) {
	tests := []struct {
		role string
		perm string
		want bool
	}{
		{RoleAdmin, "system:admin", true},
		{RoleAdmin, "anything:whatsoever", true},

		{RoleTester, "planning:execute", true},
		{RoleTester, "testing:complete", true},
		{RoleTester, "jobs:manage", true},
		{RoleTester, "system:admin", false},
		{RoleTester, "users:delete", false},
		{RoleTester, "reports:approve", false},
		{RoleTester, "cycles:create", false},

		{RoleTestExecutive, "cycles:create", true},
		{RoleTestExecutive, "roles:manage", false},

		{RoleReportOwner, "reports:approve", true},
		{RoleReportOwner, "users:create", false},

		{RoleDataOwner, "request_info:provide", true},
		{RoleDataOwner, "system:configure", false},

		// Custom roles have no entry and accept any grant.
		{"QA Lead", "system:admin", true},
	}
	for _, tt := range tests {
		if got := IsPermissionAllowedForRole(tt.role, tt.perm); got != tt.want {
			t.Errorf("IsPermissionAllowedForRole(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestAllowedPermissionsForRole(t *testing.T) {
	got := AllowedPermissionsForRole(RoleDataOwner)
	if len(got) == 0 {
		t.Fatal("expected a non-empty grantable set for Data Owner")
	}
	if !sort.StringsAreSorted(got) {
		t.Fatal("grantable set should be sorted")
	}
	for _, key := range got {
		if !IsPermissionAllowedForRole(RoleDataOwner, key) {
			t.Fatalf("listed permission %q is not actually grantable", key)
		}
	}

	if AllowedPermissionsForRole("QA Lead") != nil {
		t.Fatal("custom roles should report as unrestricted")
	}
}

func TestSeedCatalogCoversRestrictionWhitelists(t *testing.T) {
	catalog := make(map[string]struct{}, len(defaultPermissions))
	for _, p := range defaultPermissions {
		catalog[p.Key()] = struct{}{}
	}
	for role := range roleRestrictions {
		for _, key := range AllowedPermissionsForRole(role) {
			if _, ok := catalog[key]; !ok {
				t.Errorf("role %q whitelists %q, which the seed catalog never defines", role, key)
			}
		}
	}
}
