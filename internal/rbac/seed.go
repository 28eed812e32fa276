package rbac

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// systemUserEmail identifies the disabled account that owns seeded grants.
const systemUserEmail = "system@veritas.local"

var systemRoles = []struct {
	Name        string
	Description string
}{
	{RoleAdmin, "Full administrative access"},
	{RoleTestExecutive, "Manages test cycles and work assignments"},
	{RoleTester, "Executes testing phases"},
	{RoleReportOwner, "Owns reports and approves phase outcomes"},
	{RoleReportExecutive, "Executive oversight across owned reports"},
	{RoleDataOwner, "Provides source data and evidence"},
	{RoleDataExecutive, "Assigns data owners and oversees data provision"},
}

// defaultHierarchy seeds executive roles as children of the roles they
// oversee, so they inherit those grants.
var defaultHierarchy = []struct {
	Child  string
	Parent string
}{
	{RoleReportExecutive, RoleReportOwner},
	{RoleDataExecutive, RoleDataOwner},
}

var defaultPermissions = []Permission{
	{Resource: "cycles", Action: "view", Description: "View test cycles"},
	{Resource: "cycles", Action: "create", Description: "Create test cycles"},
	{Resource: "cycles", Action: "update", Description: "Update test cycles"},
	{Resource: "cycles", Action: "delete", Description: "Delete test cycles"},
	{Resource: "cycles", Action: "assign", Description: "Assign reports and people to cycles"},
	{Resource: "reports", Action: "view", Description: "View reports"},
	{Resource: "reports", Action: "create", Description: "Create reports"},
	{Resource: "reports", Action: "update", Description: "Update reports"},
	{Resource: "reports", Action: "delete", Description: "Delete reports"},
	{Resource: "reports", Action: "assign", Description: "Assign report owners and testers"},
	{Resource: "reports", Action: "approve", Description: "Approve report phase outcomes"},
	{Resource: "reports", Action: "override", Description: "Override report decisions"},
	{Resource: "planning", Action: "view", Description: "View the planning phase"},
	{Resource: "planning", Action: "execute", Description: "Run planning phase work"},
	{Resource: "planning", Action: "complete", Description: "Complete the planning phase"},
	{Resource: "planning", Action: "upload", Description: "Upload planning documents"},
	{Resource: "planning", Action: "create", Description: "Create planning attributes"},
	{Resource: "planning", Action: "update", Description: "Update planning attributes"},
	{Resource: "planning", Action: "delete", Description: "Delete planning attributes"},
	{Resource: "scoping", Action: "view", Description: "View the scoping phase"},
	{Resource: "scoping", Action: "execute", Description: "Run scoping recommendations"},
	{Resource: "scoping", Action: "complete", Description: "Complete the scoping phase"},
	{Resource: "scoping", Action: "approve", Description: "Approve scoping decisions"},
	{Resource: "profiling", Action: "view", Description: "View data profiling"},
	{Resource: "profiling", Action: "execute", Description: "Run profiling rules"},
	{Resource: "profiling", Action: "complete", Description: "Complete the profiling phase"},
	{Resource: "profiling", Action: "upload", Description: "Upload profiling source data"},
	{Resource: "profiling", Action: "approve", Description: "Approve profiling rules"},
	{Resource: "samples", Action: "view", Description: "View sample selections"},
	{Resource: "samples", Action: "generate", Description: "Generate samples"},
	{Resource: "samples", Action: "upload", Description: "Upload sample files"},
	{Resource: "samples", Action: "complete", Description: "Complete sample selection"},
	{Resource: "samples", Action: "approve", Description: "Approve sample selections"},
	{Resource: "request_info", Action: "view", Description: "View information requests"},
	{Resource: "request_info", Action: "provide", Description: "Provide requested information"},
	{Resource: "request_info", Action: "upload", Description: "Upload requested documents"},
	{Resource: "request_info", Action: "complete", Description: "Complete the request-info phase"},
	{Resource: "request_info", Action: "assign", Description: "Assign data owners to requests"},
	{Resource: "testing", Action: "view", Description: "View test execution"},
	{Resource: "testing", Action: "execute", Description: "Execute tests"},
	{Resource: "testing", Action: "complete", Description: "Complete the testing phase"},
	{Resource: "testing", Action: "review", Description: "Review test results"},
	{Resource: "testing", Action: "approve", Description: "Approve test results"},
	{Resource: "observations", Action: "view", Description: "View observations"},
	{Resource: "observations", Action: "create", Description: "Create observations"},
	{Resource: "observations", Action: "update", Description: "Update observations"},
	{Resource: "observations", Action: "delete", Description: "Delete observations"},
	{Resource: "observations", Action: "resolve", Description: "Resolve observations"},
	{Resource: "observations", Action: "approve", Description: "Approve observations"},
	{Resource: "observations", Action: "override", Description: "Override observation ratings"},
	{Resource: "jobs", Action: "view", Description: "View background jobs"},
	{Resource: "jobs", Action: "manage", Description: "Pause, resume and cancel background jobs"},
	{Resource: "users", Action: "view", Description: "View users"},
	{Resource: "users", Action: "create", Description: "Create users"},
	{Resource: "users", Action: "update", Description: "Update users"},
	{Resource: "users", Action: "delete", Description: "Delete users"},
	{Resource: "users", Action: "assign", Description: "Assign roles to users"},
	{Resource: "roles", Action: "view", Description: "View roles"},
	{Resource: "roles", Action: "manage", Description: "Manage roles and their grants"},
	{Resource: "permissions", Action: "view", Description: "View the permission catalog"},
	{Resource: "permissions", Action: "manage", Description: "Manage the permission catalog"},
	{Resource: "system", Action: "admin", Description: "Administer the platform"},
	{Resource: "system", Action: "configure", Description: "Change platform configuration"},
}

// Seed installs the permission catalog, the built-in roles, their default
// grants and the default hierarchy. Every statement is idempotent so it runs
// at every boot.
func Seed(ctx context.Context, pool *pgxpool.Pool) error {
	var systemID int64
	err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, password_hash, is_active, is_admin)
		 VALUES ($1, 'System', '', FALSE, FALSE)
		 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		 RETURNING id`, systemUserEmail,
	).Scan(&systemID)
	if err != nil {
		return fmt.Errorf("rbac: seed system user: %w", err)
	}

	for _, p := range defaultPermissions {
		_, err := pool.Exec(ctx,
			`INSERT INTO permissions (resource, action, description)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (resource, action) DO NOTHING`,
			p.Resource, p.Action, p.Description)
		if err != nil {
			return fmt.Errorf("rbac: seed permission %s: %w", p.Key(), err)
		}
	}

	for _, r := range systemRoles {
		_, err := pool.Exec(ctx,
			`INSERT INTO roles (name, description, is_system)
			 VALUES ($1, $2, TRUE)
			 ON CONFLICT (name) DO NOTHING`,
			r.Name, r.Description)
		if err != nil {
			return fmt.Errorf("rbac: seed role %s: %w", r.Name, err)
		}
	}

	// Each restricted role starts out with exactly its grantable set. Admin
	// bypasses checks, so it carries no rows.
	for _, r := range systemRoles {
		for _, key := range AllowedPermissionsForRole(r.Name) {
			resource, action, _ := splitKey(key)
			_, err := pool.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission_id, granted_by)
				 SELECT r.id, p.id, $1
				 FROM roles r, permissions p
				 WHERE r.name = $2 AND p.resource = $3 AND p.action = $4
				 ON CONFLICT (role_id, permission_id) DO NOTHING`,
				systemID, r.Name, resource, action)
			if err != nil {
				return fmt.Errorf("rbac: seed grant %s -> %s: %w", key, r.Name, err)
			}
		}
	}

	for _, edge := range defaultHierarchy {
		_, err := pool.Exec(ctx,
			`INSERT INTO role_hierarchy (child_role_id, parent_role_id)
			 SELECT c.id, p.id FROM roles c, roles p
			 WHERE c.name = $1 AND p.name = $2
			 ON CONFLICT (child_role_id, parent_role_id) DO NOTHING`,
			edge.Child, edge.Parent)
		if err != nil {
			return fmt.Errorf("rbac: seed hierarchy %s -> %s: %w", edge.Child, edge.Parent, err)
		}
	}
	return nil
}
