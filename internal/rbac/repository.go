package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veritas-grc/veritas/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements Store and TxStore over Postgres. Inside WithTx, db is
// the transaction and pool is nil.
type Repository struct {
	db   querier
	pool *pgxpool.Pool
}

// NewRepository returns a pool-backed repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool, pool: pool}
}

// WithTx runs fn against a transaction-scoped repository.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r.pool == nil {
		return errors.New("rbac: nested transaction")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{db: tx})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repository) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var isAdmin bool
	err := r.db.QueryRow(ctx,
		`SELECT is_admin FROM users WHERE id = $1 AND is_active`, userID,
	).Scan(&isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rbac: query is_admin: %w", err)
	}
	return isAdmin, nil
}

func (r *Repository) FindPermission(ctx context.Context, resource, action string) (Permission, error) {
	var p Permission
	err := r.db.QueryRow(ctx,
		`SELECT id, resource, action, description, created_at
		 FROM permissions WHERE resource = $1 AND action = $2`,
		resource, action,
	).Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: find permission: %w", err)
	}
	return p, nil
}

func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	var p Permission
	err := r.db.QueryRow(ctx,
		`SELECT id, resource, action, description, created_at FROM permissions WHERE id = $1`, id,
	).Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: get permission: %w", err)
	}
	return p, nil
}

func (r *Repository) CreatePermission(ctx context.Context, resource, action, description string) (Permission, error) {
	var p Permission
	err := r.db.QueryRow(ctx,
		`INSERT INTO permissions (resource, action, description)
		 VALUES ($1, $2, $3)
		 RETURNING id, resource, action, description, created_at`,
		resource, action, description,
	).Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt)
	if isUniqueViolation(err) {
		return Permission{}, ErrPermissionExists
	}
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: create permission: %w", err)
	}
	return p, nil
}

func (r *Repository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rbac: delete permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, resource, action, description, created_at
		 FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	return r.scanRole(r.db.QueryRow(ctx,
		`SELECT id, name, description, is_system, is_active, created_at, updated_at
		 FROM roles WHERE id = $1`, id))
}

func (r *Repository) FindRoleByName(ctx context.Context, name string) (Role, error) {
	return r.scanRole(r.db.QueryRow(ctx,
		`SELECT id, name, description, is_system, is_active, created_at, updated_at
		 FROM roles WHERE name = $1`, name))
}

func (r *Repository) scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive,
		&role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, fmt.Errorf("rbac: scan role: %w", err)
	}
	return role, nil
}

func (r *Repository) CreateRole(ctx context.Context, name, description string, isSystem bool) (Role, error) {
	role, err := r.scanRole(r.db.QueryRow(ctx,
		`INSERT INTO roles (name, description, is_system)
		 VALUES ($1, $2, $3)
		 RETURNING id, name, description, is_system, is_active, created_at, updated_at`,
		name, description, isSystem))
	if isUniqueViolation(err) {
		return Role{}, ErrRoleExists
	}
	return role, err
}

func (r *Repository) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	role, err := r.scanRole(r.db.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING id, name, description, is_system, is_active, created_at, updated_at`,
		id, name, description))
	if isUniqueViolation(err) {
		return Role{}, ErrRoleExists
	}
	return role, err
}

func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rbac: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, description, is_system, is_active, created_at, updated_at
		 FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem,
			&role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan role: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r *Repository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.db.Query(ctx,
		`SELECT p.id, p.resource, p.action, p.description, p.created_at
		 FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = $1
		 ORDER BY p.resource, p.action`, roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list role permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) ListUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		`SELECT r.id, r.name, r.description, r.is_system, r.is_active, r.created_at, r.updated_at
		 FROM user_roles ur
		 JOIN roles r ON r.id = ur.role_id
		 WHERE ur.user_id = $1
		   AND (ur.expires_at IS NULL OR ur.expires_at > now())
		 ORDER BY r.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list user roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem,
			&role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan role: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// UserOverride reads a direct per-user grant or deny, skipping expired rows.
func (r *Repository) UserOverride(ctx context.Context, userID, permissionID int64) (granted, found bool, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT granted FROM user_permissions
		 WHERE user_id = $1 AND permission_id = $2
		   AND (expires_at IS NULL OR expires_at > now())`,
		userID, permissionID,
	).Scan(&granted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("rbac: query user override: %w", err)
	}
	return granted, true, nil
}

// ResourceOverride reads an instance-scoped grant or deny for one resource id.
func (r *Repository) ResourceOverride(ctx context.Context, userID, permissionID int64, resourceType string, resourceID int64) (granted, found bool, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT granted FROM resource_permissions
		 WHERE user_id = $1 AND permission_id = $2 AND resource_type = $3 AND resource_id = $4
		   AND (expires_at IS NULL OR expires_at > now())`,
		userID, permissionID, resourceType, resourceID,
	).Scan(&granted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("rbac: query resource override: %w", err)
	}
	return granted, true, nil
}

// ActiveRoleIDs returns ids of non-expired assignments to active roles.
func (r *Repository) ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT r.id
		 FROM user_roles ur
		 JOIN roles r ON r.id = ur.role_id
		 WHERE ur.user_id = $1
		   AND r.is_active
		   AND (ur.expires_at IS NULL OR ur.expires_at > now())`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: query active roles: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rbac: scan role id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) ParentRoleIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT parent_role_id FROM role_hierarchy WHERE child_role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac: query role parents: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rbac: scan parent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AnyRoleHasPermission reports whether any of the given roles carries the
// permission directly.
func (r *Repository) AnyRoleHasPermission(ctx context.Context, roleIDs []int64, permissionID int64) (bool, error) {
	if len(roleIDs) == 0 {
		return false, nil
	}
	var has bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM role_permissions
		   WHERE permission_id = $1 AND role_id = ANY($2)
		 )`, permissionID, roleIDs,
	).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("rbac: query role grants: %w", err)
	}
	return has, nil
}

// PermissionKeysForRoles returns the distinct "resource:action" keys granted
// to any of the given roles.
func (r *Repository) PermissionKeysForRoles(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT p.resource || ':' || p.action
		 FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("rbac: query role permission keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("rbac: scan permission key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UserOverrideKeys returns the user's non-expired direct overrides keyed by
// "resource:action"; the value is the granted flag.
func (r *Repository) UserOverrideKeys(ctx context.Context, userID int64) (map[string]bool, error) {
	rows, err := r.db.Query(ctx,
		`SELECT p.resource || ':' || p.action, up.granted
		 FROM user_permissions up
		 JOIN permissions p ON p.id = up.permission_id
		 WHERE up.user_id = $1
		   AND (up.expires_at IS NULL OR up.expires_at > now())`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: query user overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var k string
		var granted bool
		if err := rows.Scan(&k, &granted); err != nil {
			return nil, fmt.Errorf("rbac: scan override: %w", err)
		}
		out[k] = granted
	}
	return out, rows.Err()
}

func (r *Repository) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, action, target_type, target_id, permission_id, role_id, performed_by, performed_at
		 FROM permission_audit_log
		 ORDER BY performed_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("rbac: list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetType, &e.TargetID,
			&e.PermissionID, &e.RoleID, &e.PerformedBy, &e.PerformedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertRolePermission adds a grant if absent and reports whether a row was
// actually written.
func (r *Repository) InsertRolePermission(ctx context.Context, roleID, permissionID, grantedBy int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id, granted_by)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (role_id, permission_id) DO NOTHING`,
		roleID, permissionID, grantedBy)
	if err != nil {
		return false, fmt.Errorf("rbac: insert role permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID)
	if err != nil {
		return false, fmt.Errorf("rbac: delete role permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) InsertUserRole(ctx context.Context, userID, roleID, assignedBy int64, expiresAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, assigned_by, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, role_id) DO NOTHING`,
		userID, roleID, assignedBy, expiresAt)
	if err != nil {
		return false, fmt.Errorf("rbac: insert user role: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeleteUserRole(ctx context.Context, userID, roleID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("rbac: delete user role: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertUserPermission writes a direct grant or deny. It reports false when an
// identical row already existed, so callers can skip the audit write.
func (r *Repository) UpsertUserPermission(ctx context.Context, up UserPermission) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO user_permissions (user_id, permission_id, granted, granted_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, permission_id) DO UPDATE
		 SET granted = EXCLUDED.granted,
		     granted_by = EXCLUDED.granted_by,
		     granted_at = now(),
		     expires_at = EXCLUDED.expires_at
		 WHERE user_permissions.granted IS DISTINCT FROM EXCLUDED.granted
		    OR user_permissions.expires_at IS DISTINCT FROM EXCLUDED.expires_at`,
		up.UserID, up.PermissionID, up.Granted, up.GrantedBy, up.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("rbac: upsert user permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeleteUserPermission(ctx context.Context, userID, permissionID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`,
		userID, permissionID)
	if err != nil {
		return false, fmt.Errorf("rbac: delete user permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertResourcePermission writes an instance-scoped grant or deny with the
// same changed-row semantics as UpsertUserPermission.
func (r *Repository) UpsertResourcePermission(ctx context.Context, rp ResourcePermission) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO resource_permissions (user_id, resource_type, resource_id, permission_id, granted, granted_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, resource_type, resource_id, permission_id) DO UPDATE
		 SET granted = EXCLUDED.granted,
		     granted_by = EXCLUDED.granted_by,
		     granted_at = now(),
		     expires_at = EXCLUDED.expires_at
		 WHERE resource_permissions.granted IS DISTINCT FROM EXCLUDED.granted
		    OR resource_permissions.expires_at IS DISTINCT FROM EXCLUDED.expires_at`,
		rp.UserID, rp.ResourceType, rp.ResourceID, rp.PermissionID, rp.Granted, rp.GrantedBy, rp.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("rbac: upsert resource permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeleteResourcePermission(ctx context.Context, userID int64, resourceType string, resourceID, permissionID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM resource_permissions
		 WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3 AND permission_id = $4`,
		userID, resourceType, resourceID, permissionID)
	if err != nil {
		return false, fmt.Errorf("rbac: delete resource permission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) InsertRoleParent(ctx context.Context, childID, parentID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO role_hierarchy (child_role_id, parent_role_id)
		 VALUES ($1, $2)
		 ON CONFLICT (child_role_id, parent_role_id) DO NOTHING`,
		childID, parentID)
	if err != nil {
		return false, fmt.Errorf("rbac: insert role parent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) DeleteRoleParent(ctx context.Context, childID, parentID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM role_hierarchy WHERE child_role_id = $1 AND parent_role_id = $2`,
		childID, parentID)
	if err != nil {
		return false, fmt.Errorf("rbac: delete role parent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO permission_audit_log (action, target_type, target_id, permission_id, role_id, performed_by)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.Action, e.TargetType, e.TargetID, e.PermissionID, e.RoleID, e.PerformedBy)
	if err != nil {
		return fmt.Errorf("rbac: append audit: %w", err)
	}
	return nil
}
