package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Store is the read side plus transactional entry point the service needs.
type Store interface {
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	FindPermission(ctx context.Context, resource, action string) (Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	CreatePermission(ctx context.Context, resource, action, description string) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	FindRoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, name, description string, isSystem bool) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	ListRoles(ctx context.Context) ([]Role, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	ListUserRoles(ctx context.Context, userID int64) ([]Role, error)
	UserOverride(ctx context.Context, userID, permissionID int64) (granted, found bool, err error)
	ResourceOverride(ctx context.Context, userID, permissionID int64, resourceType string, resourceID int64) (granted, found bool, err error)
	ActiveRoleIDs(ctx context.Context, userID int64) ([]int64, error)
	ParentRoleIDs(ctx context.Context, roleID int64) ([]int64, error)
	AnyRoleHasPermission(ctx context.Context, roleIDs []int64, permissionID int64) (bool, error)
	PermissionKeysForRoles(ctx context.Context, roleIDs []int64) ([]string, error)
	UserOverrideKeys(ctx context.Context, userID int64) (map[string]bool, error)
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// TxStore is the mutation surface available inside a transaction. Every
// mutation that changes effective access writes its audit row through the
// same transaction.
type TxStore interface {
	InsertRolePermission(ctx context.Context, roleID, permissionID, grantedBy int64) (bool, error)
	DeleteRolePermission(ctx context.Context, roleID, permissionID int64) (bool, error)
	InsertUserRole(ctx context.Context, userID, roleID, assignedBy int64, expiresAt *time.Time) (bool, error)
	DeleteUserRole(ctx context.Context, userID, roleID int64) (bool, error)
	UpsertUserPermission(ctx context.Context, up UserPermission) (bool, error)
	DeleteUserPermission(ctx context.Context, userID, permissionID int64) (bool, error)
	UpsertResourcePermission(ctx context.Context, rp ResourcePermission) (bool, error)
	DeleteResourcePermission(ctx context.Context, userID int64, resourceType string, resourceID, permissionID int64) (bool, error)
	InsertRoleParent(ctx context.Context, childID, parentID int64) (bool, error)
	DeleteRoleParent(ctx context.Context, childID, parentID int64) (bool, error)
	ParentRoleIDs(ctx context.Context, roleID int64) ([]int64, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
}

const (
	auditLimitDefault = 100
	auditLimitMax     = 500
)

// Service evaluates permission checks and applies grant mutations.
type Service struct {
	store   Store
	cache   *DecisionCache
	metrics *Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

// NewService wires the evaluator. cache and metrics may be nil.
func NewService(store Store, cache *DecisionCache, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, metrics: metrics, logger: logger}
}

// CheckPermission decides whether userID may perform action on resource.
// resourceID scopes the check to one instance; zero means a type-level check.
//
// The decision never surfaces an error: unknown permissions and storage
// failures both deny, with a warning in the log. Precedence on the slow path
// is user override, then resource override, then role grants including
// inherited parent roles.
func (s *Service) CheckPermission(ctx context.Context, userID int64, resource, action string, resourceID int64) bool {
	isAdmin, err := s.store.IsAdmin(ctx, userID)
	if err != nil {
		s.logger.Warn("permission check failed",
			"user_id", userID, "resource", resource, "action", action, "error", err)
		return false
	}
	if isAdmin {
		s.metrics.observeCheck(true)
		return true
	}

	if allowed, ok := s.cache.Get(ctx, userID, resource, action, resourceID); ok {
		s.metrics.observeCacheHit()
		s.metrics.observeCheck(allowed)
		return allowed
	}
	s.metrics.observeCacheMiss()

	flightKey := fmt.Sprintf("%d:%s:%s:%d", userID, resource, action, resourceID)
	v, err, _ := s.group.Do(flightKey, func() (any, error) {
		return s.evaluate(ctx, userID, resource, action, resourceID)
	})
	if err != nil {
		s.logger.Warn("permission check failed",
			"user_id", userID, "resource", resource, "action", action, "error", err)
		return false
	}
	allowed := v.(bool)
	s.cache.Set(ctx, userID, resource, action, resourceID, allowed)
	s.metrics.observeCheck(allowed)
	return allowed
}

func (s *Service) evaluate(ctx context.Context, userID int64, resource, action string, resourceID int64) (bool, error) {
	perm, err := s.resolvePermission(ctx, resource, action)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("unknown permission requested", "resource", resource, "action", action)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	granted, found, err := s.store.UserOverride(ctx, userID, perm.ID)
	if err != nil {
		return false, err
	}
	if found {
		return granted, nil
	}

	if resourceID != 0 {
		granted, found, err = s.store.ResourceOverride(ctx, userID, perm.ID, perm.Resource, resourceID)
		if err != nil {
			return false, err
		}
		if found {
			return granted, nil
		}
	}

	roleIDs, err := s.store.ActiveRoleIDs(ctx, userID)
	if err != nil {
		return false, err
	}
	expanded, err := s.expandRoleSet(ctx, roleIDs)
	if err != nil {
		return false, err
	}
	return s.store.AnyRoleHasPermission(ctx, expanded, perm.ID)
}

// resolvePermission looks up (resource, action), retrying with the singular
// resource name so "reports" and "report" address the same permission.
func (s *Service) resolvePermission(ctx context.Context, resource, action string) (Permission, error) {
	perm, err := s.store.FindPermission(ctx, resource, action)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return perm, err
	}
	if singular, ok := strings.CutSuffix(resource, "s"); ok && singular != "" {
		return s.store.FindPermission(ctx, singular, action)
	}
	return Permission{}, ErrNotFound
}

// expandRoleSet walks parent edges breadth-first. The visited set makes the
// walk terminate even if the stored hierarchy contains a cycle.
func (s *Service) expandRoleSet(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	seen := make(map[int64]struct{}, len(roleIDs))
	queue := append([]int64(nil), roleIDs...)
	var out []int64
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		parents, err := s.store.ParentRoleIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		queue = append(queue, parents...)
	}
	return out, nil
}

// HasAnyPermission checks "resource:action" keys and passes on the first hit.
func (s *Service) HasAnyPermission(ctx context.Context, userID int64, keys ...string) bool {
	for _, key := range keys {
		resource, action, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		if s.CheckPermission(ctx, userID, resource, action, 0) {
			return true
		}
	}
	return false
}

// HasAllPermissions checks "resource:action" keys and fails on the first miss.
func (s *Service) HasAllPermissions(ctx context.Context, userID int64, keys ...string) bool {
	for _, key := range keys {
		resource, action, ok := strings.Cut(key, ":")
		if !ok {
			return false
		}
		if !s.CheckPermission(ctx, userID, resource, action, 0) {
			return false
		}
	}
	return true
}

// EffectivePermissions returns the sorted permission keys userID currently
// holds: role grants (including inherited ones) plus direct grants, minus
// direct denies. Admins hold everything.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	isAdmin, err := s.store.IsAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}
	if isAdmin {
		perms, err := s.store.ListPermissions(ctx)
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(perms))
		for i, p := range perms {
			keys[i] = p.Key()
		}
		return keys, nil
	}

	roleIDs, err := s.store.ActiveRoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	expanded, err := s.expandRoleSet(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	keys, err := s.store.PermissionKeysForRoles(ctx, expanded)
	if err != nil {
		return nil, err
	}
	effective := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		effective[k] = struct{}{}
	}

	overrides, err := s.store.UserOverrideKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	for k, granted := range overrides {
		if granted {
			effective[k] = struct{}{}
		} else {
			delete(effective, k)
		}
	}

	out := make([]string, 0, len(effective))
	for k := range effective {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// CreatePermission registers a new (resource, action) pair.
func (s *Service) CreatePermission(ctx context.Context, resource, action, description string) (Permission, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	return s.store.CreatePermission(ctx, resource, action, description)
}

// DeletePermission removes a permission; grants referencing it cascade away.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	if err := s.store.DeletePermission(ctx, id); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// CreateRole adds a custom, non-system role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	return s.store.CreateRole(ctx, strings.TrimSpace(name), description, false)
}

// UpdateRole renames or re-describes a role. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, ErrSystemRole
	}
	return s.store.UpdateRole(ctx, id, strings.TrimSpace(name), description)
}

// DeleteRole removes a custom role and every grant hanging off it.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	if err := s.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// GrantPermissionToRole attaches a permission to a role. Granting an already
// held permission succeeds without writing an audit row. The static role
// policy is enforced before anything is written.
func (s *Service) GrantPermissionToRole(ctx context.Context, actorID, roleID, permissionID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if !IsPermissionAllowedForRole(role.Name, perm.Key()) {
		return fmt.Errorf("%w: %s for role %s", ErrRestricted, perm.Key(), role.Name)
	}

	var inserted bool
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		inserted, err = tx.InsertRolePermission(ctx, roleID, permissionID, actorID)
		if err != nil || !inserted {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:       AuditGrant,
			TargetType:   TargetRole,
			TargetID:     roleID,
			PermissionID: &permissionID,
			PerformedBy:  actorID,
		})
	})
	if err != nil {
		return err
	}
	if inserted {
		s.invalidateAll(ctx)
	}
	return nil
}

// RevokePermissionFromRole detaches a permission from a role. Revoking a
// permission the role does not hold succeeds without an audit row.
func (s *Service) RevokePermissionFromRole(ctx context.Context, actorID, roleID, permissionID int64) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	var removed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		removed, err = tx.DeleteRolePermission(ctx, roleID, permissionID)
		if err != nil || !removed {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:       AuditRevoke,
			TargetType:   TargetRole,
			TargetID:     roleID,
			PermissionID: &permissionID,
			PerformedBy:  actorID,
		})
	})
	if err != nil {
		return err
	}
	if removed {
		s.invalidateAll(ctx)
	}
	return nil
}

// AssignRoleToUser gives userID the role until expiresAt (nil for no expiry).
func (s *Service) AssignRoleToUser(ctx context.Context, actorID, userID, roleID int64, expiresAt *time.Time) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	var inserted bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		inserted, err = tx.InsertUserRole(ctx, userID, roleID, actorID, expiresAt)
		if err != nil || !inserted {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:      AuditGrant,
			TargetType:  TargetUser,
			TargetID:    userID,
			RoleID:      &roleID,
			PerformedBy: actorID,
		})
	})
	if err != nil {
		return err
	}
	if inserted {
		s.invalidateUser(ctx, userID)
	}
	return nil
}

// RemoveRoleFromUser takes the role away again.
func (s *Service) RemoveRoleFromUser(ctx context.Context, actorID, userID, roleID int64) error {
	var removed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		removed, err = tx.DeleteUserRole(ctx, userID, roleID)
		if err != nil || !removed {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:      AuditRevoke,
			TargetType:  TargetUser,
			TargetID:    userID,
			RoleID:      &roleID,
			PerformedBy: actorID,
		})
	})
	if err != nil {
		return err
	}
	if removed {
		s.invalidateUser(ctx, userID)
	}
	return nil
}

// GrantPermissionToUser writes a direct override. granted=false records an
// explicit deny that beats any role grant. Re-writing an identical override
// is a no-op without an audit row.
func (s *Service) GrantPermissionToUser(ctx context.Context, actorID, userID, permissionID int64, granted bool, expiresAt *time.Time) error {
	if _, err := s.store.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	action := AuditGrant
	if !granted {
		action = AuditRevoke
	}
	var changed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		changed, err = tx.UpsertUserPermission(ctx, UserPermission{
			UserID:       userID,
			PermissionID: permissionID,
			Granted:      granted,
			GrantedBy:    actorID,
			ExpiresAt:    expiresAt,
		})
		if err != nil || !changed {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:       action,
			TargetType:   TargetUser,
			TargetID:     userID,
			PermissionID: &permissionID,
			PerformedBy:  actorID,
		})
	})
	if err != nil {
		return err
	}
	if changed {
		s.invalidateUser(ctx, userID)
	}
	return nil
}

// RevokePermissionFromUser deletes a direct override entirely, letting role
// grants apply again.
func (s *Service) RevokePermissionFromUser(ctx context.Context, actorID, userID, permissionID int64) error {
	var removed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		removed, err = tx.DeleteUserPermission(ctx, userID, permissionID)
		if err != nil || !removed {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:       AuditRevoke,
			TargetType:   TargetUser,
			TargetID:     userID,
			PermissionID: &permissionID,
			PerformedBy:  actorID,
		})
	})
	if err != nil {
		return err
	}
	if removed {
		s.invalidateUser(ctx, userID)
	}
	return nil
}

// GrantResourcePermission scopes an override to one resource instance.
func (s *Service) GrantResourcePermission(ctx context.Context, actorID int64, rp ResourcePermission) error {
	if _, err := s.store.GetPermission(ctx, rp.PermissionID); err != nil {
		return err
	}
	rp.GrantedBy = actorID
	action := AuditGrant
	if !rp.Granted {
		action = AuditRevoke
	}
	var changed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		changed, err = tx.UpsertResourcePermission(ctx, rp)
		if err != nil || !changed {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:       action,
			TargetType:   TargetUser,
			TargetID:     rp.UserID,
			PermissionID: &rp.PermissionID,
			PerformedBy:  actorID,
		})
	})
	if err != nil {
		return err
	}
	if changed {
		s.invalidateUser(ctx, rp.UserID)
	}
	return nil
}

// RevokeResourcePermission removes an instance-scoped override.
func (s *Service) RevokeResourcePermission(ctx context.Context, actorID, userID int64, resourceType string, resourceID, permissionID int64) error {
	var removed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		removed, err = tx.DeleteResourcePermission(ctx, userID, resourceType, resourceID, permissionID)
		if err != nil || !removed {
			return err
		}
		return tx.AppendAudit(ctx, AuditEntry{
			Action:       AuditRevoke,
			TargetType:   TargetUser,
			TargetID:     userID,
			PermissionID: &permissionID,
			PerformedBy:  actorID,
		})
	})
	if err != nil {
		return err
	}
	if removed {
		s.invalidateUser(ctx, userID)
	}
	return nil
}

// AddRoleParent lets child inherit everything granted to parent. The edge is
// rejected if it would close a cycle; the ancestor walk runs inside the same
// transaction as the insert.
func (s *Service) AddRoleParent(ctx context.Context, childID, parentID int64) error {
	if childID == parentID {
		return ErrHierarchyCycle
	}
	if _, err := s.store.GetRole(ctx, childID); err != nil {
		return err
	}
	if _, err := s.store.GetRole(ctx, parentID); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		seen := make(map[int64]struct{})
		queue := []int64{parentID}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if id == childID {
				return ErrHierarchyCycle
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			parents, err := tx.ParentRoleIDs(ctx, id)
			if err != nil {
				return err
			}
			queue = append(queue, parents...)
		}
		_, err := tx.InsertRoleParent(ctx, childID, parentID)
		return err
	})
	if err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// RemoveRoleParent drops an inheritance edge.
func (s *Service) RemoveRoleParent(ctx context.Context, childID, parentID int64) error {
	var removed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		removed, err = tx.DeleteRoleParent(ctx, childID, parentID)
		return err
	})
	if err != nil {
		return err
	}
	if removed {
		s.invalidateAll(ctx)
	}
	return nil
}

// ListPermissions returns every registered permission.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole returns one role by id.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// ListRolePermissions returns the permissions granted directly to a role.
func (s *Service) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.store.ListRolePermissions(ctx, roleID)
}

// ListUserRoles returns a user's non-expired role assignments.
func (s *Service) ListUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return s.store.ListUserRoles(ctx, userID)
}

// ListAudit returns the newest audit entries, clamped to a sane page size.
func (s *Service) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = auditLimitDefault
	}
	if limit > auditLimitMax {
		limit = auditLimitMax
	}
	return s.store.ListAudit(ctx, limit)
}

func (s *Service) invalidateUser(ctx context.Context, userID int64) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.logger.Warn("decision cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (s *Service) invalidateAll(ctx context.Context) {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.Warn("decision cache invalidation failed", "error", err)
	}
}
