package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/veritas-grc/veritas/internal/platform/httpx"
)

// Handler exposes the permission administration API.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler builds the handler with its own validator instance.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, validate: validator.New(), logger: logger}
}

// MountRoutes registers the admin routes on r. Each group is guarded by the
// permission it administers, evaluated through the handler's own service.
func (h *Handler) MountRoutes(r chi.Router) {
	guard := Middleware{Service: h.service}

	r.Group(func(r chi.Router) {
		r.Use(guard.Require("permissions", "view"))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(guard.Require("permissions", "manage"))
		r.Post("/permissions", h.createPermission)
		r.Delete("/permissions/{permissionID}", h.deletePermission)
	})

	r.Group(func(r chi.Router) {
		r.Use(guard.Require("roles", "view"))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{roleID}", h.getRole)
		r.Get("/roles/{roleID}/permissions", h.listRolePermissions)
		r.Get("/roles/{roleID}/restrictions", h.roleRestrictions)
	})
	r.Group(func(r chi.Router) {
		r.Use(guard.Require("roles", "manage"))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{roleID}", h.updateRole)
		r.Delete("/roles/{roleID}", h.deleteRole)
		r.Post("/roles/{roleID}/permissions", h.grantRolePermission)
		r.Delete("/roles/{roleID}/permissions/{permissionID}", h.revokeRolePermission)
		r.Post("/roles/{roleID}/parents", h.addRoleParent)
		r.Delete("/roles/{roleID}/parents/{parentID}", h.removeRoleParent)
	})

	r.Group(func(r chi.Router) {
		r.Use(guard.Require("users", "view"))
		r.Get("/users/{userID}/roles", h.listUserRoles)
		r.Get("/users/{userID}/permissions", h.userPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(guard.Require("users", "assign"))
		r.Post("/users/{userID}/roles", h.assignUserRole)
		r.Delete("/users/{userID}/roles/{roleID}", h.removeUserRole)
	})
	// Direct grants bypass roles entirely, so they sit behind catalog
	// management rather than user assignment.
	r.Group(func(r chi.Router) {
		r.Use(guard.Require("permissions", "manage"))
		r.Post("/users/{userID}/permissions", h.grantUserPermission)
		r.Delete("/users/{userID}/permissions/{permissionID}", h.revokeUserPermission)
		r.Post("/users/{userID}/resource-permissions", h.grantResourcePermission)
		r.Delete("/users/{userID}/resource-permissions", h.revokeResourcePermission)
	})

	r.Group(func(r chi.Router) {
		r.Use(guard.RequireAny("permissions:view", "system:admin"))
		r.Get("/audit", h.listAudit)
		r.Post("/check", h.check)
	})
}

type permissionResponse struct {
	ID          int64     `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Key         string    `json:"key"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func toPermissionResponse(p Permission) permissionResponse {
	return permissionResponse{
		ID:          p.ID,
		Resource:    p.Resource,
		Action:      p.Action,
		Key:         p.Key(),
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRoleResponse(r Role) roleResponse {
	return roleResponse{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsSystem:    r.IsSystem,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type auditResponse struct {
	ID           int64     `json:"id"`
	Action       string    `json:"action"`
	TargetType   string    `json:"target_type"`
	TargetID     int64     `json:"target_id"`
	PermissionID *int64    `json:"permission_id,omitempty"`
	RoleID       *int64    `json:"role_id,omitempty"`
	PerformedBy  int64     `json:"performed_by"`
	PerformedAt  time.Time `json:"performed_at"`
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrPermissionExists), errors.Is(err, ErrRoleExists):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrSystemRole), errors.Is(err, ErrRestricted), errors.Is(err, ErrHierarchyCycle):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("rbac request failed", "error", err)
		httpx.RespondError(w, err)
	}
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := CurrentUserID(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
	}
	return id, ok
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createPermissionRequest struct {
	Resource    string `json:"resource" validate:"required,min=2,max=64"`
	Action      string `json:"action" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), req.Resource, req.Action, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionResponse(perm))
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "permissionID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid permissionID")
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	var req roleRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	perms, err := h.service.ListRolePermissions(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toPermissionResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type grantRolePermissionRequest struct {
	PermissionID int64 `json:"permission_id" validate:"required,gt=0"`
}

func (h *Handler) grantRolePermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	roleID, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	var req grantRolePermissionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if err := h.service.GrantPermissionToRole(r.Context(), actorID, roleID, req.PermissionID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeRolePermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	roleID, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	permissionID, ok := pathID(r, "permissionID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid permissionID")
		return
	}
	if err := h.service.RevokePermissionFromRole(r.Context(), actorID, roleID, permissionID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addRoleParentRequest struct {
	ParentRoleID int64 `json:"parent_role_id" validate:"required,gt=0"`
}

func (h *Handler) addRoleParent(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	var req addRoleParentRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if err := h.service.AddRoleParent(r.Context(), roleID, req.ParentRoleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRoleParent(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	parentID, ok := pathID(r, "parentID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid parentID")
		return
	}
	if err := h.service.RemoveRoleParent(r.Context(), roleID, parentID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) roleRestrictions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	allowed := AllowedPermissionsForRole(role.Name)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role":       role.Name,
		"restricted": allowed != nil,
		"grantable":  allowed,
	})
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	roles, err := h.service.ListUserRoles(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type assignRoleRequest struct {
	RoleID    int64      `json:"role_id" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) assignUserRole(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	var req assignRoleRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if err := h.service.AssignRoleToUser(r.Context(), actorID, userID, req.RoleID, req.ExpiresAt); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeUserRole(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	roleID, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid roleID")
		return
	}
	if err := h.service.RemoveRoleFromUser(r.Context(), actorID, userID, roleID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	keys, err := h.service.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": keys})
}

type grantUserPermissionRequest struct {
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	Granted      *bool      `json:"granted" validate:"required"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) grantUserPermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	var req grantUserPermissionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	err := h.service.GrantPermissionToUser(r.Context(), actorID, userID, req.PermissionID, *req.Granted, req.ExpiresAt)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeUserPermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	permissionID, ok := pathID(r, "permissionID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid permissionID")
		return
	}
	if err := h.service.RevokePermissionFromUser(r.Context(), actorID, userID, permissionID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resourcePermissionRequest struct {
	ResourceType string     `json:"resource_type" validate:"required,min=2,max=64"`
	ResourceID   int64      `json:"resource_id" validate:"required,gt=0"`
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	Granted      *bool      `json:"granted" validate:"required"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) grantResourcePermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	var req resourcePermissionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	err := h.service.GrantResourcePermission(r.Context(), actorID, ResourcePermission{
		UserID:       userID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		PermissionID: req.PermissionID,
		Granted:      *req.Granted,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeResourcePermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actor(w, r)
	if !ok {
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid userID")
		return
	}
	q := r.URL.Query()
	resourceType := q.Get("resource_type")
	resourceID, err1 := strconv.ParseInt(q.Get("resource_id"), 10, 64)
	permissionID, err2 := strconv.ParseInt(q.Get("permission_id"), 10, 64)
	if resourceType == "" || err1 != nil || resourceID <= 0 || err2 != nil || permissionID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request",
			"resource_type, resource_id and permission_id query parameters are required")
		return
	}
	err := h.service.RevokeResourcePermission(r.Context(), actorID, userID, resourceType, resourceID, permissionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.ListAudit(r.Context(), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:           e.ID,
			Action:       string(e.Action),
			TargetType:   string(e.TargetType),
			TargetID:     e.TargetID,
			PermissionID: e.PermissionID,
			RoleID:       e.RoleID,
			PerformedBy:  e.PerformedBy,
			PerformedAt:  e.PerformedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type checkRequest struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	Resource   string `json:"resource" validate:"required"`
	Action     string `json:"action" validate:"required"`
	ResourceID int64  `json:"resource_id"`
}

// check lets administrators probe the evaluator for any user, mirroring what
// the middleware would decide for a real request.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	allowed := h.service.CheckPermission(r.Context(), req.UserID, req.Resource, req.Action, req.ResourceID)
	httpx.JSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}
