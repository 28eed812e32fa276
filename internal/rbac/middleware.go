package rbac

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/veritas-grc/veritas/internal/platform/httpx"
	"github.com/veritas-grc/veritas/internal/shared"
)

// CurrentUserID reads the authenticated user id from the request session.
func CurrentUserID(ctx context.Context) (int64, bool) {
	sess := shared.SessionFromContext(ctx)
	if sess == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Middleware guards routes with permission checks.
type Middleware struct {
	Service *Service
}

// Require allows the request through only when the session user holds the
// permission at type level.
func (m Middleware) Require(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := CurrentUserID(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if !m.Service.CheckPermission(r.Context(), userID, resource, action, 0) {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny passes when the user holds at least one of the given
// "resource:action" permissions.
func (m Middleware) RequireAny(keys ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := CurrentUserID(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if !m.Service.HasAnyPermission(r.Context(), userID, keys...) {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireResource checks the permission against the instance named by the URL
// parameter, so instance-scoped overrides apply.
func (m Middleware) RequireResource(resource, action, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := CurrentUserID(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			resourceID, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
			if err != nil || resourceID <= 0 {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+param)
				return
			}
			if !m.Service.CheckPermission(r.Context(), userID, resource, action, resourceID) {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
