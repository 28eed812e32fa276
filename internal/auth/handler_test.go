package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/veritas-grc/veritas/internal/auth"
	"github.com/veritas-grc/veritas/internal/shared"
)

// commitWriter flushes the session to Redis and sets the cookie just before
// the first header write, the way the app session middleware does.
type commitWriter struct {
	http.ResponseWriter
	sess     *shared.Session
	sessions *shared.SessionManager
	ctx      context.Context
	req      *http.Request
	written  bool
}

func (w *commitWriter) WriteHeader(code int) {
	if !w.written {
		w.written = true
		_ = w.sessions.Commit(w.ctx, w.ResponseWriter, w.req, w.sess)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *commitWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func sessionRouter(t *testing.T, repo auth.Repository) (http.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	handler := auth.NewHandler(nil, auth.NewService(repo), sessions)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, err := sessions.Load(req.Context(), req)
			require.NoError(t, err)
			ctx := shared.ContextWithSession(req.Context(), sess)
			wrapped := &commitWriter{ResponseWriter: w, sess: sess, sessions: sessions, ctx: ctx, req: req.WithContext(ctx)}
			next.ServeHTTP(wrapped, req.WithContext(ctx))
		})
	})
	r.Route("/auth", func(r chi.Router) { handler.MountRoutes(r) })
	return r, sessions
}

func TestLoginIssuesSession(t *testing.T) {
	repo := newStubRepo()
	repo.users["analyst@veritas.test"] = &auth.User{
		ID:           7,
		Email:        "analyst@veritas.test",
		FullName:     "Report Analyst",
		PasswordHash: hashFor(t, "correct horse battery"),
		IsActive:     true,
	}
	router, sessions := sessionRouter(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"analyst@veritas.test","password":"correct horse battery"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ID       int64  `json:"id"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		IsAdmin  bool   `json:"is_admin"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(7), body.ID)
	require.False(t, body.IsAdmin)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	// The committed session carries the user id the RBAC middleware reads.
	follow := httptest.NewRequest(http.MethodGet, "/", nil)
	follow.AddCookie(cookies[0])
	sess, err := sessions.Load(context.Background(), follow)
	require.NoError(t, err)
	require.Equal(t, "7", sess.User())
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	repo := newStubRepo()
	repo.users["analyst@veritas.test"] = &auth.User{
		ID:           7,
		Email:        "analyst@veritas.test",
		PasswordHash: hashFor(t, "correct horse battery"),
		IsActive:     true,
	}
	router, _ := sessionRouter(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"analyst@veritas.test","password":"wrong password!"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid email or password")
}

func TestLoginValidatesPayload(t *testing.T) {
	router, _ := sessionRouter(t, newStubRepo())

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"not-an-email","password":"short"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutDestroysSession(t *testing.T) {
	repo := newStubRepo()
	repo.users["analyst@veritas.test"] = &auth.User{
		ID:           7,
		Email:        "analyst@veritas.test",
		PasswordHash: hashFor(t, "correct horse battery"),
		IsActive:     true,
	}
	router, sessions := sessionRouter(t, repo)

	login := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"analyst@veritas.test","password":"correct horse battery"}`))
	login.Header.Set("Content-Type", "application/json")
	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, login)
	require.Equal(t, http.StatusOK, loginRec.Code)
	cookie := loginRec.Result().Cookies()[0]

	logout := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	logout.AddCookie(cookie)
	logoutRec := httptest.NewRecorder()
	router.ServeHTTP(logoutRec, logout)
	require.Equal(t, http.StatusNoContent, logoutRec.Code)

	follow := httptest.NewRequest(http.MethodGet, "/", nil)
	follow.AddCookie(cookie)
	sess, err := sessions.Load(context.Background(), follow)
	require.NoError(t, err)
	require.Empty(t, sess.User(), "destroyed session no longer resolves a user")
}
