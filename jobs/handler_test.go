package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newHandlerRouter(t *testing.T) http.Handler {
	t.Helper()
	h := NewHandler(nil, nil, testLogger())
	r := chi.NewRouter()
	r.Route("/jobs", func(r chi.Router) { h.MountRoutes(r, nil) })
	return r
}

func postJSON(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartAttributeGenerationRejectsInvalidBody(t *testing.T) {
	router := newHandlerRouter(t)

	rec := postJSON(t, router, "/jobs/attribute-generation", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/jobs/attribute-generation", `{"report_id":7}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/jobs/attribute-generation", `{"report_id":7,"regulation":"BASEL III","sections":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartPDEMappingRejectsUnnamedElements(t *testing.T) {
	router := newHandlerRouter(t)

	rec := postJSON(t, router, "/jobs/pde-mapping", `{"report_id":1,"elements":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/jobs/pde-mapping", `{"report_id":1,"elements":[{"id":3}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartProfilingRunRejectsRuleWithoutQuery(t *testing.T) {
	router := newHandlerRouter(t)

	rec := postJSON(t, router, "/jobs/profiling-runs", `{"plan_id":9,"rules":[{"id":1,"name":"rule_a"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueHealthWithoutInspector(t *testing.T) {
	router := newHandlerRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/queue/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp queueHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, QueueDefault, resp.Queue)
	require.Zero(t, resp.Pending)
}
