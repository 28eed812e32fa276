package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type fakeResumer struct {
	resumed []Job
	err     error
}

func (f *fakeResumer) Resume(_ context.Context, job Job) error {
	if f.err != nil {
		return f.err
	}
	f.resumed = append(f.resumed, job)
	return nil
}

type handlerFixture struct {
	router   *chi.Mux
	registry Registry
	control  *Control
	resumer  *fakeResumer
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	client := newRedisClient(t)
	reg := NewRedisRegistry(client, time.Hour)
	ctrl := NewControl(client, time.Hour, time.Hour)
	resumer := &fakeResumer{}
	handler := NewHandler(reg, ctrl, resumer, testLogger())
	router := chi.NewRouter()
	router.Route("/jobs", func(r chi.Router) { handler.MountRoutes(r, nil) })
	return &handlerFixture{router: router, registry: reg, control: ctrl, resumer: resumer}
}

func (f *handlerFixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, jobResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	f.router.ServeHTTP(rec, req)
	var body jobResponse
	if rec.Code < 300 && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func (f *handlerFixture) seed(t *testing.T, id string, status Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.registry.Create(ctx, NewJob(id, "pde:map", map[string]string{"params": `{"job_id":"` + id + `"}`})))
	switch status {
	case StatusPending:
	case StatusRunning:
		_, err := f.registry.Update(ctx, id, Update{Status: statusPtr(StatusRunning)})
		require.NoError(t, err)
	case StatusPaused:
		_, err := f.registry.Update(ctx, id, Update{Status: statusPtr(StatusRunning)})
		require.NoError(t, err)
		_, err = f.registry.Update(ctx, id, Update{Status: statusPtr(StatusPaused)})
		require.NoError(t, err)
	default:
		t.Fatalf("unsupported seed status %s", status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newHandlerFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/jobs/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobIncludesCheckpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusPaused)
	require.NoError(t, f.control.SaveCheckpoint(context.Background(), "job-1",
		Checkpoint{Index: 3, Counters: map[string]int{"total_mapped": 3}}))

	rec, body := f.do(t, http.MethodGet, "/jobs/job-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body.Checkpoint)
	require.Equal(t, 3, body.Checkpoint.Index)
	require.Equal(t, 3, body.Checkpoint.Counters["total_mapped"])
}

func TestPauseRunningJob(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusRunning)

	rec, body := f.do(t, http.MethodPost, "/jobs/job-1/pause")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, StatusPausing, body.Status)

	flagged, err := f.control.PauseRequested(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestPauseRejectsNonRunningJob(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusPending)

	rec, _ := f.do(t, http.MethodPost, "/jobs/job-1/pause")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestResumeIsDeduplicated(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusPaused)
	require.NoError(t, f.control.RequestPause(context.Background(), "job-1"))

	rec, body := f.do(t, http.MethodPost, "/jobs/job-1/resume")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, StatusResuming, body.Status)
	require.Len(t, f.resumer.resumed, 1)

	// The stale pause flag is cleared so the job does not re-park itself.
	flagged, err := f.control.PauseRequested(context.Background(), "job-1")
	require.NoError(t, err)
	require.False(t, flagged)

	// A second resume finds the job no longer paused and must not enqueue.
	rec, _ = f.do(t, http.MethodPost, "/jobs/job-1/resume")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Len(t, f.resumer.resumed, 1)
}

func TestResumeRequiresCheckpointForStartedWork(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusPaused)
	_, err := f.registry.Update(context.Background(), "job-1",
		Update{TotalSteps: intPtr(10), CompletedSteps: intPtr(4)})
	require.NoError(t, err)

	rec, _ := f.do(t, http.MethodPost, "/jobs/job-1/resume")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, f.resumer.resumed, "a resume that would replay items must not enqueue")

	require.NoError(t, f.control.SaveCheckpoint(context.Background(), "job-1",
		Checkpoint{Index: 4, Counters: map[string]int{"total_mapped": 4}}))
	rec, body := f.do(t, http.MethodPost, "/jobs/job-1/resume")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, StatusResuming, body.Status)
	require.Len(t, f.resumer.resumed, 1)
}

func TestResumeEnqueueFailureRollsBack(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusPaused)
	f.resumer.err = errors.New("queue down")

	rec, _ := f.do(t, http.MethodPost, "/jobs/job-1/resume")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	job, err := f.registry.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, StatusPaused, job.Status, "failed enqueue must leave the job resumable")
}

func TestCancelPendingFinalizesImmediately(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusPending)
	require.NoError(t, f.control.SaveCheckpoint(context.Background(), "job-1", Checkpoint{Index: 1}))

	rec, body := f.do(t, http.MethodPost, "/jobs/job-1/cancel")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, StatusCancelled, body.Status)

	_, found, err := f.control.LoadCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	require.False(t, found, "cancel discards the checkpoint")
}

func TestCancelRunningOnlySetsFlag(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusRunning)

	rec, body := f.do(t, http.MethodPost, "/jobs/job-1/cancel")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, StatusRunning, body.Status, "the worker owns the final transition")

	flagged, err := f.control.CancelRequested(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "job-1", StatusRunning)
	_, err := f.registry.Update(context.Background(), "job-1", Update{Status: statusPtr(StatusCompleted)})
	require.NoError(t, err)

	rec, _ := f.do(t, http.MethodPost, "/jobs/job-1/cancel")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListActiveJobs(t *testing.T) {
	f := newHandlerFixture(t)
	f.seed(t, "a", StatusRunning)
	f.seed(t, "b", StatusRunning)
	_, err := f.registry.Update(context.Background(), "b", Update{Status: statusPtr(StatusCompleted)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "a", jobs[0].ID)
}
