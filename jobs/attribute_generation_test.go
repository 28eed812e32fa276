package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/veritas-grc/veritas/internal/llm"
	"github.com/veritas-grc/veritas/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type jobFixture struct {
	reg  *registry.MemoryRegistry
	ctrl *registry.Control
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg, err := registry.NewMemoryRegistry(filepath.Join(t.TempDir(), "jobs.json"), testLogger())
	require.NoError(t, err)
	return &jobFixture{reg: reg, ctrl: registry.NewControl(client, time.Hour, time.Hour)}
}

// createJob registers a pending job the way Client.start does and returns
// the task a worker would receive for it.
func (f *jobFixture) createJob(t *testing.T, id, taskType string, payload any) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	job := registry.NewJob(id, taskType, map[string]string{MetadataParams: string(body)})
	require.NoError(t, f.reg.Create(context.Background(), job))
	return asynq.NewTask(taskType, body)
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	perCall int
	failSec map[int]bool
	err     error
	onCall  func(n int)
}

func (f *fakeGenerator) GenerateAttributes(_ context.Context, req llm.AttributeRequest) ([]llm.Attribute, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.failSec[n-1] {
		return nil, fmt.Errorf("section %q: model timeout", req.Section)
	}
	attrs := make([]llm.Attribute, f.perCall)
	for i := range attrs {
		attrs[i] = llm.Attribute{Name: fmt.Sprintf("attr_%d_%d", n, i)}
	}
	return attrs, nil
}

func sections(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("section %d", i)
	}
	return out
}

func TestAttributeGenerationAggregatesCounts(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	payload := AttributeGenerationPayload{JobID: "gen-1", ReportID: 7, Regulation: "BASEL III", Sections: sections(4)}
	task := f.createJob(t, "gen-1", TaskAttributeGeneration, payload)
	gen := &fakeGenerator{perCall: 3}

	job := NewAttributeGenerationJob(f.reg, f.ctrl, gen, testLogger(), nil)
	require.NoError(t, job.Handle(ctx, task))

	rec, err := f.reg.Get(ctx, "gen-1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCompleted, rec.Status)
	require.Equal(t, 100, rec.Progress)
	require.Equal(t, 12, rec.Result["total_generated"])
	require.Equal(t, 0, rec.Result["total_failed"])
	require.Equal(t, 4, gen.calls)
}

func TestAttributeGenerationCountsSectionFailures(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	payload := AttributeGenerationPayload{JobID: "gen-1", ReportID: 7, Regulation: "MiFID II", Sections: sections(5)}
	task := f.createJob(t, "gen-1", TaskAttributeGeneration, payload)
	gen := &fakeGenerator{perCall: 2, failSec: map[int]bool{1: true}}

	job := NewAttributeGenerationJob(f.reg, f.ctrl, gen, testLogger(), nil)
	require.NoError(t, job.Handle(ctx, task))

	rec, err := f.reg.Get(ctx, "gen-1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCompleted, rec.Status)
	require.Equal(t, 8, rec.Result["total_generated"])
	require.Equal(t, 1, rec.Result["total_failed"])
}

func TestAttributeGenerationCancelMidRun(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	payload := AttributeGenerationPayload{JobID: "gen-1", ReportID: 7, Regulation: "BASEL III", Sections: sections(10)}
	task := f.createJob(t, "gen-1", TaskAttributeGeneration, payload)
	gen := &fakeGenerator{perCall: 1}
	gen.onCall = func(n int) {
		if n == 2 {
			require.NoError(t, f.ctrl.RequestCancel(ctx, "gen-1"))
		}
	}

	job := NewAttributeGenerationJob(f.reg, f.ctrl, gen, testLogger(), nil)
	require.NoError(t, job.Handle(ctx, task))

	rec, err := f.reg.Get(ctx, "gen-1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusCancelled, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.Equal(t, 2, gen.calls, "no sections run past the cancel boundary")

	_, found, err := f.ctrl.LoadCheckpoint(ctx, "gen-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestAttributeGenerationUnauthorizedFailsJob(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	payload := AttributeGenerationPayload{JobID: "gen-1", ReportID: 7, Regulation: "BASEL III", Sections: sections(6)}
	task := f.createJob(t, "gen-1", TaskAttributeGeneration, payload)
	gen := &fakeGenerator{err: llm.ErrUnauthorized}

	job := NewAttributeGenerationJob(f.reg, f.ctrl, gen, testLogger(), nil)
	err := job.Handle(ctx, task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, llm.ErrUnauthorized)

	rec, err := f.reg.Get(ctx, "gen-1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "unauthorized")

	// The checkpoint stays behind for diagnosis and a manual resume.
	cp, found, cerr := f.ctrl.LoadCheckpoint(ctx, "gen-1")
	require.NoError(t, cerr)
	require.True(t, found)
	require.Equal(t, 0, cp.Index)
}

func TestAttributeGenerationSkipsMalformedPayload(t *testing.T) {
	f := newJobFixture(t)
	job := NewAttributeGenerationJob(f.reg, f.ctrl, &fakeGenerator{perCall: 1}, testLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskAttributeGeneration, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskAttributeGeneration, []byte(`{"job_id":""}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
