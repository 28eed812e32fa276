package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veritas-grc/veritas/internal/registry"
)

func seedRunning(t *testing.T, reg *registry.MemoryRegistry, id string) {
	t.Helper()
	require.NoError(t, reg.Create(context.Background(), registry.NewJob(id, TaskPDEMapping, nil)))
	_, err := reg.Transition(context.Background(), id, registry.StatusPending, registry.StatusRunning)
	require.NoError(t, err)
}

func TestWatchdogReapFailsStaleJobs(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	seedRunning(t, f.reg, "stale-1")
	time.Sleep(5 * time.Millisecond)

	job := NewWatchdogJob(f.reg, time.Millisecond, 0, testLogger(), nil)
	require.NoError(t, job.HandleReap(ctx, NewWatchdogTask()))

	rec, err := f.reg.Get(ctx, "stale-1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusFailed, rec.Status)
	require.Contains(t, rec.Error, "stale lease")
}

func TestWatchdogReapLeavesFreshJobsAlone(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	seedRunning(t, f.reg, "fresh-1")

	job := NewWatchdogJob(f.reg, time.Hour, 0, testLogger(), nil)
	require.NoError(t, job.HandleReap(ctx, NewWatchdogTask()))

	rec, err := f.reg.Get(ctx, "fresh-1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusRunning, rec.Status)
}

func TestWatchdogPruneDropsExpiredRecords(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()

	seedRunning(t, f.reg, "done-1")
	_, err := f.reg.Transition(ctx, "done-1", registry.StatusRunning, registry.StatusCompleted)
	require.NoError(t, err)
	seedRunning(t, f.reg, "live-1")
	time.Sleep(5 * time.Millisecond)

	job := NewWatchdogJob(f.reg, 0, time.Millisecond, testLogger(), nil)
	require.NoError(t, job.HandlePrune(ctx, NewPruneTask()))

	_, err = f.reg.Get(ctx, "done-1")
	require.ErrorIs(t, err, registry.ErrNotFound)

	rec, err := f.reg.Get(ctx, "live-1")
	require.NoError(t, err)
	require.Equal(t, registry.StatusRunning, rec.Status)
}

func TestWatchdogDefaultsWindows(t *testing.T) {
	job := NewWatchdogJob(nil, 0, -time.Minute, testLogger(), nil)
	require.Equal(t, 15*time.Minute, job.Lease)
	require.Equal(t, 7*24*time.Hour, job.Retention)
}
