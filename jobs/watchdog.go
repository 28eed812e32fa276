package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/veritas-grc/veritas/internal/jobs"
	"github.com/veritas-grc/veritas/internal/registry"
)

const (
	defaultLease     = 15 * time.Minute
	defaultRetention = 7 * 24 * time.Hour
)

// WatchdogJob keeps the registry honest. The reap sweep fails active jobs
// whose lease went stale; the prune sweep drops terminal records past
// retention. Both run on the scheduler's cron.
type WatchdogJob struct {
	Registry  registry.Registry
	Lease     time.Duration
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewWatchdogJob initialises the handler with defaults for unset windows.
func NewWatchdogJob(reg registry.Registry, lease, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *WatchdogJob {
	if lease <= 0 {
		lease = defaultLease
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &WatchdogJob{Registry: reg, Lease: lease, Retention: retention, Logger: logger, Metrics: metrics}
}

// NewWatchdogTask builds the task the scheduler enqueues for reap sweeps.
func NewWatchdogTask() *asynq.Task {
	return asynq.NewTask(TaskRegistryWatchdog, nil, asynq.Queue(QueueDefault))
}

// NewPruneTask builds the task the scheduler enqueues for prune sweeps.
func NewPruneTask() *asynq.Task {
	return asynq.NewTask(TaskRegistryPrune, nil, asynq.Queue(QueueDefault))
}

// HandleReap fails active jobs that stopped refreshing their lease.
func (j *WatchdogJob) HandleReap(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Registry == nil {
		return errors.New("watchdog: handler not configured")
	}
	tracker := j.metrics().Track(TaskRegistryWatchdog)
	n, err := registry.ReapStale(ctx, j.Registry, j.Lease, j.logger())
	if err != nil {
		j.logger().Error("watchdog sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	if n > 0 {
		j.logger().Warn("watchdog failed stale jobs", slog.Int("count", n))
	}
	return tracker.End(nil)
}

// HandlePrune drops terminal records older than the retention window.
func (j *WatchdogJob) HandlePrune(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Registry == nil {
		return errors.New("watchdog: handler not configured")
	}
	tracker := j.metrics().Track(TaskRegistryPrune)
	cutoff := time.Now().UTC().Add(-j.Retention)
	n, err := j.Registry.Prune(ctx, cutoff)
	if err != nil {
		j.logger().Error("prune sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	if n > 0 {
		j.logger().Info("pruned terminal jobs", slog.Int("count", n))
	}
	return tracker.End(nil)
}

func (j *WatchdogJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRegistryWatchdog))
	}
	return slog.Default().With(slog.String("job", TaskRegistryWatchdog))
}

func (j *WatchdogJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
