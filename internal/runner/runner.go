// Package runner drives the item loops of checkpointed background jobs. It
// owns the boundary protocol: between items it honors cancel and pause
// requests, refreshes progress, and persists checkpoints so a resumed or
// retried task continues where the last attempt stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veritas-grc/veritas/internal/registry"
)

// FailedKey is the counter the runner increments for item errors that are
// not fatal. Tasks read it back when composing their result.
const FailedKey = "failed"

// defaultCheckpointEvery bounds how much work a crash can lose.
const defaultCheckpointEvery = 10

// Counters accumulates named tallies across a job's items. They ride along
// in the checkpoint, so totals survive pauses and retries.
type Counters map[string]int

// Add bumps a counter by delta.
func (c Counters) Add(key string, delta int) { c[key] += delta }

// Get reads a counter, zero when absent.
func (c Counters) Get(key string) int { return c[key] }

// FatalError aborts the whole job instead of being tallied as a failed item.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as job-fatal.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// Outcome says how a run ended.
type Outcome int

const (
	// OutcomeCompleted means every item ran; the caller finalizes via
	// Complete with its composed result.
	OutcomeCompleted Outcome = iota
	// OutcomePaused means the job parked itself with a checkpoint.
	OutcomePaused
	// OutcomeCancelled means the job finalized as cancelled.
	OutcomeCancelled
	// OutcomeFailed means a fatal item error marked the job failed.
	OutcomeFailed
	// OutcomeSkipped means the job was already terminal or parked and
	// nothing ran.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ItemFunc processes one item. Returning a plain error tallies the item
// under FailedKey and the loop continues; wrapping it with Fatal aborts the
// job. The func updates its own success counters.
type ItemFunc func(ctx context.Context, index int, c Counters) error

// Runner executes item loops against a registry and control channel.
type Runner struct {
	registry        registry.Registry
	control         *registry.Control
	logger          *slog.Logger
	checkpointEvery int
}

// New builds a Runner. Checkpoints are written every few items in addition
// to pause boundaries, bounding lost work on a crash.
func New(reg registry.Registry, control *registry.Control, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:        reg,
		control:         control,
		logger:          logger,
		checkpointEvery: defaultCheckpointEvery,
	}
}

// Run executes fn for items [checkpoint..total). It returns the accumulated
// counters, how the run ended, and the fatal or infrastructure error if any.
// Infrastructure errors leave the job running so the queue's retry resumes
// it from the last checkpoint.
func (r *Runner) Run(ctx context.Context, jobID string, total int, fn ItemFunc) (Counters, Outcome, error) {
	job, err := r.registry.Get(ctx, jobID)
	if err != nil {
		return nil, OutcomeSkipped, err
	}
	switch {
	case job.Status.Terminal():
		r.logger.Info("skipping terminal job", "job_id", jobID, "status", job.Status)
		return nil, OutcomeSkipped, nil
	case job.Status == registry.StatusPaused:
		// A paused job only runs again through the resume endpoint.
		r.logger.Info("skipping paused job", "job_id", jobID)
		return nil, OutcomeSkipped, nil
	}

	counters := Counters{}
	start := 0
	if cp, found, err := r.control.LoadCheckpoint(ctx, jobID); err != nil {
		return nil, OutcomeSkipped, err
	} else if found {
		start = cp.Index
		for k, v := range cp.Counters {
			counters[k] = v
		}
	}

	if job.Status == registry.StatusPending || job.Status == registry.StatusResuming {
		msg := fmt.Sprintf("processing %d items", total)
		if start > 0 {
			msg = fmt.Sprintf("resuming at item %d of %d", start, total)
		}
		running := registry.StatusRunning
		if _, err := r.registry.Update(ctx, jobID, registry.Update{Status: &running, Message: &msg}); err != nil {
			return nil, OutcomeSkipped, err
		}
	}

	for i := start; i < total; i++ {
		// Worker shutdown: checkpoint and let the requeued task carry on.
		if err := ctx.Err(); err != nil {
			if saveErr := r.saveCheckpoint(ctx, jobID, i, counters); saveErr != nil {
				r.logger.Warn("checkpoint save on shutdown failed", "job_id", jobID, "error", saveErr)
			}
			return counters, OutcomeSkipped, err
		}

		cancelled, err := r.control.CancelRequested(ctx, jobID)
		if err != nil {
			return counters, OutcomeSkipped, err
		}
		if cancelled {
			return counters, OutcomeCancelled, r.finalizeCancel(ctx, jobID)
		}

		paused, err := r.control.PauseRequested(ctx, jobID)
		if err != nil {
			return counters, OutcomeSkipped, err
		}
		if paused {
			return counters, OutcomePaused, r.park(ctx, jobID, i, counters)
		}

		if err := fn(ctx, i, counters); err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				if failErr := r.fail(ctx, jobID, i, counters, fatal); failErr != nil {
					// Job not marked failed yet: report transient so a
					// retry replays the item and tries again.
					return counters, OutcomeSkipped, failErr
				}
				return counters, OutcomeFailed, err
			}
			counters.Add(FailedKey, 1)
			r.logger.Warn("job item failed", "job_id", jobID, "item", i, "error", err)
		}

		if (i+1)%r.checkpointEvery == 0 {
			if err := r.saveCheckpoint(ctx, jobID, i+1, counters); err != nil {
				return counters, OutcomeSkipped, err
			}
		}
		// Every item refreshes updated_at, which doubles as the lease the
		// stale-job watchdog checks.
		done := i + 1
		msg := fmt.Sprintf("processed %d of %d items", done, total)
		if _, err := r.registry.Update(ctx, jobID, registry.Update{TotalSteps: &total, CompletedSteps: &done, Message: &msg}); err != nil {
			return counters, OutcomeSkipped, err
		}
	}
	return counters, OutcomeCompleted, nil
}

// Complete finalizes a successful run. The checkpoint is cleared only after
// the terminal write lands, so a crash in between replays into a no-op loop
// rather than a restart from zero.
func (r *Runner) Complete(ctx context.Context, jobID string, result map[string]any) error {
	completed := registry.StatusCompleted
	if _, err := r.registry.Update(ctx, jobID, registry.Update{Status: &completed, Result: result}); err != nil {
		return err
	}
	r.cleanup(ctx, jobID, true)
	return nil
}

// park checkpoints the loop position and moves the job to paused.
func (r *Runner) park(ctx context.Context, jobID string, index int, counters Counters) error {
	if err := r.saveCheckpoint(ctx, jobID, index, counters); err != nil {
		return err
	}
	paused := registry.StatusPaused
	msg := fmt.Sprintf("paused at item %d", index)
	if _, err := r.registry.Update(ctx, jobID, registry.Update{Status: &paused, Message: &msg}); err != nil {
		return err
	}
	if err := r.control.ClearFlags(ctx, jobID); err != nil {
		r.logger.Warn("clearing control flags failed", "job_id", jobID, "error", err)
	}
	r.logger.Info("job paused", "job_id", jobID, "item", index)
	return nil
}

func (r *Runner) finalizeCancel(ctx context.Context, jobID string) error {
	cancelled := registry.StatusCancelled
	msg := "cancelled by request"
	if _, err := r.registry.Update(ctx, jobID, registry.Update{Status: &cancelled, Message: &msg}); err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			// The cancel endpoint already finalized it.
			r.cleanup(ctx, jobID, true)
			return nil
		}
		return err
	}
	r.cleanup(ctx, jobID, true)
	r.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

// fail keeps the checkpoint for diagnosis; only completion and cancel
// discard it.
func (r *Runner) fail(ctx context.Context, jobID string, index int, counters Counters, fatal *FatalError) error {
	if err := r.saveCheckpoint(ctx, jobID, index, counters); err != nil {
		r.logger.Warn("checkpoint save on failure failed", "job_id", jobID, "error", err)
	}
	failed := registry.StatusFailed
	errMsg := fatal.Error()
	if _, err := r.registry.Update(ctx, jobID, registry.Update{Status: &failed, Error: &errMsg}); err != nil {
		return err
	}
	r.cleanup(ctx, jobID, false)
	r.logger.Error("job failed", "job_id", jobID, "item", index, "error", fatal.Err)
	return nil
}

func (r *Runner) saveCheckpoint(ctx context.Context, jobID string, index int, counters Counters) error {
	return r.control.SaveCheckpoint(ctx, jobID, registry.Checkpoint{Index: index, Counters: counters})
}

func (r *Runner) cleanup(ctx context.Context, jobID string, dropCheckpoint bool) {
	if dropCheckpoint {
		if err := r.control.ClearCheckpoint(ctx, jobID); err != nil {
			r.logger.Warn("clearing checkpoint failed", "job_id", jobID, "error", err)
		}
	}
	if err := r.control.ClearFlags(ctx, jobID); err != nil {
		r.logger.Warn("clearing control flags failed", "job_id", jobID, "error", err)
	}
}
