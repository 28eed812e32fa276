package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ReapStale fails every active job whose record has not been touched within
// the lease window. Running tasks refresh updated_at as they report
// progress, so an active record that stops moving belongs to a worker that
// died without finalizing. Pending and paused jobs are never reaped; the
// queue and the resume endpoint own those.
func ReapStale(ctx context.Context, reg Registry, lease time.Duration, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	jobs, err := reg.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-lease)
	reaped := 0
	for _, job := range jobs {
		if !job.Status.Active() || job.UpdatedAt.After(cutoff) {
			continue
		}
		failed := StatusFailed
		msg := fmt.Sprintf("stale lease: no progress since %s", job.UpdatedAt.UTC().Format(time.RFC3339))
		if _, err := reg.Update(ctx, job.ID, Update{Status: &failed, Error: &msg}); err != nil {
			// The job finished or vanished between the listing and the write.
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			logger.Warn("reaping stale job failed", "job_id", job.ID, "error", err)
			continue
		}
		logger.Warn("reaped stale job", "job_id", job.ID, "type", job.Type, "last_update", job.UpdatedAt)
		reaped++
	}
	return reaped, nil
}
