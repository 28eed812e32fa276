package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoint is a resumable position in a job's item loop: the index of the
// next item to process plus the counters accumulated so far.
type Checkpoint struct {
	Index    int            `json:"index"`
	Counters map[string]int `json:"counters,omitempty"`
	SavedAt  time.Time      `json:"saved_at"`
}

// Control carries the signalling side channel between the API and running
// workers: pause/cancel request flags and saved checkpoints. It is always
// Redis-backed; the task queue needs Redis regardless of which registry
// backend is configured.
type Control struct {
	client        *redis.Client
	flagTTL       time.Duration
	checkpointTTL time.Duration
}

// NewControl wraps client. Zero TTLs fall back to 2h for flags and 7d for
// checkpoints.
func NewControl(client *redis.Client, flagTTL, checkpointTTL time.Duration) *Control {
	if flagTTL <= 0 {
		flagTTL = 2 * time.Hour
	}
	if checkpointTTL <= 0 {
		checkpointTTL = 7 * 24 * time.Hour
	}
	return &Control{client: client, flagTTL: flagTTL, checkpointTTL: checkpointTTL}
}

func pauseKey(id string) string      { return "jobs:ctrl:pause:" + id }
func cancelKey(id string) string     { return "jobs:ctrl:cancel:" + id }
func checkpointKey(id string) string { return "jobs:ckpt:" + id }

// RequestPause asks the worker to pause the job at its next item boundary.
func (c *Control) RequestPause(ctx context.Context, id string) error {
	if err := c.client.Set(ctx, pauseKey(id), "1", c.flagTTL).Err(); err != nil {
		return fmt.Errorf("registry: set pause flag: %w", err)
	}
	return nil
}

// RequestCancel asks the worker to stop the job at its next item boundary.
func (c *Control) RequestCancel(ctx context.Context, id string) error {
	if err := c.client.Set(ctx, cancelKey(id), "1", c.flagTTL).Err(); err != nil {
		return fmt.Errorf("registry: set cancel flag: %w", err)
	}
	return nil
}

// PauseRequested reports whether a pause flag is set.
func (c *Control) PauseRequested(ctx context.Context, id string) (bool, error) {
	n, err := c.client.Exists(ctx, pauseKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("registry: read pause flag: %w", err)
	}
	return n > 0, nil
}

// CancelRequested reports whether a cancel flag is set.
func (c *Control) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := c.client.Exists(ctx, cancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("registry: read cancel flag: %w", err)
	}
	return n > 0, nil
}

// ClearFlags drops both request flags, typically after the worker has acted
// on them.
func (c *Control) ClearFlags(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, pauseKey(id), cancelKey(id)).Err(); err != nil {
		return fmt.Errorf("registry: clear flags: %w", err)
	}
	return nil
}

// SaveCheckpoint persists the loop position, stamping SavedAt.
func (c *Control) SaveCheckpoint(ctx context.Context, id string, cp Checkpoint) error {
	cp.SavedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("registry: encode checkpoint: %w", err)
	}
	if err := c.client.Set(ctx, checkpointKey(id), data, c.checkpointTTL).Err(); err != nil {
		return fmt.Errorf("registry: save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the saved position, with found=false when none
// exists.
func (c *Control) LoadCheckpoint(ctx context.Context, id string) (Checkpoint, bool, error) {
	data, err := c.client.Get(ctx, checkpointKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("registry: load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("registry: decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// ClearCheckpoint removes the saved position, after completion or cancel.
func (c *Control) ClearCheckpoint(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, checkpointKey(id)).Err(); err != nil {
		return fmt.Errorf("registry: clear checkpoint: %w", err)
	}
	return nil
}
