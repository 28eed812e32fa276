package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "jobs:rec:"
	activeSetKey = "jobs:active"

	// mutateRetries bounds optimistic-lock retries on contended updates.
	mutateRetries = 5
)

func jobKey(id string) string { return jobKeyPrefix + id }

// RedisRegistry stores jobs as JSON values with a retention TTL plus a set
// of non-terminal job ids. API and worker processes share it.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry wraps client. ttl bounds how long finished jobs stay
// readable; every write refreshes it.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) Create(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("registry: encode job: %w", err)
	}
	ok, err := r.client.SetNX(ctx, jobKey(job.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("registry: create job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	if err := r.client.SAdd(ctx, activeSetKey, job.ID).Err(); err != nil {
		return fmt.Errorf("registry: index job: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (Job, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("registry: get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("registry: decode job %s: %w", id, err)
	}
	return job, nil
}

// mutate loads, transforms and rewrites one job under WATCH so concurrent
// writers cannot interleave. fn sees the current state and mutates it.
func (r *RedisRegistry) mutate(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	key := jobKey(id)
	var out Job
	for i := 0; i < mutateRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			if err != nil {
				return fmt.Errorf("registry: get job: %w", err)
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("registry: decode job %s: %w", id, err)
			}
			if err := fn(&job); err != nil {
				return err
			}
			buf, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("registry: encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, buf, r.ttl)
				if job.Status.Terminal() {
					pipe.SRem(ctx, activeSetKey, job.ID)
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = job
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Job{}, fmt.Errorf("registry: job %s contended beyond %d retries", id, mutateRetries)
}

func (r *RedisRegistry) Update(ctx context.Context, id string, u Update) (Job, error) {
	return r.mutate(ctx, id, func(job *Job) error {
		return applyUpdate(job, u, time.Now().UTC())
	})
}

func (r *RedisRegistry) Transition(ctx context.Context, id string, from, to Status) (Job, error) {
	return r.mutate(ctx, id, func(job *Job) error {
		if job.Status != from {
			return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, id, job.Status, from)
		}
		return applyUpdate(job, Update{Status: &to}, time.Now().UTC())
	})
}

// ListActive resolves the active id set. Ids whose record has expired are
// dropped from the set on the way through, so the index heals itself.
func (r *RedisRegistry) ListActive(ctx context.Context) ([]Job, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: load active jobs: %w", err)
	}

	var out []Job
	var orphans []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("registry: decode job %s: %w", ids[i], err)
		}
		if job.Status.Terminal() {
			orphans = append(orphans, ids[i])
			continue
		}
		out = append(out, job)
	}
	if len(orphans) > 0 {
		_ = r.client.SRem(ctx, activeSetKey, orphans...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Prune scans job records and deletes terminal ones older than cutoff. The
// TTL already bounds retention; this exists for shortening it on demand.
func (r *RedisRegistry) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	iter := r.client.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	pruned := 0
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return pruned, fmt.Errorf("registry: prune read: %w", err)
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return pruned, fmt.Errorf("registry: prune delete: %w", err)
			}
			pruned++
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("registry: prune scan: %w", err)
	}
	return pruned, nil
}
