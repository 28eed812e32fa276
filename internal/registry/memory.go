package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps jobs in an in-process map and mirrors every change to
// a JSON snapshot on disk, so a restart does not lose job history. It is the
// single-process backend; the Redis registry is the multi-process one.
type MemoryRegistry struct {
	mu     sync.RWMutex
	jobs   map[string]Job
	path   string
	logger *slog.Logger
}

type memorySnapshot struct {
	SavedAt time.Time `json:"saved_at"`
	Jobs    []Job     `json:"jobs"`
}

// NewMemoryRegistry loads the snapshot at path if one exists. An empty path
// disables persistence. Jobs that were mid-flight when the previous process
// died come back as paused, so their checkpoints stay resumable.
func NewMemoryRegistry(path string, logger *slog.Logger) (*MemoryRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &MemoryRegistry{jobs: make(map[string]Job), path: path, logger: logger}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read snapshot: %w", err)
	}
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("registry: decode snapshot %s: %w", path, err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range snap.Jobs {
		if job.Status.Active() {
			job.Status = StatusPaused
			job.Message = "interrupted by restart"
			job.UpdatedAt = now
			recovered++
		}
		r.jobs[job.ID] = job
	}
	if recovered > 0 {
		logger.Info("recovered interrupted jobs as paused", "count", recovered)
	}
	return r, nil
}

func (r *MemoryRegistry) Create(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	r.jobs[job.ID] = cloneJob(job)
	r.persistLocked()
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (r *MemoryRegistry) Update(_ context.Context, id string, u Update) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job = cloneJob(job)
	if err := applyUpdate(&job, u, time.Now().UTC()); err != nil {
		return Job{}, err
	}
	r.jobs[id] = job
	r.persistLocked()
	return cloneJob(job), nil
}

func (r *MemoryRegistry) Transition(_ context.Context, id string, from, to Status) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != from {
		return Job{}, fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, id, job.Status, from)
	}
	job = cloneJob(job)
	if err := applyUpdate(&job, Update{Status: &to}, time.Now().UTC()); err != nil {
		return Job{}, err
	}
	r.jobs[id] = job
	r.persistLocked()
	return cloneJob(job), nil
}

func (r *MemoryRegistry) ListActive(_ context.Context) ([]Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Job
	for _, job := range r.jobs {
		if !job.Status.Terminal() {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRegistry) Prune(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, job := range r.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			pruned++
		}
	}
	if pruned > 0 {
		r.persistLocked()
	}
	return pruned, nil
}

// persistLocked writes the snapshot via temp file + rename. Persistence is a
// recovery aid, not the source of truth, so failures are logged rather than
// surfaced to callers.
func (r *MemoryRegistry) persistLocked() {
	if r.path == "" {
		return
	}
	snap := memorySnapshot{SavedAt: time.Now().UTC(), Jobs: make([]Job, 0, len(r.jobs))}
	for _, job := range r.jobs {
		snap.Jobs = append(snap.Jobs, job)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].CreatedAt.Before(snap.Jobs[j].CreatedAt) })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		r.logger.Warn("job snapshot encode failed", "error", err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".jobs-*.json")
	if err != nil {
		r.logger.Warn("job snapshot write failed", "error", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		r.logger.Warn("job snapshot write failed", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		r.logger.Warn("job snapshot write failed", "error", err)
		return
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		_ = os.Remove(tmp.Name())
		r.logger.Warn("job snapshot rename failed", "error", err)
	}
}

func cloneJob(job Job) Job {
	out := job
	if job.Metadata != nil {
		out.Metadata = make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			out.Metadata[k] = v
		}
	}
	if job.Result != nil {
		out.Result = make(map[string]any, len(job.Result))
		for k, v := range job.Result {
			out.Result[k] = v
		}
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
