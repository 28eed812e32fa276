// Package registry tracks the lifecycle of background jobs: status, progress,
// checkpoints and the pause/resume/cancel control flow around them. Two
// backends implement the same contract, an in-process map with optional file
// persistence and a Redis store shared across processes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates an unknown job id.
	ErrNotFound = errors.New("registry: job not found")
	// ErrExists indicates a duplicate job id on create.
	ErrExists = errors.New("registry: job already exists")
	// ErrInvalidTransition is returned for status changes the lifecycle
	// does not allow, including any write to a terminal job.
	ErrInvalidTransition = errors.New("registry: invalid status transition")
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPausing   Status = "pausing"
	StatusPaused    Status = "paused"
	StatusResuming  Status = "resuming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a worker is expected to be touching the job.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusPausing || s == StatusResuming
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:  {StatusPausing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPausing:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:   {StatusResuming, StatusCancelled},
	StatusResuming: {StatusRunning, StatusPaused, StatusFailed, StatusCancelled},
}

func (s Status) canTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one tracked background job.
type Job struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Status         Status            `json:"status"`
	Progress       int               `json:"progress"`
	CurrentStep    string            `json:"current_step,omitempty"`
	TotalSteps     int               `json:"total_steps,omitempty"`
	CompletedSteps int               `json:"completed_steps,omitempty"`
	Message        string            `json:"message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Result         map[string]any    `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Update is a partial job mutation. Nil fields are left untouched; Metadata
// entries are merged into the existing map. When steps change without an
// explicit Progress, progress is derived from completed/total.
type Update struct {
	Status         *Status
	Progress       *int
	CurrentStep    *string
	TotalSteps     *int
	CompletedSteps *int
	Message        *string
	Result         map[string]any
	Error          *string
	Metadata       map[string]string
}

// Registry is the storage contract shared by both backends.
type Registry interface {
	// Create stores a new job. The id must be unused.
	Create(ctx context.Context, job Job) error
	// Get returns a job by id.
	Get(ctx context.Context, id string) (Job, error)
	// Update applies a partial mutation and returns the new state.
	Update(ctx context.Context, id string, u Update) (Job, error)
	// Transition moves a job from one exact status to another atomically.
	// A job in any other state fails with ErrInvalidTransition, which is
	// what makes concurrent resumes safe.
	Transition(ctx context.Context, id string, from, to Status) (Job, error)
	// ListActive returns jobs that are not yet terminal.
	ListActive(ctx context.Context) ([]Job, error)
	// Prune removes terminal jobs whose completion is older than cutoff
	// and reports how many were dropped.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// NewJob builds a pending job with the clock fields initialized.
func NewJob(id, jobType string, metadata map[string]string) Job {
	now := time.Now().UTC()
	return Job{
		ID:        id,
		Type:      jobType,
		Status:    StatusPending,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// applyUpdate mutates job in place, enforcing the lifecycle rules both
// backends share: terminal jobs reject every write, status changes must be
// legal, started_at is set exactly once, and terminal transitions stamp
// completed_at and pin progress (100 on success, 0 on failure).
func applyUpdate(job *Job, u Update, now time.Time) error {
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, job.ID, job.Status)
	}
	if u.Status != nil && *u.Status != job.Status && !job.Status.canTransition(*u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *u.Status)
	}

	if u.TotalSteps != nil {
		job.TotalSteps = *u.TotalSteps
	}
	if u.CompletedSteps != nil {
		job.CompletedSteps = *u.CompletedSteps
	}
	if u.CurrentStep != nil {
		job.CurrentStep = *u.CurrentStep
	}
	switch {
	case u.Progress != nil:
		job.Progress = clampProgress(*u.Progress)
	case (u.TotalSteps != nil || u.CompletedSteps != nil) && job.TotalSteps > 0:
		job.Progress = clampProgress(job.CompletedSteps * 100 / job.TotalSteps)
	}
	if u.Message != nil {
		job.Message = *u.Message
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.Result != nil {
		job.Result = u.Result
	}
	if len(u.Metadata) > 0 {
		if job.Metadata == nil {
			job.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			job.Metadata[k] = v
		}
	}

	if u.Status != nil && *u.Status != job.Status {
		job.Status = *u.Status
		switch {
		case *u.Status == StatusRunning && job.StartedAt == nil:
			t := now
			job.StartedAt = &t
		case (*u.Status).Terminal():
			t := now
			job.CompletedAt = &t
			// Result and error are mutually exclusive on terminal records.
			switch *u.Status {
			case StatusCompleted:
				job.Progress = 100
				job.Error = ""
			case StatusFailed:
				job.Progress = 0
				job.Result = nil
			}
		}
	}
	job.UpdatedAt = now
	return nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
