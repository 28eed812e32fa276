package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veritas-grc/veritas/internal/platform/httpx"
)

// Resumer re-enqueues a paused job's task. The queue client implements it;
// the handler stays free of queue imports.
type Resumer interface {
	Resume(ctx context.Context, job Job) error
}

// Handler exposes job status and the pause/resume/cancel controls.
type Handler struct {
	registry Registry
	control  *Control
	resumer  Resumer
	logger   *slog.Logger
}

// NewHandler wires the job API.
func NewHandler(reg Registry, control *Control, resumer Resumer, logger *slog.Logger) *Handler {
	return &Handler{registry: reg, control: control, resumer: resumer, logger: logger}
}

// MountRoutes registers the job status and control routes relative to r,
// which is expected to be the jobs subrouter. The guard builds permission
// middleware for a resource and action; nil mounts the routes unguarded.
func (h *Handler) MountRoutes(r chi.Router, guard func(resource, action string) func(http.Handler) http.Handler) {
	if guard == nil {
		guard = func(string, string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	r.Group(func(r chi.Router) {
		r.Use(guard("jobs", "view"))
		r.Get("/", h.listActive)
		r.Get("/{jobID}", h.getJob)
	})
	r.Group(func(r chi.Router) {
		r.Use(guard("jobs", "manage"))
		r.Post("/{jobID}/pause", h.pauseJob)
		r.Post("/{jobID}/resume", h.resumeJob)
		r.Post("/{jobID}/cancel", h.cancelJob)
	})
}

type checkpointResponse struct {
	Index    int            `json:"index"`
	Counters map[string]int `json:"counters,omitempty"`
	SavedAt  time.Time      `json:"saved_at"`
}

type jobResponse struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	Status         Status              `json:"status"`
	Progress       int                 `json:"progress"`
	CurrentStep    string              `json:"current_step,omitempty"`
	TotalSteps     int                 `json:"total_steps,omitempty"`
	CompletedSteps int                 `json:"completed_steps,omitempty"`
	Message        string              `json:"message,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	Result         map[string]any      `json:"result,omitempty"`
	Error          string              `json:"error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Checkpoint     *checkpointResponse `json:"checkpoint,omitempty"`
}

func toJobResponse(job Job, cp *Checkpoint) jobResponse {
	out := jobResponse{
		ID:             job.ID,
		Type:           job.Type,
		Status:         job.Status,
		Progress:       job.Progress,
		CurrentStep:    job.CurrentStep,
		TotalSteps:     job.TotalSteps,
		CompletedSteps: job.CompletedSteps,
		Message:        job.Message,
		Metadata:       job.Metadata,
		Result:         job.Result,
		Error:          job.Error,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if cp != nil {
		out.Checkpoint = &checkpointResponse{Index: cp.Index, Counters: cp.Counters, SavedAt: cp.SavedAt}
	}
	return out
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("job request failed", "error", err)
		httpx.RespondError(w, err)
	}
}

func (h *Handler) listActive(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.registry.ListActive(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobResponse(job, nil))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	var cp *Checkpoint
	if saved, found, err := h.control.LoadCheckpoint(r.Context(), id); err == nil && found {
		cp = &saved
	}
	httpx.JSON(w, http.StatusOK, toJobResponse(job, cp))
}

// pauseJob flags the job and moves it to pausing. The worker notices the
// flag at its next item boundary, checkpoints and parks the job as paused.
func (h *Handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if job.Status != StatusRunning {
		httpx.Problem(w, http.StatusConflict, "Conflict",
			"only running jobs can be paused, job is "+string(job.Status))
		return
	}
	if err := h.control.RequestPause(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	job, err = h.registry.Transition(r.Context(), id, StatusRunning, StatusPausing)
	if err != nil {
		// The job left running between the check and the transition.
		_ = h.control.ClearFlags(r.Context(), id)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, toJobResponse(job, nil))
}

// resumeJob claims the paused job and re-enqueues its task. The conditional
// paused->resuming transition is the dedup gate: of two concurrent resumes,
// exactly one wins and the other gets a conflict.
func (h *Handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if job.Status != StatusPaused {
		httpx.Problem(w, http.StatusConflict, "Conflict",
			"only paused jobs can be resumed, job is "+string(job.Status))
		return
	}
	// A job with finished items needs its checkpoint back; resuming without
	// it would replay work that already happened.
	if job.CompletedSteps > 0 {
		_, found, err := h.control.LoadCheckpoint(r.Context(), id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		if !found {
			httpx.Problem(w, http.StatusConflict, "Conflict",
				"job "+id+" has no checkpoint to resume from")
			return
		}
	}
	job, err = h.registry.Transition(r.Context(), id, StatusPaused, StatusResuming)
	if err != nil {
		h.respondError(w, err)
		return
	}
	// A stale pause flag would park the job again on its first item.
	if err := h.control.ClearFlags(r.Context(), id); err != nil {
		h.logger.Warn("clearing control flags failed", "job_id", id, "error", err)
	}
	if err := h.resumer.Resume(r.Context(), job); err != nil {
		h.logger.Error("job resume enqueue failed", "job_id", id, "error", err)
		if _, rbErr := h.registry.Transition(r.Context(), id, StatusResuming, StatusPaused); rbErr != nil {
			h.logger.Error("job resume rollback failed", "job_id", id, "error", rbErr)
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, toJobResponse(job, nil))
}

// cancelJob finalizes parked jobs directly and flags live ones for the
// worker to wind down at the next item boundary.
func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if job.Status.Terminal() {
		httpx.Problem(w, http.StatusConflict, "Conflict",
			"job is already "+string(job.Status))
		return
	}

	if err := h.control.RequestCancel(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}

	switch job.Status {
	case StatusPending, StatusPaused:
		// No worker holds these; finalize here. The queue handler skips
		// tasks whose job is already terminal.
		job, err = h.registry.Transition(r.Context(), id, job.Status, StatusCancelled)
		if err != nil {
			h.respondError(w, err)
			return
		}
		if err := h.control.ClearCheckpoint(r.Context(), id); err != nil {
			h.logger.Warn("clearing checkpoint failed", "job_id", id, "error", err)
		}
		if err := h.control.ClearFlags(r.Context(), id); err != nil {
			h.logger.Warn("clearing control flags failed", "job_id", id, "error", err)
		}
	}
	httpx.JSON(w, http.StatusAccepted, toJobResponse(job, nil))
}
