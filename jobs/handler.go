package jobs

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/veritas-grc/veritas/internal/platform/httpx"
	"github.com/veritas-grc/veritas/internal/registry"
)

// Handler exposes HTTP endpoints for launching runs and inspecting the queue.
type Handler struct {
	client    *Client
	inspector *asynq.Inspector
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewHandler constructs the jobs HTTP handler.
func NewHandler(client *Client, inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: client, inspector: inspector, validate: validator.New(), logger: logger}
}

// MountRoutes attaches the run-launch and health routes. Each launch is
// guarded by the execute permission of the phase it belongs to; nil mounts
// everything unguarded.
func (h *Handler) MountRoutes(r chi.Router, guard func(resource, action string) func(http.Handler) http.Handler) {
	if guard == nil {
		guard = func(string, string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	r.With(guard("planning", "execute")).Post("/attribute-generation", h.startAttributeGeneration)
	r.With(guard("scoping", "execute")).Post("/pde-mapping", h.startPDEMapping)
	r.With(guard("profiling", "execute")).Post("/profiling-runs", h.startProfilingRun)
	r.With(guard("jobs", "view")).Get("/queue/health", h.queueHealth)
}

type startAttributeGenerationRequest struct {
	ReportID   int64    `json:"report_id" validate:"required"`
	Regulation string   `json:"regulation" validate:"required"`
	Sections   []string `json:"sections" validate:"required,min=1,dive,required"`
}

type startElementRequest struct {
	ID          int64    `json:"id" validate:"required"`
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Candidates  []string `json:"candidates"`
}

type startPDEMappingRequest struct {
	ReportID int64                 `json:"report_id" validate:"required"`
	Elements []startElementRequest `json:"elements" validate:"required,min=1,dive"`
}

type startRuleRequest struct {
	ID    int64  `json:"id" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Query string `json:"query" validate:"required"`
}

type startProfilingRunRequest struct {
	PlanID int64              `json:"plan_id" validate:"required"`
	Rules  []startRuleRequest `json:"rules" validate:"required,min=1,dive"`
}

type startedJobResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Status    registry.Status `json:"status"`
	Progress  int             `json:"progress"`
	CreatedAt time.Time       `json:"created_at"`
}

type queueHealthResponse struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

func toStartedJob(job registry.Job) startedJobResponse {
	return startedJobResponse{
		ID:        job.ID,
		Type:      job.Type,
		Status:    job.Status,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
	}
}

func (h *Handler) startAttributeGeneration(w http.ResponseWriter, r *http.Request) {
	var req startAttributeGenerationRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	job, err := h.client.StartAttributeGeneration(r.Context(), AttributeGenerationPayload{
		ReportID:   req.ReportID,
		Regulation: req.Regulation,
		Sections:   req.Sections,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, toStartedJob(job))
}

func (h *Handler) startPDEMapping(w http.ResponseWriter, r *http.Request) {
	var req startPDEMappingRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	elements := make([]DataElement, 0, len(req.Elements))
	for _, el := range req.Elements {
		elements = append(elements, DataElement{
			ID:          el.ID,
			Name:        el.Name,
			Description: el.Description,
			Candidates:  el.Candidates,
		})
	}
	job, err := h.client.StartPDEMapping(r.Context(), PDEMappingPayload{
		ReportID: req.ReportID,
		Elements: elements,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, toStartedJob(job))
}

func (h *Handler) startProfilingRun(w http.ResponseWriter, r *http.Request) {
	var req startProfilingRunRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	rules := make([]ProfilingRule, 0, len(req.Rules))
	for _, rule := range req.Rules {
		rules = append(rules, ProfilingRule{ID: rule.ID, Name: rule.Name, Query: rule.Query})
	}
	job, err := h.client.StartProfilingRun(r.Context(), ProfilingRunPayload{
		PlanID: req.PlanID,
		Rules:  rules,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, toStartedJob(job))
}

func (h *Handler) queueHealth(w http.ResponseWriter, _ *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, queueHealthResponse{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("queue health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "queue inspection failed")
		return
	}
	resp := queueHealthResponse{Queue: QueueDefault}
	if info != nil {
		resp.Queue = info.Queue
		resp.Pending = info.Pending
		resp.Active = info.Active
		resp.Scheduled = info.Scheduled
		resp.Retry = info.Retry
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrExists):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("job launch failed", "error", err)
		httpx.RespondError(w, err)
	}
}
