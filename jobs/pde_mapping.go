package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/veritas-grc/veritas/internal/jobs"
	"github.com/veritas-grc/veritas/internal/llm"
	"github.com/veritas-grc/veritas/internal/registry"
	"github.com/veritas-grc/veritas/internal/runner"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Suggestions below this confidence are counted but not accepted.
const mappingConfidenceFloor = 0.5

// MappingSuggester proposes the source column for one data element.
type MappingSuggester interface {
	SuggestMapping(ctx context.Context, req llm.MappingRequest) (llm.MappingSuggestion, error)
}

// PDEMappingJob maps physical data elements to report attributes, one
// checkpointed element at a time. Elements the gateway cannot score are
// counted as failures without stopping the run.
type PDEMappingJob struct {
	Registry  registry.Registry
	Control   *registry.Control
	Suggester MappingSuggester
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewPDEMappingJob initialises the handler.
func NewPDEMappingJob(reg registry.Registry, control *registry.Control, suggester MappingSuggester, logger *slog.Logger, metrics *jobmetrics.Metrics) *PDEMappingJob {
	return &PDEMappingJob{Registry: reg, Control: control, Suggester: suggester, Logger: logger, Metrics: metrics}
}

// Handle executes one mapping run.
func (j *PDEMappingJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Suggester == nil {
		return errors.New("pde mapping: handler not configured")
	}
	var payload PDEMappingPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.JobID == "" || len(payload.Elements) == 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskPDEMapping)
	logger := j.logger().With(slog.String("job_id", payload.JobID), slog.Int64("report_id", payload.ReportID))
	logger.Info("starting pde mapping", slog.Int("elements", len(payload.Elements)))

	run := runner.New(j.Registry, j.Control, j.logger())
	counters, outcome, runErr := run.Run(ctx, payload.JobID, len(payload.Elements), func(ctx context.Context, i int, c runner.Counters) error {
		el := payload.Elements[i]
		sug, err := j.Suggester.SuggestMapping(ctx, llm.MappingRequest{
			ElementName: el.Name,
			Description: el.Description,
			Candidates:  el.Candidates,
		})
		if err != nil {
			if errors.Is(err, llm.ErrUnauthorized) {
				return runner.Fatal(err)
			}
			return fmt.Errorf("element %s: %w", el.Name, err)
		}
		if sug.Column == "" || sug.Confidence < mappingConfidenceFloor {
			c.Add("unmatched", 1)
			return nil
		}
		c.Add("mapped", 1)
		return nil
	})
	if runErr != nil {
		if outcome == runner.OutcomeFailed {
			logger.Error("pde mapping failed", slog.Any("error", runErr))
			return tracker.End(errors.Join(runErr, asynq.SkipRetry))
		}
		return tracker.End(runErr)
	}
	if outcome != runner.OutcomeCompleted {
		logger.Info("pde mapping stopped early", slog.String("outcome", outcome.String()))
		return tracker.End(nil)
	}

	result := map[string]any{
		"total_mapped":    counters.Get("mapped"),
		"total_unmatched": counters.Get("unmatched"),
		"total_failed":    counters.Get(runner.FailedKey),
	}
	if err := run.Complete(ctx, payload.JobID, result); err != nil {
		return tracker.End(err)
	}
	logger.Info("completed pde mapping",
		slog.Int("mapped", counters.Get("mapped")),
		slog.Int("unmatched", counters.Get("unmatched")),
		slog.Int("failed", counters.Get(runner.FailedKey)),
	)
	return tracker.End(nil)
}

func (j *PDEMappingJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPDEMapping))
	}
	return slog.Default().With(slog.String("job", TaskPDEMapping))
}

func (j *PDEMappingJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
