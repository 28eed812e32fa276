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

// AttributeGenerator produces test attributes for one section of text.
type AttributeGenerator interface {
	GenerateAttributes(ctx context.Context, req llm.AttributeRequest) ([]llm.Attribute, error)
}

// AttributeGenerationJob turns regulatory sections into test attributes,
// one checkpointed section at a time.
type AttributeGenerationJob struct {
	Registry  registry.Registry
	Control   *registry.Control
	Generator AttributeGenerator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewAttributeGenerationJob initialises the handler.
func NewAttributeGenerationJob(reg registry.Registry, control *registry.Control, generator AttributeGenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *AttributeGenerationJob {
	return &AttributeGenerationJob{Registry: reg, Control: control, Generator: generator, Logger: logger, Metrics: metrics}
}

// Handle executes one attribute-generation run.
func (j *AttributeGenerationJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Generator == nil {
		return errors.New("attribute generation: handler not configured")
	}
	var payload AttributeGenerationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.JobID == "" || len(payload.Sections) == 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAttributeGeneration)
	logger := j.logger().With(slog.String("job_id", payload.JobID), slog.Int64("report_id", payload.ReportID))
	logger.Info("starting attribute generation", slog.Int("sections", len(payload.Sections)))

	run := runner.New(j.Registry, j.Control, j.logger())
	counters, outcome, runErr := run.Run(ctx, payload.JobID, len(payload.Sections), func(ctx context.Context, i int, c runner.Counters) error {
		attrs, err := j.Generator.GenerateAttributes(ctx, llm.AttributeRequest{
			ReportID:   payload.ReportID,
			Regulation: payload.Regulation,
			Section:    payload.Sections[i],
		})
		if err != nil {
			if errors.Is(err, llm.ErrUnauthorized) {
				return runner.Fatal(err)
			}
			return fmt.Errorf("section %d: %w", i, err)
		}
		c.Add("generated", len(attrs))
		return nil
	})
	if runErr != nil {
		if outcome == runner.OutcomeFailed {
			logger.Error("attribute generation failed", slog.Any("error", runErr))
			return tracker.End(errors.Join(runErr, asynq.SkipRetry))
		}
		return tracker.End(runErr)
	}
	if outcome != runner.OutcomeCompleted {
		logger.Info("attribute generation stopped early", slog.String("outcome", outcome.String()))
		return tracker.End(nil)
	}

	result := map[string]any{
		"total_generated": counters.Get("generated"),
		"total_failed":    counters.Get(runner.FailedKey),
	}
	if err := run.Complete(ctx, payload.JobID, result); err != nil {
		return tracker.End(err)
	}
	logger.Info("completed attribute generation",
		slog.Int("generated", counters.Get("generated")),
		slog.Int("failed_sections", counters.Get(runner.FailedKey)),
	)
	return tracker.End(nil)
}

func (j *AttributeGenerationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAttributeGeneration))
	}
	return slog.Default().With(slog.String("job", TaskAttributeGeneration))
}

func (j *AttributeGenerationJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
