package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/veritas-grc/veritas/internal/jobs"
	"github.com/veritas-grc/veritas/internal/registry"
	"github.com/veritas-grc/veritas/internal/runner"
)

// RuleOutcome is the count pair a profiling rule query returns.
type RuleOutcome struct {
	Evaluated  int64 `json:"evaluated"`
	Violations int64 `json:"violations"`
}

// RuleExecutor runs one materialized profiling rule.
type RuleExecutor interface {
	ExecuteRule(ctx context.Context, rule ProfilingRule) (RuleOutcome, error)
}

// PgRuleExecutor executes rule queries against the report data store. Each
// query must yield one row of (evaluated, violations).
type PgRuleExecutor struct {
	Pool *pgxpool.Pool
}

// ExecuteRule runs the rule's query.
func (e *PgRuleExecutor) ExecuteRule(ctx context.Context, rule ProfilingRule) (RuleOutcome, error) {
	if e == nil || e.Pool == nil {
		return RuleOutcome{}, errors.New("profiling: executor not configured")
	}
	var out RuleOutcome
	if err := e.Pool.QueryRow(ctx, rule.Query).Scan(&out.Evaluated, &out.Violations); err != nil {
		return RuleOutcome{}, fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	return out, nil
}

// ProfilingRunJob executes a plan's profiling rules, one checkpointed rule
// at a time. A rule that errors is counted as failed; the rest still run.
type ProfilingRunJob struct {
	Registry registry.Registry
	Control  *registry.Control
	Executor RuleExecutor
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewProfilingRunJob initialises the handler.
func NewProfilingRunJob(reg registry.Registry, control *registry.Control, executor RuleExecutor, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProfilingRunJob {
	return &ProfilingRunJob{Registry: reg, Control: control, Executor: executor, Logger: logger, Metrics: metrics}
}

// Handle executes one profiling run.
func (j *ProfilingRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Executor == nil {
		return errors.New("profiling: handler not configured")
	}
	var payload ProfilingRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.JobID == "" || len(payload.Rules) == 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskProfilingRun)
	logger := j.logger().With(slog.String("job_id", payload.JobID), slog.Int64("plan_id", payload.PlanID))
	logger.Info("starting profiling run", slog.Int("rules", len(payload.Rules)))

	run := runner.New(j.Registry, j.Control, j.logger())
	counters, outcome, runErr := run.Run(ctx, payload.JobID, len(payload.Rules), func(ctx context.Context, i int, c runner.Counters) error {
		rule := payload.Rules[i]
		out, err := j.Executor.ExecuteRule(ctx, rule)
		if err != nil {
			return err
		}
		c.Add("executed", 1)
		c.Add("evaluated", int(out.Evaluated))
		if out.Violations > 0 {
			c.Add("rules_flagged", 1)
			c.Add("violations", int(out.Violations))
			j.metrics().AddViolations(rule.Name, out.Violations)
			logger.Warn("profiling rule flagged rows",
				slog.String("rule", rule.Name),
				slog.Int64("violations", out.Violations),
			)
		}
		return nil
	})
	if runErr != nil {
		if outcome == runner.OutcomeFailed {
			logger.Error("profiling run failed", slog.Any("error", runErr))
			return tracker.End(errors.Join(runErr, asynq.SkipRetry))
		}
		return tracker.End(runErr)
	}
	if outcome != runner.OutcomeCompleted {
		logger.Info("profiling run stopped early", slog.String("outcome", outcome.String()))
		return tracker.End(nil)
	}

	result := map[string]any{
		"total_executed":   counters.Get("executed"),
		"rows_evaluated":   counters.Get("evaluated"),
		"rules_flagged":    counters.Get("rules_flagged"),
		"total_violations": counters.Get("violations"),
		"total_failed":     counters.Get(runner.FailedKey),
	}
	if err := run.Complete(ctx, payload.JobID, result); err != nil {
		return tracker.End(err)
	}
	logger.Info("completed profiling run",
		slog.Int("executed", counters.Get("executed")),
		slog.Int("flagged", counters.Get("rules_flagged")),
		slog.Int("failed", counters.Get(runner.FailedKey)),
	)
	return tracker.End(nil)
}

func (j *ProfilingRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskProfilingRun))
	}
	return slog.Default().With(slog.String("job", TaskProfilingRun))
}

func (j *ProfilingRunJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
