// Package e2e holds cross-component scenario tests: a job driven through
// pause and resume against real registry and control backends, and checks
// that the shipped alert rules line up with the metrics the code exports.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/veritas-grc/veritas/internal/jobs"
	"github.com/veritas-grc/veritas/internal/registry"
	"github.com/veritas-grc/veritas/jobs"
)

// pausingExecutor records every rule it runs and raises a pause request
// through the control channel after a fixed number of rules, the way an
// operator hitting the pause endpoint mid-run would.
type pausingExecutor struct {
	control    *registry.Control
	jobID      string
	pauseAfter int

	executed []int64
}

func (e *pausingExecutor) ExecuteRule(ctx context.Context, rule jobs.ProfilingRule) (jobs.RuleOutcome, error) {
	e.executed = append(e.executed, rule.ID)
	if len(e.executed) == e.pauseAfter {
		if err := e.control.RequestPause(ctx, e.jobID); err != nil {
			return jobs.RuleOutcome{}, err
		}
	}
	out := jobs.RuleOutcome{Evaluated: 100}
	if rule.ID%2 == 0 {
		out.Violations = 4
	}
	return out, nil
}

func TestProfilingRunPauseResumeLifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := registry.NewMemoryRegistry("", logger)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	control := registry.NewControl(client, 0, 0)

	promReg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(promReg)

	rules := make([]jobs.ProfilingRule, 0, 8)
	for i := 1; i <= 8; i++ {
		rules = append(rules, jobs.ProfilingRule{
			ID:    int64(i),
			Name:  "rule-" + strconv.Itoa(i),
			Query: "select count(*), count(*) filter (where amount is null) from positions",
		})
	}
	payload := jobs.ProfilingRunPayload{JobID: "profiling-e2e", PlanID: 42, Rules: rules}

	record := registry.NewJob(payload.JobID, jobs.TaskProfilingRun, map[string]string{"plan_id": "42"})
	if err := reg.Create(ctx, record); err != nil {
		t.Fatalf("create job record: %v", err)
	}

	executor := &pausingExecutor{control: control, jobID: payload.JobID, pauseAfter: 3}
	job := jobs.NewProfilingRunJob(reg, control, executor, logger, metrics)
	task, err := jobs.NewProfilingRunTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}

	// First attempt: the pause request lands after rule 3, so the run parks
	// at the next item boundary with a checkpoint.
	if err := job.Handle(ctx, task); err != nil {
		t.Fatalf("first handle: %v", err)
	}

	paused, err := reg.Get(ctx, payload.JobID)
	if err != nil {
		t.Fatalf("get paused job: %v", err)
	}
	if paused.Status != registry.StatusPaused {
		t.Fatalf("expected paused status, got %s", paused.Status)
	}
	if paused.CompletedSteps != 3 || paused.TotalSteps != 8 {
		t.Fatalf("expected 3 of 8 steps done, got %d of %d", paused.CompletedSteps, paused.TotalSteps)
	}
	cp, found, err := control.LoadCheckpoint(ctx, payload.JobID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if !found || cp.Index != 3 {
		t.Fatalf("expected checkpoint at item 3, got found=%v index=%d", found, cp.Index)
	}
	if cp.Counters["executed"] != 3 || cp.Counters["evaluated"] != 300 {
		t.Fatalf("unexpected checkpoint counters: %v", cp.Counters)
	}
	if pending, err := control.PauseRequested(ctx, payload.JobID); err != nil || pending {
		t.Fatalf("expected pause flag cleared after park, got pending=%v err=%v", pending, err)
	}

	// Resume the way the resume endpoint does, then run the task again.
	if _, err := reg.Transition(ctx, payload.JobID, registry.StatusPaused, registry.StatusResuming); err != nil {
		t.Fatalf("transition to resuming: %v", err)
	}
	if err := job.Handle(ctx, task); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	done, err := reg.Get(ctx, payload.JobID)
	if err != nil {
		t.Fatalf("get completed job: %v", err)
	}
	if done.Status != registry.StatusCompleted {
		t.Fatalf("expected completed status, got %s", done.Status)
	}
	if done.Progress != 100 {
		t.Fatalf("expected progress pinned to 100, got %d", done.Progress)
	}

	// Each rule ran exactly once across both attempts.
	if len(executor.executed) != 8 {
		t.Fatalf("expected 8 rule executions, got %d: %v", len(executor.executed), executor.executed)
	}
	for i, id := range executor.executed {
		if id != int64(i+1) {
			t.Fatalf("rules replayed or skipped: %v", executor.executed)
		}
	}

	// The result merges counters from before and after the pause.
	if got, ok := done.Result["total_executed"].(int); !ok || got != 8 {
		t.Fatalf("expected 8 executed rules in result, got %v", done.Result["total_executed"])
	}
	if got, ok := done.Result["rows_evaluated"].(int); !ok || got != 800 {
		t.Fatalf("expected 800 evaluated rows in result, got %v", done.Result["rows_evaluated"])
	}
	if got, ok := done.Result["rules_flagged"].(int); !ok || got != 4 {
		t.Fatalf("expected 4 flagged rules in result, got %v", done.Result["rules_flagged"])
	}
	if got, ok := done.Result["total_violations"].(int); !ok || got != 16 {
		t.Fatalf("expected 16 violations in result, got %v", done.Result["total_violations"])
	}

	if _, found, err := control.LoadCheckpoint(ctx, payload.JobID); err != nil || found {
		t.Fatalf("expected checkpoint cleared after completion, got found=%v err=%v", found, err)
	}

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if !assertCounter(t, families, "veritas_jobs_total", map[string]string{"job": jobs.TaskProfilingRun, "status": "success"}, 2) {
		t.Fatal("expected two successful profiling executions recorded")
	}
	if !assertCounter(t, families, "veritas_profiling_violations_total", map[string]string{"rule": "rule-2"}, 4) {
		t.Fatal("expected violations recorded for rule-2")
	}
	if !metricExists(families, "veritas_job_duration_seconds") {
		t.Fatal("expected veritas_job_duration_seconds to be recorded")
	}
}

func assertCounter(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				if metric.GetCounter() == nil {
					return false
				}
				if metric.GetCounter().GetValue() == expected {
					return true
				}
			}
		}
	}
	return false
}

func metricExists(families []*dto.MetricFamily, name string) bool {
	for _, fam := range families {
		if fam.GetName() == name {
			return true
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	if len(expected) == 0 {
		return true
	}
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}
