package perf

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/veritas-grc/veritas/internal/registry"
	"github.com/veritas-grc/veritas/jobs"
)

// The write path covers what the runner does per item: a create, a status
// flip and a progress refresh. The read path covers what the status API does
// per poll. Ceilings are far above steady state so only a pathological
// regression trips them.
func TestRegistryLatencyTargets(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.NewMemoryRegistry("", nil)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	const iterations = 200
	writes := make([]time.Duration, 0, iterations)
	reads := make([]time.Duration, 0, iterations)

	for i := 0; i < iterations; i++ {
		id := fmt.Sprintf("job-%04d", i)

		start := time.Now()
		if err := reg.Create(ctx, registry.NewJob(id, jobs.TaskProfilingRun, nil)); err != nil {
			t.Fatalf("create job: %v", err)
		}
		running := registry.StatusRunning
		if _, err := reg.Update(ctx, id, registry.Update{Status: &running}); err != nil {
			t.Fatalf("mark running: %v", err)
		}
		progress := 50
		if _, err := reg.Update(ctx, id, registry.Update{Progress: &progress}); err != nil {
			t.Fatalf("update progress: %v", err)
		}
		writes = append(writes, time.Since(start))

		start = time.Now()
		if _, err := reg.Get(ctx, id); err != nil {
			t.Fatalf("get job: %v", err)
		}
		if _, err := reg.ListActive(ctx); err != nil {
			t.Fatalf("list active: %v", err)
		}
		reads = append(reads, time.Since(start))
	}

	if p95 := percentile95(writes); p95 > 50*time.Millisecond {
		t.Fatalf("write path regression: p95=%s", p95)
	}
	if p95 := percentile95(reads); p95 > 50*time.Millisecond {
		t.Fatalf("read path regression: p95=%s", p95)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
