package cli

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/veritas-grc/veritas/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
	err       error
}

func (s *stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func (s *stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, s.err
}

func TestTriggerEnqueuesMaintenanceSweeps(t *testing.T) {
	enq := &stubEnqueuer{}
	cli := NewJobsCLI(enq, nil)

	info, err := cli.Trigger(context.Background(), jobs.TaskRegistryWatchdog)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskRegistryWatchdog, info.Type)

	_, err = cli.Trigger(context.Background(), jobs.TaskRegistryPrune)
	require.NoError(t, err)

	require.Len(t, enq.tasks, 2)
	require.Equal(t, jobs.TaskRegistryWatchdog, enq.tasks[0].Type())
	require.Equal(t, jobs.TaskRegistryPrune, enq.tasks[1].Type())
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	enq := &stubEnqueuer{}
	cli := NewJobsCLI(enq, nil)

	_, err := cli.Trigger(context.Background(), jobs.TaskAttributeGeneration)
	require.ErrorContains(t, err, "unsupported job")
	require.Empty(t, enq.tasks)
}

func TestTriggerRequiresEnqueuer(t *testing.T) {
	cli := NewJobsCLI(nil, nil)
	_, err := cli.Trigger(context.Background(), jobs.TaskRegistryWatchdog)
	require.ErrorContains(t, err, "not configured")
}

func TestInspectQueueMapsStats(t *testing.T) {
	insp := &stubInspector{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 3, Active: 1, Scheduled: 2, Retry: 4}}
	cli := NewJobsCLI(nil, insp)

	stats, err := cli.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 3, Active: 1, Scheduled: 2, Retry: 4}, stats)
}

func TestInspectQueuePropagatesErrors(t *testing.T) {
	insp := &stubInspector{err: errors.New("queue gone")}
	cli := NewJobsCLI(nil, insp)

	_, err := cli.InspectQueue(context.Background())
	require.ErrorContains(t, err, "queue gone")
}

func TestListScheduledDefaultsPageSize(t *testing.T) {
	insp := &stubInspector{scheduled: []*asynq.TaskInfo{{Type: jobs.TaskRegistryWatchdog}}}
	cli := NewJobsCLI(nil, insp)

	infos, err := cli.ListScheduled(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}
