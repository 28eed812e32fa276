package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/veritas-grc/veritas/internal/registry"
)

// Client registers jobs in the registry and submits their tasks to the
// queue. It is also the resumer behind the resume endpoint.
type Client struct {
	client   *asynq.Client
	registry registry.Registry
	logger   *slog.Logger
}

// NewClient constructs an Asynq-backed job client.
func NewClient(redisOpts asynq.RedisClientOpt, reg registry.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: asynq.NewClient(redisOpts), registry: reg, logger: logger}
}

// StartAttributeGeneration registers a pending job and enqueues its task.
func (c *Client) StartAttributeGeneration(ctx context.Context, p AttributeGenerationPayload) (registry.Job, error) {
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	meta := map[string]string{"report_id": strconv.FormatInt(p.ReportID, 10)}
	return c.start(ctx, p.JobID, TaskAttributeGeneration, p, meta)
}

// StartPDEMapping registers a pending job and enqueues its task.
func (c *Client) StartPDEMapping(ctx context.Context, p PDEMappingPayload) (registry.Job, error) {
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	meta := map[string]string{"report_id": strconv.FormatInt(p.ReportID, 10)}
	return c.start(ctx, p.JobID, TaskPDEMapping, p, meta)
}

// StartProfilingRun registers a pending job and enqueues its task.
func (c *Client) StartProfilingRun(ctx context.Context, p ProfilingRunPayload) (registry.Job, error) {
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	meta := map[string]string{"plan_id": strconv.FormatInt(p.PlanID, 10)}
	return c.start(ctx, p.JobID, TaskProfilingRun, p, meta)
}

func (c *Client) start(ctx context.Context, jobID, taskType string, payload any, meta map[string]string) (registry.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return registry.Job{}, err
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta[MetadataParams] = string(body)

	// Registry first: a job record must exist before its task can run.
	job := registry.NewJob(jobID, taskType, meta)
	if err := c.registry.Create(ctx, job); err != nil {
		return registry.Job{}, err
	}
	task := asynq.NewTask(taskType, body, asynq.Queue(QueueDefault), asynq.TaskID(jobID))
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		failed := registry.StatusFailed
		msg := "enqueue failed: " + err.Error()
		if _, uerr := c.registry.Update(ctx, jobID, registry.Update{Status: &failed, Error: &msg}); uerr != nil {
			c.logger.Error("marking unqueued job failed", "job_id", jobID, "error", uerr)
		}
		return registry.Job{}, err
	}
	c.logger.Info("job enqueued", "job_id", jobID, "type", taskType)
	return job, nil
}

// Resume re-enqueues a job's task under its original identity and payload.
// The caller has already moved the job to resuming, so a task identity that
// is still live means the work is queued and the resume is a no-op.
func (c *Client) Resume(ctx context.Context, job registry.Job) error {
	params := job.Metadata[MetadataParams]
	if params == "" {
		return fmt.Errorf("job %s has no stored parameters", job.ID)
	}
	task := asynq.NewTask(job.Type, []byte(params), asynq.Queue(QueueDefault), asynq.TaskID(job.ID))
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			c.logger.Info("task already queued", "job_id", job.ID)
			return nil
		}
		return err
	}
	c.logger.Info("job re-enqueued", "job_id", job.ID, "type", job.Type)
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
