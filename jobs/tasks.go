// Package jobs wires background work through Asynq: task types and payloads,
// the worker that executes them, the client that enqueues them and the HTTP
// surface for launching runs.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskAttributeGeneration generates test attributes from regulatory text.
	TaskAttributeGeneration = "attributes:generate"
	// TaskPDEMapping maps physical data elements to report attributes.
	TaskPDEMapping = "pde:map"
	// TaskProfilingRun executes profiling rules against report data.
	TaskProfilingRun = "profiling:execute"
	// TaskRegistryWatchdog fails running jobs whose lease went stale.
	TaskRegistryWatchdog = "registry:watchdog"
	// TaskRegistryPrune drops terminal job records past retention.
	TaskRegistryPrune = "registry:prune"
)

// MetadataParams is the registry metadata key holding a job's original task
// payload. Resume re-enqueues from it, so every task keeps it current enough
// to restart from.
const MetadataParams = "params"

// AttributeGenerationPayload describes one attribute-generation run. Each
// section is one checkpointed work item.
type AttributeGenerationPayload struct {
	JobID      string   `json:"job_id"`
	ReportID   int64    `json:"report_id"`
	Regulation string   `json:"regulation"`
	Sections   []string `json:"sections"`
}

// NewAttributeGenerationTask constructs an Asynq task carrying the job id as
// its task identity.
func NewAttributeGenerationTask(payload AttributeGenerationPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAttributeGeneration, data, asynq.Queue(QueueDefault), asynq.TaskID(payload.JobID)), nil
}

// DataElement is one physical data element to map.
type DataElement struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Candidates  []string `json:"candidates,omitempty"`
}

// PDEMappingPayload describes one mapping run. Each element is one
// checkpointed work item.
type PDEMappingPayload struct {
	JobID    string        `json:"job_id"`
	ReportID int64         `json:"report_id"`
	Elements []DataElement `json:"elements"`
}

// NewPDEMappingTask constructs an Asynq task for a mapping run.
func NewPDEMappingTask(payload PDEMappingPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPDEMapping, data, asynq.Queue(QueueDefault), asynq.TaskID(payload.JobID)), nil
}

// ProfilingRule is a materialized rule query. The query must return two
// counts: rows evaluated and rows in violation.
type ProfilingRule struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Query string `json:"query"`
}

// ProfilingRunPayload describes one profiling run. Each rule is one
// checkpointed work item.
type ProfilingRunPayload struct {
	JobID  string          `json:"job_id"`
	PlanID int64           `json:"plan_id"`
	Rules  []ProfilingRule `json:"rules"`
}

// NewProfilingRunTask constructs an Asynq task for a profiling run.
func NewProfilingRunTask(payload ProfilingRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProfilingRun, data, asynq.Queue(QueueDefault), asynq.TaskID(payload.JobID)), nil
}
