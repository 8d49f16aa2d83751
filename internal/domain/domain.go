// Package domain holds the value types shared by every orchestrator
// component: service/task definitions, pipeline structure, and the task
// run lifecycle. Nothing here owns a database connection or a goroutine;
// it is the vocabulary the rest of the core speaks.
package domain

import "time"

// ServiceStatus is the liveness state of a registered worker service.
type ServiceStatus string

const (
	ServiceActive       ServiceStatus = "active"
	ServiceInactive     ServiceStatus = "inactive"
	ServiceDisconnected ServiceStatus = "disconnected"
)

// Service is a registered worker process that owns zero or more Tasks.
type Service struct {
	ID            string        `db:"id" json:"id"`
	Version       string        `db:"version" json:"version"`
	BaseURL       string        `db:"base_url" json:"baseUrl"`
	RegisteredAt  time.Time     `db:"registered_at" json:"registeredAt"`
	LastHeartbeat time.Time     `db:"last_heartbeat" json:"lastHeartbeat"`
	Status        ServiceStatus `db:"status" json:"status"`
}

// RetryBackoff selects how RetryManager computes the delay before a retry.
type RetryBackoff string

const (
	BackoffFixed       RetryBackoff = "fixed"
	BackoffExponential RetryBackoff = "exponential"
)

// Task is a versioned task definition owned by a Service.
type Task struct {
	ID                  string       `db:"id" json:"id"`
	ServiceID           string       `db:"service_id" json:"serviceId"`
	CodeHash            string       `db:"code_hash" json:"codeHash"`
	CodeVersion         int          `db:"code_version" json:"codeVersion"`
	AllowedNext         []string     `db:"-" json:"allowedNext"`
	TimeoutSec          int          `db:"timeout_sec" json:"timeoutSec"`
	MaxRetries          int          `db:"max_retries" json:"maxRetries"`
	RetryBackoff        RetryBackoff `db:"retry_backoff" json:"retryBackoff"`
	RetryDelayMs        int64        `db:"retry_delay_ms" json:"retryDelayMs"`
	MaxRetryDelayMs     int64        `db:"max_retry_delay_ms" json:"maxRetryDelayMs"`
	HeartbeatIntervalMs int64        `db:"heartbeat_interval_ms" json:"heartbeatIntervalMs"`
	Concurrency         int          `db:"concurrency" json:"concurrency"`
	Priority            int          `db:"priority" json:"priority"`
	IdempotencyTTLSec   *int64       `db:"idempotency_ttl_sec" json:"idempotencyTTLSec,omitempty"`
	Description         string       `db:"description" json:"description,omitempty"`
}

// TaskCodeHistory is an append-only record of a task's distinct code hashes.
type TaskCodeHistory struct {
	TaskID         string    `db:"task_id" json:"taskId"`
	CodeVersion    int       `db:"code_version" json:"codeVersion"`
	CodeHash       string    `db:"code_hash" json:"codeHash"`
	ServiceVersion string    `db:"service_version" json:"serviceVersion"`
	RecordedAt     time.Time `db:"recorded_at" json:"recordedAt"`
}

// FailureMode controls how a pipeline run reacts to a task failure.
type FailureMode string

const (
	FailFast FailureMode = "fail-fast"
	Continue FailureMode = "continue"
)

// PipelineNode is one entry of a Pipeline's structure snapshot.
type PipelineNode struct {
	AllowedNext []string `json:"allowedNext"`
}

// Pipeline is a named DAG of tasks with declared entry points.
type Pipeline struct {
	ID          string                  `db:"id" json:"id"`
	Name        string                  `db:"name" json:"name"`
	Description string                  `db:"description" json:"description,omitempty"`
	EntryTasks  []string                `db:"-" json:"entryTasks"`
	Structure   map[string]PipelineNode `db:"-" json:"structure"`
	Version     int                     `db:"version" json:"version"`
	FailureMode FailureMode             `db:"failure_mode" json:"failureMode"`
	CreatedAt   time.Time               `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time               `db:"updated_at" json:"updatedAt"`
}

// PipelineRunStatus is the terminal/non-terminal status of a PipelineRun.
type PipelineRunStatus string

const (
	PipelineRunRunning   PipelineRunStatus = "running"
	PipelineRunCompleted PipelineRunStatus = "completed"
	PipelineRunFailed    PipelineRunStatus = "failed"
)

// PipelineRun is a live invocation of a Pipeline.
type PipelineRun struct {
	ID                string                  `db:"id" json:"id"`
	PipelineID        string                  `db:"pipeline_id" json:"pipelineId"`
	PipelineVersion   int                     `db:"pipeline_version" json:"pipelineVersion"`
	StructureSnapshot map[string]PipelineNode `db:"-" json:"structureSnapshot"`
	Status            PipelineRunStatus       `db:"status" json:"status"`
	InputPath         string                  `db:"input_path" json:"inputPath"`
	FailureMode       FailureMode             `db:"failure_mode" json:"failureMode"`
	CreatedAt         time.Time               `db:"created_at" json:"createdAt"`
	CompletedAt       *time.Time              `db:"completed_at" json:"completedAt,omitempty"`
	Metadata          map[string]any          `db:"-" json:"metadata,omitempty"`
}

// TaskRunStatus is one of the monotone states a TaskRun progresses through.
type TaskRunStatus string

const (
	TaskRunPending   TaskRunStatus = "pending"
	TaskRunRunning   TaskRunStatus = "running"
	TaskRunWaiting   TaskRunStatus = "waiting"
	TaskRunCompleted TaskRunStatus = "completed"
	TaskRunFailed    TaskRunStatus = "failed"
	TaskRunTimeout   TaskRunStatus = "timeout"
	TaskRunCancelled TaskRunStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition is expected
// without an explicit retry (which re-enters at TaskRunPending).
func (s TaskRunStatus) IsTerminal() bool {
	switch s {
	case TaskRunCompleted, TaskRunFailed, TaskRunTimeout, TaskRunCancelled:
		return true
	default:
		return false
	}
}

// AttemptRecord is one entry of a TaskRun's previousAttempts history.
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UpstreamRef is what a downstream task sees of a completed predecessor.
type UpstreamRef struct {
	OutputPath string         `json:"outputPath"`
	Assets     map[string]any `json:"assets,omitempty"`
}

// TaskRun is one execution attempt (or retried series) of a Task.
type TaskRun struct {
	ID               string                 `db:"id" json:"id"`
	TaskID           string                 `db:"task_id" json:"taskId"`
	PipelineRunID    *string                `db:"pipeline_run_id" json:"pipelineRunId,omitempty"`
	Status           TaskRunStatus          `db:"status" json:"status"`
	CodeVersion      int                    `db:"code_version" json:"codeVersion"`
	CodeHash         string                 `db:"code_hash" json:"codeHash"`
	Attempt          int                    `db:"attempt" json:"attempt"`
	MaxRetries       int                    `db:"max_retries" json:"maxRetries"`
	Priority         int                    `db:"priority" json:"priority"`
	InputPath        string                 `db:"input_path" json:"inputPath"`
	OutputPath       *string                `db:"output_path" json:"outputPath,omitempty"`
	OutputSize       *int64                 `db:"output_size" json:"outputSize,omitempty"`
	Assets           map[string]any         `db:"-" json:"assets,omitempty"`
	UpstreamRefs     map[string]UpstreamRef `db:"-" json:"upstreamRefs,omitempty"`
	PreviousAttempts []AttemptRecord        `db:"-" json:"previousAttempts"`
	IdempotencyKey   *string                `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	ScheduledFor     *time.Time             `db:"scheduled_for" json:"scheduledFor,omitempty"`
	HeartbeatAt      *time.Time             `db:"heartbeat_at" json:"heartbeatAt,omitempty"`
	StartedAt        *time.Time             `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time             `db:"completed_at" json:"completedAt,omitempty"`
	Error            *string                `db:"error" json:"error,omitempty"`
	ErrorCode        *string                `db:"error_code" json:"errorCode,omitempty"`
	Metadata         map[string]any         `db:"-" json:"metadata,omitempty"`
}

// DLQEntry is a permanently-failed task run retained for inspection/replay.
type DLQEntry struct {
	ID               string                 `db:"id" json:"id"`
	TaskRunID        string                 `db:"task_run_id" json:"taskRunId"`
	TaskID           string                 `db:"task_id" json:"taskId"`
	PipelineRunID    *string                `db:"pipeline_run_id" json:"pipelineRunId,omitempty"`
	CodeVersion      int                    `db:"code_version" json:"codeVersion"`
	CodeHash         string                 `db:"code_hash" json:"codeHash"`
	Error            string                 `db:"error" json:"error"`
	Attempts         int                    `db:"attempts" json:"attempts"`
	InputPath        string                 `db:"input_path" json:"inputPath"`
	UpstreamRefs     map[string]UpstreamRef `db:"-" json:"upstreamRefs,omitempty"`
	PreviousAttempts []AttemptRecord        `db:"-" json:"previousAttempts"`
	FailedAt         time.Time              `db:"failed_at" json:"failedAt"`
	RetriedAt        *time.Time             `db:"retried_at" json:"retriedAt,omitempty"`
	RetryRunID       *string                `db:"retry_run_id" json:"retryRunId,omitempty"`
}

// IdempotencyCacheEntry maps a caller-supplied fingerprint to its cached artifact.
type IdempotencyCacheEntry struct {
	Key         string         `db:"key" json:"key"`
	TaskID      string         `db:"task_id" json:"taskId"`
	TaskRunID   string         `db:"task_run_id" json:"taskRunId"`
	CodeVersion int            `db:"code_version" json:"codeVersion"`
	OutputPath  string         `db:"output_path" json:"outputPath"`
	OutputSize  *int64         `db:"output_size" json:"outputSize,omitempty"`
	Assets      map[string]any `db:"-" json:"assets,omitempty"`
	CachedAt    time.Time      `db:"cached_at" json:"cachedAt"`
	ExpiresAt   time.Time      `db:"expires_at" json:"expiresAt"`
}

// MaintenanceMode is the admission-control state of the orchestrator.
type MaintenanceMode string

const (
	ModeRunning                MaintenanceMode = "running"
	ModeWaitingForMaintenance  MaintenanceMode = "waiting_for_maintenance"
	ModeMaintenance            MaintenanceMode = "maintenance"
)

// MaintenanceState is the singleton admission-control row.
type MaintenanceState struct {
	Mode          MaintenanceMode `db:"mode" json:"mode"`
	ModeChangedAt time.Time       `db:"mode_changed_at" json:"modeChangedAt"`
}

// LevelType classifies a topological level produced by graph.TopologicalSort.
type LevelType string

const (
	LevelEntry    LevelType = "entry"
	LevelParallel LevelType = "parallel"
	LevelJoin     LevelType = "join"
	LevelEnd      LevelType = "end"
)

// DispatchOutcome is the sum type a worker transport call resolves to.
type DispatchOutcome string

const (
	DispatchSuccess DispatchOutcome = "success"
	DispatchFailure DispatchOutcome = "failure"
)

// ScheduleOutcome is the sum type RetryManager.ScheduleRetry resolves to.
type ScheduleOutcome string

const (
	ScheduleScheduled ScheduleOutcome = "scheduled"
	ScheduleExhausted ScheduleOutcome = "exhausted"
)
