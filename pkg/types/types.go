package types

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskStatuses lists every task status
var TaskStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted,
	TaskStatusFailed, TaskStatusTimeout, TaskStatusRetrying, TaskStatusCancelled,
}

// IsTerminal reports whether the status is an absolute final state.
// FAILED is only conditionally terminal: the retry policy decides whether a
// failed task is re-queued or dead-lettered.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// RetryStrategy defines how the next-attempt delay is computed
type RetryStrategy string

const (
	RetryImmediate   RetryStrategy = "immediate"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryCustom      RetryStrategy = "custom"
)

// PriorityBand is one of the three queue bands
type PriorityBand string

const (
	BandHigh   PriorityBand = "high"   // priority 8-10
	BandMedium PriorityBand = "medium" // priority 4-7
	BandLow    PriorityBand = "low"    // priority 1-3
)

// Bands lists the bands in claim order
var Bands = []PriorityBand{BandHigh, BandMedium, BandLow}

// BandFor maps a priority to its queue band. Out-of-range priorities are
// clamped to the medium band.
func BandFor(priority int) PriorityBand {
	switch {
	case priority >= 8 && priority <= 10:
		return BandHigh
	case priority >= 4 && priority <= 7:
		return BandMedium
	case priority >= 1 && priority <= 3:
		return BandLow
	default:
		return BandMedium
	}
}

// Priority bounds
const (
	PriorityMin = 1
	PriorityMax = 10

	MaxRetriesCeiling = 10
	TimeoutMinSeconds = 1
	TimeoutMaxSeconds = 3600
	NameMaxLength     = 255
)

// Task is the unit of work
type Task struct {
	// Identity and descriptor
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Args   []any            `json:"args,omitempty"`
	Kwargs map[string]any   `json:"kwargs,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`

	// Scheduling
	Priority    int        `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CronExpr    string     `json:"cron_expr,omitempty"`
	Recurring   bool       `json:"recurring,omitempty"`

	// Policy
	MaxRetries       int           `json:"max_retries"`
	Strategy         RetryStrategy `json:"retry_strategy"`
	BackoffBase      int           `json:"backoff_base_seconds"`
	BackoffIncrement int           `json:"backoff_increment_seconds,omitempty"`
	MaxBackoff       int           `json:"max_backoff_seconds"`
	TimeoutSeconds   int           `json:"timeout_seconds"`

	// Lifecycle
	Status          TaskStatus `json:"status"`
	RetryCount      int        `json:"retry_count"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	QueuedAt        *time.Time `json:"queued_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	WorkerID        string     `json:"worker_id,omitempty"`
	Error           string     `json:"error,omitempty"`
	Skipped         bool       `json:"skipped,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Tombstoned      bool       `json:"tombstoned,omitempty"`

	// Topology
	ParentTaskID   string         `json:"parent_task_id,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	DependencyKind DependencyKind `json:"dependency_kind,omitempty"`
	Condition      *Condition     `json:"condition,omitempty"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
}

// WorkerStatus represents the state of a worker registration
type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusPaused   WorkerStatus = "paused"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusDead     WorkerStatus = "dead"
)

// WorkerStatuses lists every worker status
var WorkerStatuses = []WorkerStatus{
	WorkerStatusActive, WorkerStatusPaused, WorkerStatusDraining,
	WorkerStatusIdle, WorkerStatusDead,
}

// Worker is an executor registration
type Worker struct {
	ID             string       `json:"id"`
	Hostname       string       `json:"hostname"`
	Capacity       int          `json:"capacity"`
	CurrentLoad    int          `json:"current_load"`
	Status         WorkerStatus `json:"status"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	CreatedAt      time.Time    `json:"created_at"`
}

// DependencyKind defines how a child's readiness is evaluated over its parents
type DependencyKind string

const (
	DependencyAll        DependencyKind = "wait-for-all"
	DependencyAny        DependencyKind = "wait-for-any"
	DependencySequential DependencyKind = "sequential"
)

// Dependency is a directed parent -> child edge, owned by the child
type Dependency struct {
	ChildID  string         `json:"child_id"`
	ParentID string         `json:"parent_id"`
	Kind     DependencyKind `json:"kind"`
}

// ConditionOp is a condition operator
type ConditionOp string

const (
	OpEq       ConditionOp = "eq"
	OpNeq      ConditionOp = "neq"
	OpGt       ConditionOp = "gt"
	OpLt       ConditionOp = "lt"
	OpContains ConditionOp = "contains"
	OpExists   ConditionOp = "exists"
	OpAnd      ConditionOp = "and"
	OpOr       ConditionOp = "or"
)

// Condition is a predicate over the mapping {parent-name -> result}.
// Field is a dot-separated path; the first segment names the parent task.
// And/Or conditions carry their operands in Children.
type Condition struct {
	Op       ConditionOp  `json:"op"`
	Field    string       `json:"field,omitempty"`
	Value    any          `json:"value,omitempty"`
	Children []*Condition `json:"children,omitempty"`
}

// ExecutionRecord is one row of a task's append-only attempt history
type ExecutionRecord struct {
	TaskID    string     `json:"task_id"`
	Attempt   int        `json:"attempt"`
	WorkerID  string     `json:"worker_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   TaskStatus `json:"outcome"`
	Error     string     `json:"error,omitempty"`
}

// DLQEntry is a terminal-failure record
type DLQEntry struct {
	TaskID     string    `json:"task_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	Descriptor *Task     `json:"descriptor"`
	MovedAt    time.Time `json:"moved_at"`
}

// Workflow is an immutable set of tasks plus directed edges
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskIDs   []string  `json:"task_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Completion is the message carried on the completion channel
type Completion struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// Alert is the message carried on the alert channel
type Alert struct {
	Type     string            `json:"type"`
	Severity string            `json:"severity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DegradationStrategy directs the dispatch loop to an alternate path when a
// dependency is flagged degraded
type DegradationStrategy string

const (
	DegradeReturnCached    DegradationStrategy = "return-cached"
	DegradeDefaultValue    DegradationStrategy = "default-value"
	DegradeSkipEnrichment  DegradationStrategy = "skip-enrichment"
	DegradeReduceThroughput DegradationStrategy = "reduce-throughput"
	DegradeAsyncFallback   DegradationStrategy = "async-fallback"
	DegradeQueueToFallback DegradationStrategy = "queue-to-fallback"
)

// BreakerState is the state of a circuit breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)
