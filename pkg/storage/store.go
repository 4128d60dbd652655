package storage

import (
	"github.com/conduitq/conduit/pkg/types"
)

// RecordFunc builds the execution record appended in the same transaction as
// a status transition. It receives the task after the mutation has been
// applied. Returning nil skips the append.
type RecordFunc func(t *types.Task) *types.ExecutionRecord

// Store defines the interface for durable state storage.
// Implemented by bbolt-backed storage; the broker's Redis view is always a
// cache that may be rebuilt from here.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error)
	ListTasksByWorker(workerID string) ([]*types.Task, error)
	ListTasksByWorkflow(workflowID string) ([]*types.Task, error)
	UpdateTask(task *types.Task) error

	// UpdateTaskStatus applies mutate to the task in one transaction,
	// conditional on the current status being from. The mutation, the
	// UpdatedAt stamp, and the optional execution record are committed
	// atomically. A status mismatch fails with ErrInvalidTransition and
	// leaves state unchanged.
	UpdateTaskStatus(id string, from types.TaskStatus, mutate func(t *types.Task) error, record RecordFunc) (*types.Task, error)

	// Execution history
	ListExecutions(taskID string) ([]*types.ExecutionRecord, error)

	// Dependencies
	CreateDependency(dep *types.Dependency) error
	RemoveDependency(childID, parentID string) error
	ListDependenciesByChild(childID string) ([]*types.Dependency, error)
	ListDependenciesByParent(parentID string) ([]*types.Dependency, error)

	// Dead-letter queue
	CreateDLQEntry(entry *types.DLQEntry) error
	GetDLQEntry(taskID string) (*types.DLQEntry, error)
	ListDLQ() ([]*types.DLQEntry, error)
	RemoveDLQEntry(taskID string) error

	// Workflows
	CreateWorkflow(wf *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows() ([]*types.Workflow, error)

	// SubmitWorkflow persists the workflow, its tasks, and its edges in a
	// single transaction. Either everything persists or nothing does.
	SubmitWorkflow(wf *types.Workflow, tasks []*types.Task, deps []*types.Dependency) error

	// Workers
	CreateWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(worker *types.Worker) error
	DeleteWorker(id string) error

	// Utility
	Close() error
}
