/*
Package storage provides the durable store for Conduit state using BoltDB.

The store is the single source of truth for tasks, workers, execution
history, dependency edges, dead-letter entries, and workflows. The Redis
fabric in pkg/broker is always a cache over this store and may be rebuilt
from it.

# Architecture

	┌───────────────────── DURABLE STORE ─────────────────────┐
	│                                                          │
	│  Store interface                                         │
	│    │                                                     │
	│    ▼                                                     │
	│  BoltStore (single-file BoltDB, JSON rows)               │
	│    ├── tasks         task id  -> Task                    │
	│    ├── workers       worker id -> Worker                 │
	│    ├── executions    task id/attempt -> ExecutionRecord  │
	│    ├── dependencies  child/parent -> Dependency          │
	│    ├── dlq           nanos/task id -> DLQEntry           │
	│    └── workflows     workflow id -> Workflow             │
	└──────────────────────────────────────────────────────────┘

# Conditional Transitions

Every task state change goes through UpdateTaskStatus, which runs one BoltDB
transaction that (i) verifies the prior status, (ii) applies the mutation and
the UpdatedAt stamp, and (iii) appends an execution record when an attempt
ended. Concurrent writers racing on the same transition lose predictably with
ErrInvalidTransition and must re-read current state. This conditional update
is what makes duplicate queue deliveries harmless: only one claimer wins the
QUEUED -> RUNNING transition.

# Ownership Rules

Tasks are never deleted. Terminal tasks are logically tombstoned, which hides
them from list operations while keeping their rows and execution history
readable by id. The DLQ bucket only gains entries; removal requires an
explicit requeue or discard.

SubmitWorkflow persists a workflow, its tasks, and its edges in one
transaction so that workflow submission is atomic.

# Usage

	store, err := storage.NewBoltStore("/var/lib/conduit")
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.UpdateTaskStatus(id, types.TaskStatusQueued,
		func(t *types.Task) error {
			t.Status = types.TaskStatusRunning
			t.WorkerID = workerID
			now := time.Now()
			t.StartedAt = &now
			return nil
		}, nil)
*/
package storage
