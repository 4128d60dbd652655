package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/events"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/rs/zerolog"
)

// transitions is the legal transition table. Statuses absent from a row are
// illegal targets; COMPLETED and CANCELLED have no rows because they are
// absolute terminals.
var transitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskStatusPending:  {types.TaskStatusQueued, types.TaskStatusCancelled},
	types.TaskStatusQueued:   {types.TaskStatusRunning, types.TaskStatusCancelled},
	types.TaskStatusRunning:  {types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusTimeout, types.TaskStatusCancelled},
	types.TaskStatusFailed:   {types.TaskStatusRetrying, types.TaskStatusCancelled},
	types.TaskStatusRetrying: {types.TaskStatusQueued, types.TaskStatusCancelled},
	types.TaskStatusTimeout:  {types.TaskStatusRetrying, types.TaskStatusCancelled},
}

// CanTransition reports whether from -> to is in the legal transition table
func CanTransition(from, to types.TaskStatus) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Machine drives task status transitions. Every transition is one
// conditional store transaction; the broker mirror is refreshed afterwards
// as a cache update and never blocks the transition.
type Machine struct {
	store  storage.Store
	broker *broker.Broker
	events *events.Broker
	logger zerolog.Logger
	now    func() time.Time
}

// NewMachine creates a lifecycle machine
func NewMachine(store storage.Store, b *broker.Broker, ev *events.Broker) *Machine {
	return &Machine{
		store:  store,
		broker: b,
		events: ev,
		logger: log.WithComponent("lifecycle"),
		now:    time.Now,
	}
}

// MarkQueued transitions PENDING or RETRYING -> QUEUED and stamps queued-at.
// The caller enqueues the task id into the broker after this succeeds.
func (m *Machine) MarkQueued(ctx context.Context, taskID string, from types.TaskStatus) (*types.Task, error) {
	task, err := m.transition(taskID, from, types.TaskStatusQueued, func(t *types.Task) {
		now := m.now()
		t.QueuedAt = &now
		t.NextRetryAt = nil
	}, nil)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskQueued, task, "")
	return task, nil
}

// MarkRunning transitions QUEUED -> RUNNING on claim, binding the worker and
// stamping started-at. Losing the claim race surfaces as ErrInvalidTransition.
func (m *Machine) MarkRunning(ctx context.Context, taskID, workerID string) (*types.Task, error) {
	task, err := m.transition(taskID, types.TaskStatusQueued, types.TaskStatusRunning, func(t *types.Task) {
		now := m.now()
		t.StartedAt = &now
		t.WorkerID = workerID
	}, nil)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskStarted, task, "")
	return task, nil
}

// MarkCompleted transitions RUNNING -> COMPLETED, records the result, and
// appends the attempt's execution record in the same transaction. The
// terminal status is published on the completion channel.
func (m *Machine) MarkCompleted(ctx context.Context, taskID string, result json.RawMessage) (*types.Task, error) {
	task, err := m.transition(taskID, types.TaskStatusRunning, types.TaskStatusCompleted, func(t *types.Task) {
		now := m.now()
		t.CompletedAt = &now
		t.Result = result
	}, m.attemptRecord)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskCompleted, task, "")
	m.publishCompletion(ctx, task)
	return task, nil
}

// MarkFailed transitions RUNNING -> FAILED with the attempt's error. The
// retry policy decides afterwards whether the failure is terminal; the
// completion channel only carries FAILED once that decision lands.
func (m *Machine) MarkFailed(ctx context.Context, taskID, errMsg string) (*types.Task, error) {
	task, err := m.transition(taskID, types.TaskStatusRunning, types.TaskStatusFailed, func(t *types.Task) {
		now := m.now()
		t.FailedAt = &now
		t.Error = errMsg
	}, m.attemptRecord)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskFailed, task, errMsg)
	return task, nil
}

// MarkTimeout transitions RUNNING -> TIMEOUT when the per-attempt deadline
// expires
func (m *Machine) MarkTimeout(ctx context.Context, taskID, errMsg string) (*types.Task, error) {
	task, err := m.transition(taskID, types.TaskStatusRunning, types.TaskStatusTimeout, func(t *types.Task) {
		now := m.now()
		t.FailedAt = &now
		t.Error = errMsg
	}, m.attemptRecord)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskTimeout, task, errMsg)
	return task, nil
}

// MarkRetrying transitions FAILED or TIMEOUT -> RETRYING, incrementing the
// retry count and stamping next-retry-at. The scheduler releases the task
// back to QUEUED once the delay elapses.
func (m *Machine) MarkRetrying(ctx context.Context, taskID string, from types.TaskStatus, nextRetryAt time.Time) (*types.Task, error) {
	task, err := m.transition(taskID, from, types.TaskStatusRetrying, func(t *types.Task) {
		t.RetryCount++
		t.NextRetryAt = &nextRetryAt
	}, nil)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventRetryScheduled, task, "")
	return task, nil
}

// MarkCancelled transitions any non-terminal status -> CANCELLED. For
// RUNNING tasks this is reached only when the worker observes the
// cooperative cancel flag at a checkpoint; pkg/queue sets the flag.
func (m *Machine) MarkCancelled(ctx context.Context, taskID string, from types.TaskStatus) (*types.Task, error) {
	task, err := m.transition(taskID, from, types.TaskStatusCancelled, func(t *types.Task) {
		now := m.now()
		t.CompletedAt = &now
	}, nil)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskCancelled, task, "")
	m.publishCompletion(ctx, task)
	return task, nil
}

// MarkSkipped resolves a condition-gated child as COMPLETED with the Skipped
// flag set, so downstream dependents see it as satisfied. Applies only to
// PENDING tasks; it is the one transition outside the table, reached solely
// through workflow condition gating.
func (m *Machine) MarkSkipped(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := m.store.UpdateTaskStatus(taskID, types.TaskStatusPending, func(t *types.Task) error {
		now := m.now()
		t.Status = types.TaskStatusCompleted
		t.Skipped = true
		t.CompletedAt = &now
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskSkipped, task, "")
	m.publishCompletion(ctx, task)
	return task, nil
}

// MarkParentFailed propagates a parent's terminal failure into a PENDING
// child. The propagation is transitive: the published FAILED completion
// drives the same path for the child's own dependents.
func (m *Machine) MarkParentFailed(ctx context.Context, childID, parentID string) (*types.Task, error) {
	reason := fmt.Sprintf("Parent task %s failed", parentID)
	task, err := m.store.UpdateTaskStatus(childID, types.TaskStatusPending, func(t *types.Task) error {
		now := m.now()
		t.Status = types.TaskStatusFailed
		t.FailedAt = &now
		t.Error = reason
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	m.mirror(ctx, task)
	m.publish(events.EventTaskFailed, task, reason)
	m.publishCompletion(ctx, task)
	return task, nil
}

// PublishTerminalFailure announces a FAILED task whose retry budget is spent.
// Called by the retry policy once the dead-letter decision is made.
func (m *Machine) PublishTerminalFailure(ctx context.Context, task *types.Task) {
	m.publishCompletion(ctx, task)
}

// transition applies a table-checked conditional status change
func (m *Machine) transition(taskID string, from, to types.TaskStatus, apply func(t *types.Task), record storage.RecordFunc) (*types.Task, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, types.ErrInvalidTransition)
	}
	task, err := m.store.UpdateTaskStatus(taskID, from, func(t *types.Task) error {
		t.Status = to
		apply(t)
		return nil
	}, record)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// attemptRecord builds the execution record appended when an attempt ends
func (m *Machine) attemptRecord(t *types.Task) *types.ExecutionRecord {
	started := t.CreatedAt
	if t.StartedAt != nil {
		started = *t.StartedAt
	}
	ended := m.now()
	return &types.ExecutionRecord{
		TaskID:    t.ID,
		Attempt:   t.RetryCount + 1,
		WorkerID:  t.WorkerID,
		StartedAt: started,
		EndedAt:   &ended,
		Outcome:   t.Status,
		Error:     t.Error,
	}
}

func (m *Machine) mirror(ctx context.Context, task *types.Task) {
	if err := m.broker.MirrorTask(ctx, task); err != nil {
		m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("mirror refresh failed")
	}
}

func (m *Machine) publish(eventType events.EventType, task *types.Task, msg string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:     eventType,
		TaskID:   task.ID,
		WorkerID: task.WorkerID,
		Message:  msg,
	})
}

func (m *Machine) publishCompletion(ctx context.Context, task *types.Task) {
	err := m.broker.PublishCompletion(ctx, types.Completion{
		TaskID: task.ID,
		Status: task.Status,
	})
	if err != nil {
		// Best-effort: subscribers recover by polling the store
		m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("completion publish failed")
	}
}
