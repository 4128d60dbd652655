package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/conduitq/conduit/pkg/breaker"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/cron"
	"github.com/conduitq/conduit/pkg/events"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/retry"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/conduitq/conduit/pkg/workflow"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const submitResource = "submit"

// Defaults fills descriptor fields the submitter omitted
type Defaults struct {
	Priority       int
	MaxRetries     int
	BackoffBase    int
	MaxBackoff     int
	TimeoutSeconds int
}

// Request is a task submission descriptor
type Request struct {
	Name             string
	Args             []any
	Kwargs           map[string]any
	Priority         int
	ScheduledAt      *time.Time
	CronExpr         string
	Recurring        bool
	MaxRetries       *int
	Strategy         types.RetryStrategy
	BackoffBase      int
	BackoffIncrement int
	MaxBackoff       int
	TimeoutSeconds   int
}

// Service is the submission facade: validation, admission, persistence, and
// routing into the ready queues or the scheduled set
type Service struct {
	store    storage.Store
	broker   *broker.Broker
	machine  *lifecycle.Machine
	events   *events.Broker
	limiter  *breaker.Limiter
	defaults Defaults
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a queue service. limiter may be nil for uncapped admission.
func New(store storage.Store, b *broker.Broker, machine *lifecycle.Machine, ev *events.Broker, limiter *breaker.Limiter, defaults Defaults) *Service {
	return &Service{
		store:    store,
		broker:   b,
		machine:  machine,
		events:   ev,
		limiter:  limiter,
		defaults: defaults,
		logger:   log.WithComponent("queue"),
		now:      time.Now,
	}
}

// Submit validates and persists a task, then enqueues it immediately or
// parks it in the scheduled set
func (s *Service) Submit(ctx context.Context, req *Request) (*types.Task, error) {
	if err := s.limiter.Allow(ctx, submitResource); err != nil {
		return nil, err
	}

	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(task); err != nil {
		return nil, err
	}
	s.publish(events.EventTaskSubmitted, task.ID)

	if task.ScheduledAt != nil && task.ScheduledAt.After(s.now()) {
		if err := s.broker.Schedule(ctx, task.ID, *task.ScheduledAt); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("task_id", task.ID).
			Str("name", task.Name).
			Time("scheduled_at", *task.ScheduledAt).
			Msg("task scheduled")
		return task, nil
	}

	if _, err := s.machine.MarkQueued(ctx, task.ID, types.TaskStatusPending); err != nil {
		return nil, err
	}
	if err := s.broker.Enqueue(ctx, task.ID, task.Priority); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("task_id", task.ID).
		Str("name", task.Name).
		Int("priority", task.Priority).
		Msg("task submitted")
	return task, nil
}

// buildTask validates the descriptor and mints the task row
func (s *Service) buildTask(req *Request) (*types.Task, error) {
	if req.Name == "" || len(req.Name) > types.NameMaxLength {
		return nil, fmt.Errorf("task name must be 1-%d chars: %w", types.NameMaxLength, types.ErrInvalidTask)
	}

	priority := req.Priority
	if priority == 0 {
		priority = s.defaults.Priority
	}
	if priority < types.PriorityMin || priority > types.PriorityMax {
		return nil, fmt.Errorf("priority %d outside [%d..%d]: %w", priority, types.PriorityMin, types.PriorityMax, types.ErrInvalidTask)
	}

	maxRetries := s.defaults.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 || maxRetries > types.MaxRetriesCeiling {
		return nil, fmt.Errorf("max retries %d outside [0..%d]: %w", maxRetries, types.MaxRetriesCeiling, types.ErrInvalidTask)
	}

	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = s.defaults.TimeoutSeconds
	}
	if timeoutSeconds < types.TimeoutMinSeconds || timeoutSeconds > types.TimeoutMaxSeconds {
		return nil, fmt.Errorf("timeout %ds outside [%d..%d]: %w", timeoutSeconds, types.TimeoutMinSeconds, types.TimeoutMaxSeconds, types.ErrInvalidTask)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = types.RetryExponential
	}
	switch strategy {
	case types.RetryImmediate, types.RetryLinear, types.RetryExponential:
	case types.RetryCustom:
		name, _ := req.Kwargs["retry_strategy_name"].(string)
		if !retry.HasStrategy(name) {
			return nil, fmt.Errorf("custom retry strategy %q not registered: %w", name, types.ErrInvalidTask)
		}
	default:
		return nil, fmt.Errorf("unknown retry strategy %q: %w", strategy, types.ErrInvalidTask)
	}

	if req.CronExpr != "" {
		if err := cron.Validate(req.CronExpr); err != nil {
			return nil, err
		}
	}
	if req.Recurring && req.CronExpr == "" {
		return nil, fmt.Errorf("recurring task without cron expression: %w", types.ErrInvalidTask)
	}

	backoffBase := req.BackoffBase
	if backoffBase == 0 {
		backoffBase = s.defaults.BackoffBase
	}
	maxBackoff := req.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = s.defaults.MaxBackoff
	}

	now := s.now()
	scheduledAt := req.ScheduledAt
	if req.Recurring && scheduledAt == nil {
		next, err := cron.Next(req.CronExpr, now)
		if err != nil {
			return nil, err
		}
		scheduledAt = &next
	}

	return &types.Task{
		ID:               uuid.New().String(),
		Name:             req.Name,
		Args:             req.Args,
		Kwargs:           req.Kwargs,
		Priority:         priority,
		ScheduledAt:      scheduledAt,
		CronExpr:         req.CronExpr,
		Recurring:        req.Recurring,
		MaxRetries:       maxRetries,
		Strategy:         strategy,
		BackoffBase:      backoffBase,
		BackoffIncrement: req.BackoffIncrement,
		MaxBackoff:       maxBackoff,
		TimeoutSeconds:   timeoutSeconds,
		Status:           types.TaskStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// SubmitWorkflow validates, persists, and starts a workflow atomically:
// either the whole graph lands or nothing does. Root tasks are enqueued
// immediately.
func (s *Service) SubmitWorkflow(ctx context.Context, spec *workflow.Spec) (*workflow.Graph, error) {
	// Each node passes the same validation and defaulting as a standalone
	// submission; one bad node rejects the whole graph before anything
	// persists
	for i := range spec.Tasks {
		ts := &spec.Tasks[i]
		validated, err := s.buildTask(&Request{
			Name:           ts.Name,
			Args:           ts.Args,
			Kwargs:         ts.Kwargs,
			Priority:       ts.Priority,
			MaxRetries:     ts.MaxRetries,
			Strategy:       ts.Strategy,
			BackoffBase:    ts.BackoffBase,
			MaxBackoff:     ts.MaxBackoff,
			TimeoutSeconds: ts.TimeoutSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("workflow task %q: %w", ts.Name, err)
		}
		ts.Priority = validated.Priority
		ts.MaxRetries = &validated.MaxRetries
		ts.Strategy = validated.Strategy
		ts.BackoffBase = validated.BackoffBase
		ts.MaxBackoff = validated.MaxBackoff
		ts.TimeoutSeconds = validated.TimeoutSeconds
	}

	graph, err := workflow.Build(spec)
	if err != nil {
		return nil, err
	}
	if err := s.store.SubmitWorkflow(graph.Workflow, graph.Tasks, graph.Dependencies); err != nil {
		return nil, err
	}
	s.publish(events.EventWorkflowSubmitted, graph.Workflow.ID)

	for _, root := range graph.Roots() {
		if _, err := s.machine.MarkQueued(ctx, root.ID, types.TaskStatusPending); err != nil {
			s.logger.Error().Err(err).Str("task_id", root.ID).Msg("root release failed")
			continue
		}
		if err := s.broker.Enqueue(ctx, root.ID, root.Priority); err != nil {
			s.logger.Error().Err(err).Str("task_id", root.ID).Msg("root enqueue failed")
		}
	}

	s.logger.Info().
		Str("workflow_id", graph.Workflow.ID).
		Str("name", graph.Workflow.Name).
		Int("tasks", len(graph.Tasks)).
		Msg("workflow submitted")
	return graph, nil
}

// Cancel resolves a task as CANCELLED. Waiting tasks cancel immediately; a
// RUNNING task gets the cooperative flag and cancels at the worker's next
// checkpoint, or at its natural end. Returns the status after the call.
func (s *Service) Cancel(ctx context.Context, taskID string) (types.TaskStatus, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return "", err
	}

	switch task.Status {
	case types.TaskStatusCompleted, types.TaskStatusCancelled:
		return task.Status, nil

	case types.TaskStatusRunning:
		if err := s.broker.SetCancelRequested(ctx, taskID); err != nil {
			return task.Status, err
		}
		s.logger.Info().Str("task_id", taskID).Msg("cooperative cancel requested")
		return types.TaskStatusRunning, nil

	default:
		cancelled, err := s.machine.MarkCancelled(ctx, taskID, task.Status)
		if err != nil {
			return task.Status, err
		}
		if err := s.broker.RemoveQueued(ctx, taskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("queue removal failed")
		}
		if err := s.broker.Unschedule(ctx, taskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("unschedule failed")
		}
		s.logger.Info().Str("task_id", taskID).Msg("task cancelled")
		return cancelled.Status, nil
	}
}

// RequeueDLQ resurrects a dead-lettered task as a fresh instance: new id,
// original descriptor, zeroed attempt counters. The DLQ entry is removed
// only after the new task is safely enqueued.
func (s *Service) RequeueDLQ(ctx context.Context, taskID string) (*types.Task, error) {
	entry, err := s.store.GetDLQEntry(taskID)
	if err != nil {
		return nil, err
	}
	descriptor := entry.Descriptor
	if descriptor == nil {
		return nil, fmt.Errorf("dlq entry %s has no descriptor: %w", taskID, types.ErrNotFound)
	}

	now := s.now()
	task := &types.Task{
		ID:               uuid.New().String(),
		Name:             descriptor.Name,
		Args:             descriptor.Args,
		Kwargs:           descriptor.Kwargs,
		Priority:         descriptor.Priority,
		MaxRetries:       descriptor.MaxRetries,
		Strategy:         descriptor.Strategy,
		BackoffBase:      descriptor.BackoffBase,
		BackoffIncrement: descriptor.BackoffIncrement,
		MaxBackoff:       descriptor.MaxBackoff,
		TimeoutSeconds:   descriptor.TimeoutSeconds,
		Status:           types.TaskStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateTask(task); err != nil {
		return nil, err
	}
	if _, err := s.machine.MarkQueued(ctx, task.ID, types.TaskStatusPending); err != nil {
		return nil, err
	}
	if err := s.broker.Enqueue(ctx, task.ID, task.Priority); err != nil {
		return nil, err
	}

	if err := s.store.RemoveDLQEntry(taskID); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("dlq store removal failed")
	}
	if err := s.broker.RemoveDLQ(ctx, taskID); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("dlq fabric removal failed")
	}

	s.logger.Info().
		Str("dlq_task_id", taskID).
		Str("task_id", task.ID).
		Msg("dead-lettered task requeued")
	return task, nil
}

// DiscardDLQ drops a dead-letter entry without resurrecting the task.
// Removal is always explicit; the DLQ never loses entries silently. The
// task row is tombstoned so listings stop reporting it while direct reads
// keep working.
func (s *Service) DiscardDLQ(ctx context.Context, taskID string) error {
	if _, err := s.store.GetDLQEntry(taskID); err != nil {
		return err
	}
	if err := s.store.RemoveDLQEntry(taskID); err != nil {
		return err
	}
	if err := s.broker.RemoveDLQ(ctx, taskID); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("dlq fabric removal failed")
	}
	if task, err := s.store.GetTask(taskID); err == nil {
		task.Tombstoned = true
		if err := s.store.UpdateTask(task); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("tombstone failed")
		}
	}
	s.logger.Info().Str("task_id", taskID).Msg("dead-letter entry discarded")
	return nil
}

func (s *Service) publish(eventType events.EventType, id string) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{Type: eventType, TaskID: id})
}
