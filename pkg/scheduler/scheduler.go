package scheduler

import (
	"context"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/controller"
	"github.com/conduitq/conduit/pkg/cron"
	"github.com/conduitq/conduit/pkg/election"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/metrics"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/conduitq/conduit/pkg/workflow"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scheduler promotes due tasks into the ready queues and expands recurring
// schedules. At most one instance per deployment is active; the coordinator
// keeps the others standby.
type Scheduler struct {
	store       storage.Store
	broker      *broker.Broker
	machine     *lifecycle.Machine
	controller  *controller.Controller
	coordinator *election.Coordinator
	engine      *workflow.Engine
	interval    time.Duration
	logger      zerolog.Logger
	stopCh      chan struct{}
	now         func() time.Time
}

// New creates a scheduler. coordinator may be nil for standalone
// deployments; engine may be nil when no workflow engine runs in-process.
func New(store storage.Store, b *broker.Broker, machine *lifecycle.Machine, ctrl *controller.Controller, coord *election.Coordinator, engine *workflow.Engine, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:       store,
		broker:      b,
		machine:     machine,
		controller:  ctrl,
		coordinator: coord,
		engine:      engine,
		interval:    interval,
		logger:      log.WithComponent("scheduler"),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Run polls until Stop or ctx cancellation. Standby instances tick but do
// nothing until they win leadership.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.coordinator.IsLeader() {
				metrics.SchedulerLeader.Set(0)
				continue
			}
			metrics.SchedulerLeader.Set(1)
			s.Tick(ctx)
		}
	}
}

// Stop halts the poll loop
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Tick runs one scheduling pass: promote due tasks from the fabric's
// scheduled set, recover any the fabric lost from the store, sweep orphans,
// and re-evaluate stalled workflow dependents. Single-task failures are
// logged and retried next pass.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	due, err := s.broker.Due(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled set read failed")
	}
	for _, taskID := range due {
		if err := s.promote(ctx, taskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("promotion failed")
		}
	}

	s.promoteStranded(ctx, now)

	if s.controller != nil {
		if recovered, err := s.controller.SweepOrphans(ctx); err != nil {
			s.logger.Error().Err(err).Msg("orphan sweep failed")
		} else if recovered > 0 {
			metrics.OrphansRecovered.Add(float64(recovered))
			s.logger.Info().Int("recovered", recovered).Msg("orphan sweep recovered tasks")
		}
	}

	if s.engine != nil {
		if advanced, err := s.engine.SweepPending(ctx); err != nil {
			s.logger.Error().Err(err).Msg("pending sweep failed")
		} else if advanced > 0 {
			s.logger.Info().Int("advanced", advanced).Msg("pending sweep advanced dependents")
		}
	}

	metrics.SchedulerCycles.Inc()
}

// promote releases one due task into its priority queue under a conditional
// transition, so a concurrent pass cannot double-release it
func (s *Scheduler) promote(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		// Fabric entry without a store row; drop it
		if unscheduleErr := s.broker.Unschedule(ctx, taskID); unscheduleErr != nil {
			s.logger.Warn().Err(unscheduleErr).Str("task_id", taskID).Msg("unschedule failed")
		}
		return err
	}

	switch task.Status {
	case types.TaskStatusPending, types.TaskStatusRetrying:
		if _, err := s.machine.MarkQueued(ctx, taskID, task.Status); err != nil {
			return err
		}
		if err := s.broker.Enqueue(ctx, taskID, task.Priority); err != nil {
			return err
		}
		s.logger.Debug().
			Str("task_id", taskID).
			Int("priority", task.Priority).
			Msg("task promoted")
	default:
		// Cancelled or otherwise resolved while waiting; just drop the entry
	}

	if err := s.broker.Unschedule(ctx, taskID); err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("unschedule failed")
	}

	if task.Recurring && task.CronExpr != "" && task.Status != types.TaskStatusCancelled {
		if err := s.expandRecurring(ctx, task); err != nil {
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("recurrence expansion failed")
		}
	}
	return nil
}

// promoteStranded recovers RETRYING and scheduled PENDING tasks whose
// fabric entry was lost, e.g. a schedule write that failed after the store
// transition committed
func (s *Scheduler) promoteStranded(ctx context.Context, now time.Time) {
	retrying, err := s.store.ListTasksByStatus(types.TaskStatusRetrying)
	if err != nil {
		s.logger.Error().Err(err).Msg("stranded scan failed")
		return
	}
	for _, task := range retrying {
		if task.NextRetryAt == nil || task.NextRetryAt.After(now) {
			continue
		}
		if _, err := s.machine.MarkQueued(ctx, task.ID, types.TaskStatusRetrying); err != nil {
			continue
		}
		if err := s.broker.Enqueue(ctx, task.ID, task.Priority); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("stranded enqueue failed")
		}
		if err := s.broker.Unschedule(ctx, task.ID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("unschedule failed")
		}
	}
}

// expandRecurring mints the next instance of a recurring schedule: a new
// task id, the same descriptor, scheduled at the next cron occurrence. The
// replicated watermark keeps a fresh leader from re-expanding occurrences
// the previous one already minted.
func (s *Scheduler) expandRecurring(ctx context.Context, task *types.Task) error {
	key := scheduleKey(task)
	base := s.now()
	if mark, ok := s.coordinator.Watermark(key); ok && mark.After(base) {
		base = mark
	}

	next, err := cron.Next(task.CronExpr, base)
	if err != nil {
		return err
	}
	if mark, ok := s.coordinator.Watermark(key); ok && !next.After(mark) {
		return nil
	}

	now := s.now()
	instance := &types.Task{
		ID:               uuid.New().String(),
		Name:             task.Name,
		Args:             task.Args,
		Kwargs:           task.Kwargs,
		Priority:         task.Priority,
		ScheduledAt:      &next,
		CronExpr:         task.CronExpr,
		Recurring:        true,
		MaxRetries:       task.MaxRetries,
		Strategy:         task.Strategy,
		BackoffBase:      task.BackoffBase,
		BackoffIncrement: task.BackoffIncrement,
		MaxBackoff:       task.MaxBackoff,
		TimeoutSeconds:   task.TimeoutSeconds,
		Status:           types.TaskStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateTask(instance); err != nil {
		return err
	}
	if err := s.broker.Schedule(ctx, instance.ID, next); err != nil {
		// The stranded scan cannot see future PENDING tasks, so surface this
		s.logger.Error().Err(err).Str("task_id", instance.ID).Msg("instance schedule failed")
	}
	if err := s.coordinator.Advance(key, next); err != nil {
		s.logger.Warn().Err(err).Str("schedule", key).Msg("watermark advance failed")
	}

	s.logger.Info().
		Str("schedule", key).
		Str("task_id", instance.ID).
		Time("next", next).
		Msg("recurrence expanded")
	return nil
}

// scheduleKey identifies a recurring schedule across its minted instances.
// Instances share the descriptor name and expression; the watermark rides
// that identity.
func scheduleKey(task *types.Task) string {
	return task.Name + "|" + task.CronExpr
}
