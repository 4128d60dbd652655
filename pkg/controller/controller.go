package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/events"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/retry"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Controller manages worker registrations, liveness, and orphan recovery
type Controller struct {
	store       storage.Store
	broker      *broker.Broker
	machine     *lifecycle.Machine
	policy      *retry.Policy
	events      *events.Broker
	deadTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates a worker controller. deadTimeout is the heartbeat age past
// which a worker counts as expired.
func New(store storage.Store, b *broker.Broker, machine *lifecycle.Machine, policy *retry.Policy, ev *events.Broker, deadTimeout time.Duration) *Controller {
	return &Controller{
		store:       store,
		broker:      b,
		machine:     machine,
		policy:      policy,
		events:      ev,
		deadTimeout: deadTimeout,
		logger:      log.WithComponent("controller"),
		now:         time.Now,
	}
}

// Register creates a worker registration and publishes its control flags to
// the fabric
func (c *Controller) Register(ctx context.Context, hostname string, capacity, timeoutSeconds int) (*types.Worker, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("capacity %d: %w", capacity, types.ErrInvalidTask)
	}
	now := c.now()
	worker := &types.Worker{
		ID:             uuid.New().String(),
		Hostname:       hostname,
		Capacity:       capacity,
		Status:         types.WorkerStatusActive,
		TimeoutSeconds: timeoutSeconds,
		LastHeartbeat:  now,
		CreatedAt:      now,
	}
	if err := c.store.CreateWorker(worker); err != nil {
		return nil, err
	}
	if err := c.syncFlags(ctx, worker); err != nil {
		c.logger.Warn().Err(err).Str("worker_id", worker.ID).Msg("flag publish failed")
	}
	c.publish(events.EventWorkerRegistered, worker.ID, hostname)
	c.logger.Info().
		Str("worker_id", worker.ID).
		Str("hostname", hostname).
		Int("capacity", capacity).
		Msg("worker registered")
	return worker, nil
}

// Heartbeat refreshes a worker's liveness stamp. DEAD workers must
// re-register; their heartbeats are rejected.
func (c *Controller) Heartbeat(ctx context.Context, workerID string) error {
	worker, err := c.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if worker.Status == types.WorkerStatusDead {
		return fmt.Errorf("worker %s is dead, re-register: %w", workerID, types.ErrNotFound)
	}
	worker.LastHeartbeat = c.now()
	return c.store.UpdateWorker(worker)
}

// Pause keeps a worker's current assignments but blocks new claims
func (c *Controller) Pause(ctx context.Context, workerID string) error {
	return c.setStatus(ctx, workerID, types.WorkerStatusPaused)
}

// Resume returns a paused worker to claiming
func (c *Controller) Resume(ctx context.Context, workerID string) error {
	return c.setStatus(ctx, workerID, types.WorkerStatusActive)
}

// Drain blocks new claims and lets current work finish; the worker goes DEAD
// when its load reaches zero
func (c *Controller) Drain(ctx context.Context, workerID string) error {
	worker, err := c.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if worker.CurrentLoad == 0 {
		worker.Status = types.WorkerStatusDead
	} else {
		worker.Status = types.WorkerStatusDraining
	}
	if err := c.store.UpdateWorker(worker); err != nil {
		return err
	}
	if worker.Status == types.WorkerStatusDead {
		if err := c.broker.RemoveWorkerFlags(ctx, workerID); err != nil {
			c.logger.Warn().Err(err).Str("worker_id", workerID).Msg("flag removal failed")
		}
		c.publish(events.EventWorkerDead, workerID, "drained")
	} else {
		if err := c.syncFlags(ctx, worker); err != nil {
			c.logger.Warn().Err(err).Str("worker_id", workerID).Msg("flag publish failed")
		}
		c.publish(events.EventWorkerDraining, workerID, "")
	}
	c.logger.Info().Str("worker_id", workerID).Str("status", string(worker.Status)).Msg("worker draining")
	return nil
}

// Terminate removes a worker registration administratively. Its RUNNING
// tasks are recovered first; once the row is gone the sweep cannot see them.
func (c *Controller) Terminate(ctx context.Context, workerID string) error {
	if _, err := c.store.GetWorker(workerID); err != nil {
		return err
	}
	recovered, err := c.recoverTasks(ctx, workerID)
	if err != nil {
		c.logger.Error().Err(err).Str("worker_id", workerID).Msg("orphan recovery incomplete")
	}
	if recovered > 0 {
		c.logger.Info().Str("worker_id", workerID).Int("recovered", recovered).Msg("terminated worker tasks recovered")
	}
	if err := c.store.DeleteWorker(workerID); err != nil {
		return err
	}
	if err := c.broker.RemoveWorkerFlags(ctx, workerID); err != nil {
		c.logger.Warn().Err(err).Str("worker_id", workerID).Msg("flag removal failed")
	}
	c.publish(events.EventWorkerDead, workerID, "terminated")
	return nil
}

// UpdateCapacity changes a worker's claim ceiling. The new capacity may not
// undercut the current load.
func (c *Controller) UpdateCapacity(ctx context.Context, workerID string, capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("capacity %d: %w", capacity, types.ErrInvalidTask)
	}
	worker, err := c.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if capacity < worker.CurrentLoad {
		return fmt.Errorf("capacity %d below current load %d: %w", capacity, worker.CurrentLoad, types.ErrCapacityExceeded)
	}
	worker.Capacity = capacity
	if err := c.store.UpdateWorker(worker); err != nil {
		return err
	}
	return c.syncFlags(ctx, worker)
}

// UpdateTimeout changes a worker's default per-attempt timeout
func (c *Controller) UpdateTimeout(ctx context.Context, workerID string, timeoutSeconds int) error {
	if timeoutSeconds < types.TimeoutMinSeconds || timeoutSeconds > types.TimeoutMaxSeconds {
		return fmt.Errorf("timeout %ds out of range: %w", timeoutSeconds, types.ErrInvalidTask)
	}
	worker, err := c.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	worker.TimeoutSeconds = timeoutSeconds
	if err := c.store.UpdateWorker(worker); err != nil {
		return err
	}
	return c.syncFlags(ctx, worker)
}

// IncrementLoad records a claim against the worker's capacity
func (c *Controller) IncrementLoad(ctx context.Context, workerID string) error {
	worker, err := c.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if worker.CurrentLoad >= worker.Capacity {
		return fmt.Errorf("worker %s at capacity %d: %w", workerID, worker.Capacity, types.ErrCapacityExceeded)
	}
	worker.CurrentLoad++
	return c.store.UpdateWorker(worker)
}

// DecrementLoad releases one claim. A draining worker whose load reaches
// zero goes DEAD.
func (c *Controller) DecrementLoad(ctx context.Context, workerID string) error {
	worker, err := c.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if worker.CurrentLoad > 0 {
		worker.CurrentLoad--
	}
	if worker.Status == types.WorkerStatusDraining && worker.CurrentLoad == 0 {
		worker.Status = types.WorkerStatusDead
		if err := c.broker.RemoveWorkerFlags(ctx, workerID); err != nil {
			c.logger.Warn().Err(err).Str("worker_id", workerID).Msg("flag removal failed")
		}
		c.publish(events.EventWorkerDead, workerID, "drain complete")
		c.logger.Info().Str("worker_id", workerID).Msg("drain complete, worker dead")
	}
	return c.store.UpdateWorker(worker)
}

// EffectiveStatus derives the reported status: an ACTIVE worker with no load
// reads as IDLE
func EffectiveStatus(w *types.Worker) types.WorkerStatus {
	if w.Status == types.WorkerStatusActive && w.CurrentLoad == 0 {
		return types.WorkerStatusIdle
	}
	return w.Status
}

// SweepOrphans expires silent workers and recovers their in-flight tasks.
// Expired ACTIVE/DRAINING workers go DEAD; each of their RUNNING tasks is
// failed with "worker expired" and handed to the retry policy. Returns the
// number of recovered tasks.
func (c *Controller) SweepOrphans(ctx context.Context) (int, error) {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return 0, err
	}

	cutoff := c.now().Add(-c.deadTimeout)
	recovered := 0
	for _, worker := range workers {
		switch worker.Status {
		case types.WorkerStatusActive, types.WorkerStatusDraining:
		default:
			continue
		}
		if !worker.LastHeartbeat.Before(cutoff) {
			continue
		}

		worker.Status = types.WorkerStatusDead
		worker.CurrentLoad = 0
		if err := c.store.UpdateWorker(worker); err != nil {
			c.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("expire failed")
			continue
		}
		if err := c.broker.RemoveWorkerFlags(ctx, worker.ID); err != nil {
			c.logger.Warn().Err(err).Str("worker_id", worker.ID).Msg("flag removal failed")
		}
		c.publish(events.EventWorkerDead, worker.ID, "heartbeat expired")
		c.logger.Warn().
			Str("worker_id", worker.ID).
			Time("last_heartbeat", worker.LastHeartbeat).
			Msg("worker expired")

		n, err := c.recoverTasks(ctx, worker.ID)
		if err != nil {
			c.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("orphan recovery incomplete")
		}
		recovered += n
	}
	return recovered, nil
}

// recoverTasks fails every RUNNING task bound to a dead worker and routes
// each through the retry policy
func (c *Controller) recoverTasks(ctx context.Context, workerID string) (int, error) {
	tasks, err := c.store.ListTasksByWorker(workerID)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range tasks {
		if task.Status != types.TaskStatusRunning {
			continue
		}
		failed, err := c.machine.MarkFailed(ctx, task.ID, "worker expired")
		if err != nil {
			// Raced with a late outcome report; the store view wins
			c.logger.Warn().Err(err).Str("task_id", task.ID).Msg("orphan transition lost")
			continue
		}
		if err := c.policy.HandleFailure(ctx, failed, types.ErrClassTransient); err != nil {
			c.logger.Error().Err(err).Str("task_id", task.ID).Msg("orphan retry routing failed")
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (c *Controller) setStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	worker, err := c.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if worker.Status == types.WorkerStatusDead {
		return fmt.Errorf("worker %s is dead: %w", workerID, types.ErrNotFound)
	}
	worker.Status = status
	if err := c.store.UpdateWorker(worker); err != nil {
		return err
	}
	return c.syncFlags(ctx, worker)
}

// syncFlags mirrors the worker's control state into the fabric
func (c *Controller) syncFlags(ctx context.Context, worker *types.Worker) error {
	return c.broker.SetWorkerFlags(ctx, worker.ID, broker.WorkerFlags{
		Paused:         worker.Status == types.WorkerStatusPaused,
		Draining:       worker.Status == types.WorkerStatusDraining,
		Capacity:       worker.Capacity,
		TimeoutSeconds: worker.TimeoutSeconds,
	})
}

func (c *Controller) publish(eventType events.EventType, workerID, msg string) {
	if c.events == nil {
		return
	}
	c.events.Publish(&events.Event{
		Type:     eventType,
		WorkerID: workerID,
		Message:  msg,
	})
}
