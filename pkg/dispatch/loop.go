package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/controller"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/metrics"
	"github.com/conduitq/conduit/pkg/retry"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/rs/zerolog"
)

const (
	claimTimeout = 5 * time.Second
	statePoll    = 2 * time.Second
	timeoutGrace = 5 * time.Second
)

// Loop is one claim slot of a worker: claim, execute, report, repeat. A
// worker runs capacity loops concurrently; each loop is single-threaded.
type Loop struct {
	workerID   string
	store      storage.Store
	broker     *broker.Broker
	machine    *lifecycle.Machine
	policy     *retry.Policy
	controller *controller.Controller
	registry   *Registry
	env        *Env
	logger     zerolog.Logger
}

// NewLoop creates one dispatch loop for a registered worker
func NewLoop(workerID string, store storage.Store, b *broker.Broker, machine *lifecycle.Machine, policy *retry.Policy, ctrl *controller.Controller, registry *Registry, env *Env) *Loop {
	return &Loop{
		workerID:   workerID,
		store:      store,
		broker:     b,
		machine:    machine,
		policy:     policy,
		controller: ctrl,
		registry:   registry,
		env:        env,
		logger:     log.WithComponent("dispatch").With().Str("worker_id", workerID).Logger(),
	}
}

// Run claims and executes tasks until ctx is cancelled. Cancellation is
// drain-shaped: an in-flight attempt finishes before the loop exits.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		flags, err := l.broker.WorkerFlags(ctx, l.workerID)
		if err != nil {
			l.logger.Warn().Err(err).Msg("flag read failed")
			l.sleep(ctx, statePoll)
			continue
		}
		if flags.Paused || flags.Draining {
			l.sleep(ctx, statePoll)
			continue
		}

		worker, err := l.store.GetWorker(l.workerID)
		if err != nil {
			l.logger.Warn().Err(err).Msg("worker read failed")
			l.sleep(ctx, statePoll)
			continue
		}
		if worker.CurrentLoad >= worker.Capacity {
			l.sleep(ctx, statePoll)
			continue
		}

		taskID, err := l.broker.Dequeue(ctx, types.Bands, claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn().Err(err).Msg("dequeue failed")
			l.sleep(ctx, statePoll)
			continue
		}
		if taskID == "" {
			continue
		}

		l.execute(ctx, taskID, flags.TimeoutSeconds)
	}
}

// execute runs one claimed attempt end to end
func (l *Loop) execute(ctx context.Context, taskID string, defaultTimeout int) {
	task, err := l.machine.MarkRunning(ctx, taskID, l.workerID)
	if err != nil {
		// Another worker won the claim race, or the task was cancelled
		// between enqueue and claim
		l.logger.Debug().Err(err).Str("task_id", taskID).Msg("claim discarded")
		return
	}

	if err := l.controller.IncrementLoad(ctx, l.workerID); err != nil {
		l.logger.Warn().Err(err).Msg("load increment failed")
	}
	defer func() {
		if err := l.controller.DecrementLoad(ctx, l.workerID); err != nil {
			l.logger.Warn().Err(err).Msg("load decrement failed")
		}
	}()

	handler, ok := l.registry.Lookup(task.Name)
	if !ok {
		l.resolveFailure(ctx, task, types.NewHandlerError(types.ErrClassInvalidInput, "no handler registered for %q", task.Name))
		return
	}

	timeoutSeconds := task.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = defaultTimeout
	}
	timeout := time.Duration(timeoutSeconds) * time.Second

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	attemptCtx = WithEnv(attemptCtx, l.env)
	attemptCtx = withAttempt(attemptCtx, task.ID, l.broker)

	l.logger.Info().
		Str("task_id", task.ID).
		Str("name", task.Name).
		Int("attempt", task.RetryCount+1).
		Dur("timeout", timeout).
		Msg("attempt started")

	started := time.Now()
	result, err := l.invoke(attemptCtx, handler, task, timeout)
	metrics.AttemptDuration.WithLabelValues(task.Name).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		metrics.AttemptsTotal.WithLabelValues("completed").Inc()
		if _, markErr := l.machine.MarkCompleted(ctx, task.ID, result); markErr != nil {
			l.logger.Error().Err(markErr).Str("task_id", task.ID).Msg("completion transition failed")
			return
		}
		l.logger.Info().Str("task_id", task.ID).Msg("attempt completed")

	case errors.Is(err, ErrCancelRequested):
		metrics.AttemptsTotal.WithLabelValues("cancelled").Inc()
		if _, markErr := l.machine.MarkCancelled(ctx, task.ID, types.TaskStatusRunning); markErr != nil {
			l.logger.Error().Err(markErr).Str("task_id", task.ID).Msg("cancel transition failed")
		}
		l.logger.Info().Str("task_id", task.ID).Msg("attempt cancelled at checkpoint")

	case errors.Is(err, context.DeadlineExceeded):
		metrics.AttemptsTotal.WithLabelValues("timeout").Inc()
		msg := fmt.Sprintf("attempt exceeded %s", timeout)
		timedOut, markErr := l.machine.MarkTimeout(ctx, task.ID, msg)
		if markErr != nil {
			l.logger.Error().Err(markErr).Str("task_id", task.ID).Msg("timeout transition failed")
			return
		}
		if err := l.policy.HandleFailure(ctx, timedOut, types.ErrClassTimeout); err != nil {
			l.logger.Error().Err(err).Str("task_id", task.ID).Msg("retry routing failed")
		}

	default:
		metrics.AttemptsTotal.WithLabelValues("failed").Inc()
		l.resolveFailure(ctx, task, err)
	}
}

// invoke runs the handler with panic recovery, bounded by the attempt
// deadline plus a grace period for handlers that ignore their context
func (l *Loop) invoke(ctx context.Context, handler Handler, task *types.Task, timeout time.Duration) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().
					Str("task_id", task.ID).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("handler panicked")
				done <- outcome{err: types.NewHandlerError(types.ErrClassHandler, "handler panicked: %v", r)}
			}
		}()
		result, err := handler(ctx, task)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout + timeoutGrace)
	defer timer.Stop()
	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return o.result, o.err
	case <-timer.C:
		// Handler ignored its deadline; synthesize the timeout and leave the
		// goroutine to finish into a buffered channel
		return nil, context.DeadlineExceeded
	}
}

// resolveFailure records a failed attempt and routes it through the retry
// policy
func (l *Loop) resolveFailure(ctx context.Context, task *types.Task, handlerErr error) {
	failed, err := l.machine.MarkFailed(ctx, task.ID, handlerErr.Error())
	if err != nil {
		l.logger.Error().Err(err).Str("task_id", task.ID).Msg("failure transition failed")
		return
	}
	class := types.ClassOf(handlerErr)
	l.logger.Warn().
		Str("task_id", task.ID).
		Str("error_class", string(class)).
		Str("error", handlerErr.Error()).
		Msg("attempt failed")
	if err := l.policy.HandleFailure(ctx, failed, class); err != nil {
		l.logger.Error().Err(err).Str("task_id", task.ID).Msg("retry routing failed")
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Pool runs a worker's full dispatch plane: capacity claim loops plus the
// heartbeat ticker
type Pool struct {
	workerID   string
	capacity   int
	interval   time.Duration
	controller *controller.Controller
	loop       *Loop
	logger     zerolog.Logger
}

// NewPool creates a dispatch pool for a registered worker. interval is the
// heartbeat cadence.
func NewPool(workerID string, capacity int, interval time.Duration, ctrl *controller.Controller, loop *Loop) *Pool {
	return &Pool{
		workerID:   workerID,
		capacity:   capacity,
		interval:   interval,
		controller: ctrl,
		loop:       loop,
		logger:     log.WithComponent("dispatch").With().Str("worker_id", workerID).Logger(),
	}
}

// Run blocks until ctx is cancelled and every slot has drained
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(ctx)
	}()

	p.logger.Info().Int("slots", p.capacity).Msg("dispatch pool started")
	for i := 0; i < p.capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop.Run(ctx)
		}()
	}

	wg.Wait()
	p.logger.Info().Msg("dispatch pool drained")
}

func (p *Pool) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.controller.Heartbeat(ctx, p.workerID); err != nil {
				p.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}
