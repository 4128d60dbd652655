package retry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/events"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/metrics"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/rs/zerolog"
)

// DelayFunc computes the next-attempt delay from the retry count and the
// task's backoff parameters. base, increment and max are in seconds.
type DelayFunc func(retryCount, base, increment, max int) time.Duration

var (
	strategiesMu sync.RWMutex
	strategies   = map[string]DelayFunc{}
)

// RegisterStrategy installs a named custom delay computation. Tasks carrying
// retry-strategy "custom" name the computation in kwargs under
// "retry_strategy_name"; submission rejects the task unless the name is
// registered here first.
func RegisterStrategy(name string, fn DelayFunc) {
	strategiesMu.Lock()
	defer strategiesMu.Unlock()
	strategies[name] = fn
}

// HasStrategy reports whether a named custom computation is registered
func HasStrategy(name string) bool {
	strategiesMu.RLock()
	defer strategiesMu.RUnlock()
	_, ok := strategies[name]
	return ok
}

// CustomStrategyName extracts the named computation from a custom-strategy
// task's kwargs
func CustomStrategyName(task *types.Task) string {
	name, _ := task.Kwargs["retry_strategy_name"].(string)
	return name
}

// Delay computes the next-attempt delay for the task's current retry count
func Delay(task *types.Task) time.Duration {
	base, increment, max := task.BackoffBase, task.BackoffIncrement, task.MaxBackoff

	switch task.Strategy {
	case types.RetryImmediate:
		return 0
	case types.RetryLinear:
		return capSeconds(base+task.RetryCount*increment, max)
	case types.RetryExponential:
		// Guard the shift: past ~30 doublings the cap always wins
		exp := task.RetryCount
		if exp > 30 {
			exp = 30
		}
		return capSeconds(base*int(math.Pow(2, float64(exp))), max)
	case types.RetryCustom:
		strategiesMu.RLock()
		fn := strategies[CustomStrategyName(task)]
		strategiesMu.RUnlock()
		if fn != nil {
			return fn(task.RetryCount, base, increment, max)
		}
		// Unregistered names are rejected at submission; reaching here means
		// the registration disappeared mid-flight. Fall back to exponential.
		return capSeconds(base*int(math.Pow(2, float64(task.RetryCount))), max)
	default:
		return capSeconds(base*int(math.Pow(2, float64(task.RetryCount))), max)
	}
}

func capSeconds(seconds, max int) time.Duration {
	if max > 0 && seconds > max {
		seconds = max
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

// Policy routes failed attempts to a retry or to the dead-letter queue
type Policy struct {
	store      storage.Store
	broker     *broker.Broker
	machine    *lifecycle.Machine
	events     *events.Broker
	dlqEnabled bool
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPolicy creates a retry policy. dlqEnabled controls whether terminal
// failures are recorded in the dead-letter queue.
func NewPolicy(store storage.Store, b *broker.Broker, machine *lifecycle.Machine, ev *events.Broker, dlqEnabled bool) *Policy {
	return &Policy{
		store:      store,
		broker:     b,
		machine:    machine,
		events:     ev,
		dlqEnabled: dlqEnabled,
		logger:     log.WithComponent("retry"),
		now:        time.Now,
	}
}

// HandleFailure decides the fate of a task that just entered FAILED or
// TIMEOUT. Non-retryable error classes and exhausted retry budgets go
// terminal; everything else is transitioned to RETRYING with a computed
// next-retry-at and handed to the scheduler.
func (p *Policy) HandleFailure(ctx context.Context, task *types.Task, class types.ErrorClass) error {
	if !class.Retryable() {
		p.logger.Info().
			Str("task_id", task.ID).
			Str("error_class", string(class)).
			Msg("non-retryable failure, dead-lettering")
		return p.deadLetter(ctx, task, fmt.Sprintf("non-retryable: %s", task.Error))
	}

	if task.RetryCount >= task.MaxRetries {
		p.logger.Info().
			Str("task_id", task.ID).
			Int("attempts", task.RetryCount+1).
			Msg("retry budget exhausted, dead-lettering")
		return p.deadLetter(ctx, task, fmt.Sprintf("retries exhausted after %d attempts: %s", task.RetryCount+1, task.Error))
	}

	delay := Delay(task)
	nextRetryAt := p.now().Add(delay)

	updated, err := p.machine.MarkRetrying(ctx, task.ID, task.Status, nextRetryAt)
	if err != nil {
		return fmt.Errorf("schedule retry for task %s: %w", task.ID, err)
	}

	if err := p.broker.Schedule(ctx, task.ID, nextRetryAt); err != nil {
		// The orphaned RETRYING row is picked up by the scheduler's store
		// scan on the next poll
		p.logger.Warn().Err(err).Str("task_id", task.ID).Msg("broker schedule failed")
	}

	metrics.RetriesScheduled.Inc()
	p.logger.Info().
		Str("task_id", task.ID).
		Int("retry_count", updated.RetryCount).
		Dur("delay", delay).
		Time("next_retry_at", nextRetryAt).
		Msg("retry scheduled")
	return nil
}

// deadLetter leaves the task in FAILED, records the DLQ entry, and announces
// the terminal failure so workflow dependents can react
func (p *Policy) deadLetter(ctx context.Context, task *types.Task, reason string) error {
	metrics.DeadLettered.Inc()
	if p.dlqEnabled {
		entry := &types.DLQEntry{
			TaskID:     task.ID,
			Reason:     reason,
			Attempts:   task.RetryCount + 1,
			Descriptor: task,
			MovedAt:    p.now(),
		}
		if err := p.store.CreateDLQEntry(entry); err != nil {
			return fmt.Errorf("dead-letter task %s: %w", task.ID, err)
		}
		if err := p.broker.PushDLQ(ctx, entry); err != nil {
			p.logger.Warn().Err(err).Str("task_id", task.ID).Msg("broker DLQ push failed")
		}
	}

	if p.events != nil {
		p.events.Publish(&events.Event{
			Type:    events.EventDeadLettered,
			TaskID:  task.ID,
			Message: reason,
		})
	}
	if err := p.broker.PublishAlert(ctx, types.Alert{
		Type:     "task_dead_lettered",
		Severity: "warning",
		Metadata: map[string]string{"task_id": task.ID, "reason": reason},
	}); err != nil {
		p.logger.Warn().Err(err).Str("task_id", task.ID).Msg("alert publish failed")
	}

	p.machine.PublishTerminalFailure(ctx, task)
	return nil
}
