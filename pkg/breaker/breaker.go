package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/events"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/metrics"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyBreakerPrefix = "conduit:breaker:" // + name, state hash
	probeSuffix      = ":probe"           // SETNX token, one HALF_OPEN probe
)

// Breakers manages per-dependency circuit breakers. State lives in the
// shared fabric so every process sees the same open/closed decision; a
// process-local breaker would let each worker burn its own failure budget
// against an already-dead dependency.
type Breakers struct {
	rdb       redis.UniversalClient
	broker    *broker.Broker
	events    *events.Broker
	threshold int
	recovery  time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a breaker registry with the given failure threshold and
// recovery timeout
func New(b *broker.Broker, ev *events.Broker, threshold int, recovery time.Duration) *Breakers {
	return &Breakers{
		rdb:       b.Client(),
		broker:    b,
		events:    ev,
		threshold: threshold,
		recovery:  recovery,
		logger:    log.WithComponent("breaker"),
		now:       time.Now,
	}
}

// Allow reports whether a call to the named dependency may proceed.
// CLOSED passes. OPEN fails fast until the recovery timeout elapses, then
// moves to HALF_OPEN. In HALF_OPEN exactly one caller wins the probe token;
// the rest keep failing fast until the probe reports.
func (b *Breakers) Allow(ctx context.Context, name string) error {
	state, openedAt, err := b.read(ctx, name)
	if err != nil {
		return err
	}

	switch state {
	case types.BreakerClosed:
		return nil
	case types.BreakerOpen:
		if b.now().Sub(openedAt) < b.recovery {
			return fmt.Errorf("dependency %s: %w", name, types.ErrBreakerOpen)
		}
		if err := b.rdb.HSet(ctx, keyBreakerPrefix+name, "state", string(types.BreakerHalfOpen)).Err(); err != nil {
			return fmt.Errorf("breaker %s: %v: %w", name, err, types.ErrBrokerUnavailable)
		}
		metrics.BreakerState.WithLabelValues(name).Set(1)
		b.logger.Info().Str("breaker", name).Msg("breaker half-open")
		return b.tryProbe(ctx, name)
	case types.BreakerHalfOpen:
		return b.tryProbe(ctx, name)
	default:
		return fmt.Errorf("breaker %s: unknown state %q", name, state)
	}
}

// tryProbe claims the single HALF_OPEN probe slot
func (b *Breakers) tryProbe(ctx context.Context, name string) error {
	ok, err := b.rdb.SetNX(ctx, keyBreakerPrefix+name+probeSuffix, "1", b.recovery).Result()
	if err != nil {
		return fmt.Errorf("breaker %s probe: %v: %w", name, err, types.ErrBrokerUnavailable)
	}
	if !ok {
		return fmt.Errorf("dependency %s: probe in flight: %w", name, types.ErrBreakerOpen)
	}
	return nil
}

// Success reports a passed call and closes the breaker. Only CLOSED and
// HALF_OPEN states close; a straggler success from a call admitted before
// the breaker opened never short-circuits the recovery timeout.
func (b *Breakers) Success(ctx context.Context, name string) error {
	state, _, err := b.read(ctx, name)
	if err != nil {
		return err
	}
	if state == types.BreakerOpen {
		return nil
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, keyBreakerPrefix+name,
		"state", string(types.BreakerClosed),
		"failures", 0,
		"opened_at", 0,
	)
	pipe.Del(ctx, keyBreakerPrefix+name+probeSuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("breaker %s close: %v: %w", name, err, types.ErrBrokerUnavailable)
	}

	metrics.BreakerState.WithLabelValues(name).Set(0)
	if state != types.BreakerClosed {
		b.logger.Info().Str("breaker", name).Msg("breaker closed")
		b.publish(events.EventBreakerClosed, name)
	}
	return nil
}

// Failure reports a failed call. HALF_OPEN reopens immediately; CLOSED
// opens once the consecutive-failure counter hits the threshold.
func (b *Breakers) Failure(ctx context.Context, name string) error {
	state, _, err := b.read(ctx, name)
	if err != nil {
		return err
	}

	if state == types.BreakerHalfOpen {
		return b.open(ctx, name, "probe failed")
	}

	failures, err := b.rdb.HIncrBy(ctx, keyBreakerPrefix+name, "failures", 1).Result()
	if err != nil {
		return fmt.Errorf("breaker %s: %v: %w", name, err, types.ErrBrokerUnavailable)
	}
	if state == types.BreakerClosed && failures >= int64(b.threshold) {
		return b.open(ctx, name, fmt.Sprintf("%d consecutive failures", failures))
	}
	return nil
}

func (b *Breakers) open(ctx context.Context, name, reason string) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, keyBreakerPrefix+name,
		"state", string(types.BreakerOpen),
		"opened_at", b.now().Unix(),
	)
	pipe.Del(ctx, keyBreakerPrefix+name+probeSuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("breaker %s open: %v: %w", name, err, types.ErrBrokerUnavailable)
	}

	metrics.BreakerState.WithLabelValues(name).Set(2)
	b.logger.Warn().Str("breaker", name).Str("reason", reason).Msg("breaker opened")
	b.publish(events.EventBreakerOpened, name)
	if err := b.broker.PublishAlert(ctx, types.Alert{
		Type:     "breaker_opened",
		Severity: "critical",
		Metadata: map[string]string{"dependency": name, "reason": reason},
	}); err != nil {
		b.logger.Warn().Err(err).Str("breaker", name).Msg("alert publish failed")
	}
	return nil
}

// State reads the breaker's current state. Unknown names read CLOSED.
func (b *Breakers) State(ctx context.Context, name string) (types.BreakerState, error) {
	state, _, err := b.read(ctx, name)
	return state, err
}

// Do wraps a dependency call with the breaker protocol
func (b *Breakers) Do(ctx context.Context, name string, fn func() error) error {
	if err := b.Allow(ctx, name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if reportErr := b.Failure(ctx, name); reportErr != nil {
			b.logger.Warn().Err(reportErr).Str("breaker", name).Msg("failure report lost")
		}
		return err
	}
	if err := b.Success(ctx, name); err != nil {
		b.logger.Warn().Err(err).Str("breaker", name).Msg("success report lost")
	}
	return nil
}

func (b *Breakers) read(ctx context.Context, name string) (types.BreakerState, time.Time, error) {
	fields, err := b.rdb.HGetAll(ctx, keyBreakerPrefix+name).Result()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("breaker %s: %v: %w", name, err, types.ErrBrokerUnavailable)
	}
	state := types.BreakerState(fields["state"])
	if state == "" {
		state = types.BreakerClosed
	}
	openedUnix, _ := strconv.ParseInt(fields["opened_at"], 10, 64)
	return state, time.Unix(openedUnix, 0), nil
}

func (b *Breakers) publish(eventType events.EventType, name string) {
	if b.events == nil {
		return
	}
	b.events.Publish(&events.Event{
		Type:     eventType,
		Message:  name,
		Metadata: map[string]string{"dependency": name},
	})
}
