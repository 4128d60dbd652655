package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/redis/go-redis/v9"
)

const keyDegradedPrefix = "conduit:degraded:" // + dependency, strategy string

// Flags stores graceful-degradation signals in the fabric. The dispatch
// loop consults them before calling a dependency and takes the prescribed
// fallback; operators set and clear them.
type Flags struct {
	rdb redis.UniversalClient
}

// NewFlags creates a degradation flag store over the broker's fabric
func NewFlags(b *broker.Broker) *Flags {
	return &Flags{rdb: b.Client()}
}

// SetDegraded flags a dependency with a fallback strategy
func (f *Flags) SetDegraded(ctx context.Context, dependency string, strategy types.DegradationStrategy) error {
	switch strategy {
	case types.DegradeReturnCached, types.DegradeDefaultValue, types.DegradeSkipEnrichment,
		types.DegradeReduceThroughput, types.DegradeAsyncFallback, types.DegradeQueueToFallback:
	default:
		return fmt.Errorf("unknown degradation strategy %q: %w", strategy, types.ErrInvalidTask)
	}
	if err := f.rdb.Set(ctx, keyDegradedPrefix+dependency, string(strategy), 0).Err(); err != nil {
		return fmt.Errorf("set degraded %s: %v: %w", dependency, err, types.ErrBrokerUnavailable)
	}
	return nil
}

// ClearDegraded removes a dependency's degradation flag
func (f *Flags) ClearDegraded(ctx context.Context, dependency string) error {
	if err := f.rdb.Del(ctx, keyDegradedPrefix+dependency).Err(); err != nil {
		return fmt.Errorf("clear degraded %s: %v: %w", dependency, err, types.ErrBrokerUnavailable)
	}
	return nil
}

// Degraded reads a dependency's flag. The second return is false when the
// dependency is healthy.
func (f *Flags) Degraded(ctx context.Context, dependency string) (types.DegradationStrategy, bool, error) {
	value, err := f.rdb.Get(ctx, keyDegradedPrefix+dependency).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read degraded %s: %v: %w", dependency, err, types.ErrBrokerUnavailable)
	}
	return types.DegradationStrategy(value), true, nil
}

// Limiter enforces a tasks-per-window admission cap through the fabric's
// windowed counters. Used at the submit boundary, including the
// reduce-throughput degradation path.
type Limiter struct {
	broker *broker.Broker
	limit  int64
	window time.Duration
}

// NewLimiter creates an admission limiter. limit 0 disables the cap.
func NewLimiter(b *broker.Broker, limit int, window time.Duration) *Limiter {
	return &Limiter{broker: b, limit: int64(limit), window: window}
}

// Allow consumes one admission slot for the resource
func (l *Limiter) Allow(ctx context.Context, resource string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	count, err := l.broker.IncrWindow(ctx, resource, l.window)
	if err != nil {
		return err
	}
	if count > l.limit {
		return fmt.Errorf("resource %s: %d/%d in window: %w", resource, count, l.limit, types.ErrCapacityExceeded)
	}
	return nil
}
