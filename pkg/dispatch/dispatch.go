package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/conduitq/conduit/pkg/breaker"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/types"
)

// ErrCancelRequested is returned from Checkpoint when a cooperative cancel
// flag is set for the running task. Handlers propagate it to resolve the
// attempt as CANCELLED instead of FAILED.
var ErrCancelRequested = errors.New("cancel requested")

// Handler executes one task attempt. The returned payload becomes the
// task's result; a *types.HandlerError return classifies the failure for
// the retry policy, any other error counts as a retryable handler fault.
type Handler func(ctx context.Context, task *types.Task) (json.RawMessage, error)

// Registry maps task names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler for a task name, replacing any previous one
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Lookup finds the handler for a task name
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names lists the registered task names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Env carries the dependency guards a handler may consult: circuit
// breakers for external calls and degradation flags for fallback paths
type Env struct {
	Breakers *breaker.Breakers
	Flags    *breaker.Flags
}

type ctxKey int

const (
	envKey ctxKey = iota
	attemptKey
)

// attempt identifies the running task inside handler context
type attempt struct {
	taskID string
	broker *broker.Broker
}

// WithEnv attaches the dependency guards to a handler context
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey, env)
}

// EnvFrom extracts the dependency guards, or nil outside a dispatch context
func EnvFrom(ctx context.Context) *Env {
	env, _ := ctx.Value(envKey).(*Env)
	return env
}

func withAttempt(ctx context.Context, taskID string, b *broker.Broker) context.Context {
	return context.WithValue(ctx, attemptKey, &attempt{taskID: taskID, broker: b})
}

// Checkpoint is the cooperative cancellation point for handlers. It reports
// ErrCancelRequested when the task's cancel flag is set, and the context
// error past the attempt deadline. Handlers call it between units of work;
// uncooperative handlers are bounded by the attempt timeout instead.
func Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, _ := ctx.Value(attemptKey).(*attempt)
	if a == nil {
		return nil
	}
	requested, err := a.broker.CancelRequested(ctx, a.taskID)
	if err != nil {
		// Fabric hiccups never abort an attempt
		return nil
	}
	if requested {
		return ErrCancelRequested
	}
	return nil
}
