package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/controller"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/retry"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	loop     *Loop
	store    storage.Store
	broker   *broker.Broker
	ctrl     *controller.Controller
	registry *Registry
	worker   *types.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	b := broker.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })

	machine := lifecycle.NewMachine(store, b, nil)
	policy := retry.NewPolicy(store, b, machine, nil, true)
	ctrl := controller.New(store, b, machine, policy, nil, 30*time.Second)

	worker, err := ctrl.Register(context.Background(), "node-1", 4, 60)
	require.NoError(t, err)

	registry := NewRegistry()
	loop := NewLoop(worker.ID, store, b, machine, policy, ctrl, registry, &Env{})
	return &fixture{loop: loop, store: store, broker: b, ctrl: ctrl, registry: registry, worker: worker}
}

func (f *fixture) seedQueued(t *testing.T, name string, timeoutSeconds int) *types.Task {
	t.Helper()
	now := time.Now()
	queued := now
	task := &types.Task{
		ID:             uuid.New().String(),
		Name:           name,
		Priority:       5,
		MaxRetries:     3,
		Strategy:       types.RetryExponential,
		BackoffBase:    2,
		MaxBackoff:     300,
		TimeoutSeconds: timeoutSeconds,
		Status:         types.TaskStatusQueued,
		QueuedAt:       &queued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateTask(task))
	return task
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "render_pdf", 60)

	f.registry.Register("render_pdf", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"pages": 3}`), nil
	})

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"pages": 3}`, string(got.Result))
	assert.Equal(t, f.worker.ID, got.WorkerID)

	// Load released after the attempt
	worker, err := f.store.GetWorker(f.worker.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, worker.CurrentLoad)
}

func TestExecuteDiscardsLostClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "render_pdf", 60)

	// Another worker already claimed it
	machine := lifecycle.NewMachine(f.store, f.broker, nil)
	_, err := machine.MarkRunning(ctx, task.ID, "other-worker")
	require.NoError(t, err)

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Equal(t, "other-worker", got.WorkerID)
}

func TestExecuteRetryableFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "fetch_feed", 60)

	f.registry.Register("fetch_feed", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		return nil, types.NewHandlerError(types.ErrClassTransient, "upstream 503")
	})

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Error, "upstream 503")
}

func TestExecuteNonRetryableFailureDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "import_row", 60)

	f.registry.Register("import_row", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		return nil, types.NewHandlerError(types.ErrClassValidation, "malformed row")
	})

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)

	entries, err := f.store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, task.ID, entries[0].TaskID)
}

func TestExecuteNoHandlerDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "unknown_kind", 60)

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no handler registered")

	entries, err := f.store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestExecutePanicIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "fragile", 60)

	f.registry.Register("fragile", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		panic("index out of range")
	})

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRetrying, got.Status)
	assert.Contains(t, got.Error, "handler panicked")
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "slow_call", 1)

	f.registry.Register("slow_call", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	// TIMEOUT then routed to RETRYING by the policy
	assert.Equal(t, types.TaskStatusRetrying, got.Status)

	records, err := f.store.ListExecutions(task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.TaskStatusTimeout, records[0].Outcome)
}

func TestExecuteCheckpointCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedQueued(t, "batch_move", 60)

	require.NoError(t, f.broker.SetCancelRequested(ctx, task.ID))
	f.registry.Register("batch_move", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		if err := Checkpoint(ctx); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil
	})

	f.loop.execute(ctx, task.ID, 60)

	got, err := f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

func TestRunClaimsFromQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := f.seedQueued(t, "render_pdf", 60)
	require.NoError(t, f.broker.Enqueue(ctx, task.ID, task.Priority))

	f.registry.Register("render_pdf", func(ctx context.Context, task *types.Task) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	go f.loop.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := f.store.GetTask(task.ID)
		return err == nil && got.Status == types.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	_, ok := registry.Lookup("missing")
	assert.False(t, ok)

	registry.Register("a", func(ctx context.Context, task *types.Task) (json.RawMessage, error) { return nil, nil })
	_, ok = registry.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, []string{"a"}, registry.Names())
}
