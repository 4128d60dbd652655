package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*Machine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	b := broker.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })

	return NewMachine(store, b, nil), store
}

func seedTask(t *testing.T, store storage.Store, status types.TaskStatus) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:             uuid.New().String(),
		Name:           "process_upload",
		Priority:       5,
		MaxRetries:     3,
		Strategy:       types.RetryExponential,
		BackoffBase:    2,
		MaxBackoff:     300,
		TimeoutSeconds: 60,
		Status:         status,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if status == types.TaskStatusRunning {
		now := time.Now()
		task.StartedAt = &now
		task.WorkerID = "worker-1"
	}
	require.NoError(t, store.CreateTask(task))
	return task
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to types.TaskStatus }{
		{types.TaskStatusPending, types.TaskStatusQueued},
		{types.TaskStatusPending, types.TaskStatusCancelled},
		{types.TaskStatusQueued, types.TaskStatusRunning},
		{types.TaskStatusQueued, types.TaskStatusCancelled},
		{types.TaskStatusRunning, types.TaskStatusCompleted},
		{types.TaskStatusRunning, types.TaskStatusFailed},
		{types.TaskStatusRunning, types.TaskStatusTimeout},
		{types.TaskStatusRunning, types.TaskStatusCancelled},
		{types.TaskStatusFailed, types.TaskStatusRetrying},
		{types.TaskStatusRetrying, types.TaskStatusQueued},
		{types.TaskStatusTimeout, types.TaskStatusRetrying},
	}
	for _, pair := range legal {
		assert.True(t, CanTransition(pair.from, pair.to), "%s -> %s must be legal", pair.from, pair.to)
	}

	illegal := []struct{ from, to types.TaskStatus }{
		{types.TaskStatusPending, types.TaskStatusRunning},
		{types.TaskStatusQueued, types.TaskStatusCompleted},
		{types.TaskStatusCompleted, types.TaskStatusQueued},
		{types.TaskStatusCancelled, types.TaskStatusQueued},
		{types.TaskStatusFailed, types.TaskStatusQueued},
		{types.TaskStatusRunning, types.TaskStatusRetrying},
		{types.TaskStatusCompleted, types.TaskStatusFailed},
	}
	for _, pair := range illegal {
		assert.False(t, CanTransition(pair.from, pair.to), "%s -> %s must be illegal", pair.from, pair.to)
	}
}

func TestHappyPath(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	task := seedTask(t, store, types.TaskStatusPending)

	queued, err := m.MarkQueued(ctx, task.ID, types.TaskStatusPending)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, queued.Status)
	assert.NotNil(t, queued.QueuedAt)

	running, err := m.MarkRunning(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, running.Status)
	assert.Equal(t, "worker-1", running.WorkerID)
	require.NotNil(t, running.StartedAt)
	assert.False(t, running.StartedAt.Before(running.CreatedAt))

	completed, err := m.MarkCompleted(ctx, task.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
	assert.False(t, completed.CompletedAt.Before(*completed.StartedAt))

	// Exactly one execution record for the single attempt
	records, err := store.ListExecutions(task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, types.TaskStatusCompleted, records[0].Outcome)
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	task := seedTask(t, store, types.TaskStatusPending)

	_, err := m.MarkRunning(ctx, task.ID, "worker-1")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Empty(t, got.WorkerID)
}

func TestClaimRaceLosesPredictably(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	task := seedTask(t, store, types.TaskStatusQueued)

	_, err := m.MarkRunning(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	_, err = m.MarkRunning(ctx, task.ID, "worker-2")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.WorkerID)
}

func TestFailRetryCycle(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	task := seedTask(t, store, types.TaskStatusRunning)

	failed, err := m.MarkFailed(ctx, task.ID, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Equal(t, "connection refused", failed.Error)
	assert.NotNil(t, failed.FailedAt)

	next := time.Now().Add(4 * time.Second)
	retrying, err := m.MarkRetrying(ctx, task.ID, types.TaskStatusFailed, next)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRetrying, retrying.Status)
	assert.Equal(t, 1, retrying.RetryCount)
	require.NotNil(t, retrying.NextRetryAt)

	queued, err := m.MarkQueued(ctx, task.ID, types.TaskStatusRetrying)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, queued.Status)
	assert.Nil(t, queued.NextRetryAt)

	records, err := store.ListExecutions(task.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.TaskStatusFailed, records[0].Outcome)
	assert.Equal(t, "connection refused", records[0].Error)
}

func TestTimeoutTransition(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	task := seedTask(t, store, types.TaskStatusRunning)

	timedOut, err := m.MarkTimeout(ctx, task.ID, "attempt exceeded 60s")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusTimeout, timedOut.Status)

	_, err = m.MarkRetrying(ctx, task.ID, types.TaskStatusTimeout, time.Now().Add(time.Second))
	require.NoError(t, err)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRetrying, got.Status)
}

func TestCancelFromQueued(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	task := seedTask(t, store, types.TaskStatusQueued)

	cancelled, err := m.MarkCancelled(ctx, task.ID, types.TaskStatusQueued)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, cancelled.Status)

	// Terminal: no further transitions
	_, err = m.MarkQueued(ctx, task.ID, types.TaskStatusCancelled)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

func TestMarkSkipped(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	task := seedTask(t, store, types.TaskStatusPending)

	skipped, err := m.MarkSkipped(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, skipped.Status)
	assert.True(t, skipped.Skipped)
	assert.NotNil(t, skipped.CompletedAt)

	_, err = store.GetTask(task.ID)
	require.NoError(t, err)
}

func TestMarkParentFailed(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	child := seedTask(t, store, types.TaskStatusPending)

	failed, err := m.MarkParentFailed(ctx, child.ID, "parent-123")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Equal(t, "Parent task parent-123 failed", failed.Error)
}
