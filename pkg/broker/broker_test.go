package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewWithClient(rdb)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "low-task", 2))
	require.NoError(t, b.Enqueue(ctx, "medium-task", 5))
	require.NoError(t, b.Enqueue(ctx, "high-task", 9))

	// With all three bands non-empty, the next claim is HIGH
	id, err := b.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "high-task", id)

	id, err = b.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "medium-task", id)

	id, err = b.Dequeue(ctx, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "low-task", id)
}

func TestDequeueFIFOWithinBand(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "first", 8))
	require.NoError(t, b.Enqueue(ctx, "second", 10))

	id, err := b.Dequeue(ctx, []types.PriorityBand{types.BandHigh}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", id)

	id, err = b.Dequeue(ctx, []types.PriorityBand{types.BandHigh}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", id)
}

func TestDequeueEmptyReturnsNoTask(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Dequeue(ctx, nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestEnqueueClampsPriority(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "weird", 42))

	id, err := b.Dequeue(ctx, []types.PriorityBand{types.BandMedium}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "weird", id)
}

func TestRemoveQueued(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "doomed", 9))
	require.NoError(t, b.Enqueue(ctx, "keeper", 9))
	require.NoError(t, b.RemoveQueued(ctx, "doomed"))

	id, err := b.Dequeue(ctx, nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "keeper", id)
}

func TestScheduledSet(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Schedule(ctx, "past", now.Add(-time.Minute)))
	require.NoError(t, b.Schedule(ctx, "future", now.Add(time.Hour)))

	due, err := b.Due(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"past"}, due)

	require.NoError(t, b.Unschedule(ctx, "past"))
	due, err = b.Due(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTaskMirror(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	task := &types.Task{
		ID:             "t1",
		Name:           "resize_image",
		Status:         types.TaskStatusQueued,
		Priority:       7,
		TimeoutSeconds: 120,
	}
	require.NoError(t, b.MirrorTask(ctx, task))

	mirror, err := b.Mirror(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "resize_image", mirror["name"])
	assert.Equal(t, "queued", mirror["status"])
	assert.Equal(t, "120", mirror["timeout_seconds"])
	assert.Equal(t, "false", mirror["cancel_requested"])

	require.NoError(t, b.SetCancelRequested(ctx, "t1"))
	cancelled, err := b.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Unknown task: cold mirror, no cancel flag
	cancelled, err = b.CancelRequested(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestDLQRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b"} {
		entry := &types.DLQEntry{
			TaskID:   id,
			Reason:   "retries exhausted",
			Attempts: 4,
			MovedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, b.PushDLQ(ctx, entry))
	}

	entries, err := b.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].TaskID)
	assert.Equal(t, "retries exhausted", entries[0].Reason)

	require.NoError(t, b.RemoveDLQ(ctx, "a"))
	entries, err = b.ListDLQ(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].TaskID)
}

func TestWorkerFlags(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	flags := WorkerFlags{Paused: true, Capacity: 8, TimeoutSeconds: 300}
	require.NoError(t, b.SetWorkerFlags(ctx, "w1", flags))

	got, err := b.WorkerFlags(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.False(t, got.Draining)
	assert.Equal(t, 8, got.Capacity)
	assert.Equal(t, 300, got.TimeoutSeconds)

	require.NoError(t, b.RemoveWorkerFlags(ctx, "w1"))
	got, err = b.WorkerFlags(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, got.Capacity)
}

func TestIncrWindow(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	count, err := b.IncrWindow(ctx, "submit", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = b.IncrWindow(ctx, "submit", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Counter resets after the window elapses
	mr.FastForward(2 * time.Minute)
	count, err = b.IncrWindow(ctx, "submit", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTemplates(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.PutTemplate(ctx, "etl", []byte(`{"name":"etl"}`)))

	blob, err := b.GetTemplate(ctx, "etl")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"etl"}`, string(blob))

	ids, err := b.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"etl"}, ids)

	require.NoError(t, b.DeleteTemplate(ctx, "etl"))
	_, err = b.GetTemplate(ctx, "etl")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCompletionPubSub(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completions, stop, err := b.SubscribeCompletions(ctx)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.PublishCompletion(ctx, types.Completion{
		TaskID: "t1",
		Status: types.TaskStatusCompleted,
	}))

	select {
	case c := <-completions:
		assert.Equal(t, "t1", c.TaskID)
		assert.Equal(t, types.TaskStatusCompleted, c.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}
}

func TestStats(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "h", 9))
	require.NoError(t, b.Enqueue(ctx, "m", 5))
	require.NoError(t, b.Schedule(ctx, "s", time.Now().Add(time.Hour)))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.QueueDepth[types.BandHigh])
	assert.Equal(t, int64(1), stats.QueueDepth[types.BandMedium])
	assert.Equal(t, int64(0), stats.QueueDepth[types.BandLow])
	assert.Equal(t, int64(1), stats.Scheduled)
	assert.Equal(t, int64(0), stats.DLQ)
}
