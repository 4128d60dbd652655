package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCollectorFixture(t *testing.T) (*Collector, storage.Store, *broker.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	b := broker.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })

	return NewCollector(store, b, time.Second), store, b
}

func TestCollectorSamplesStoreAndFabric(t *testing.T) {
	collector, store, b := newCollectorFixture(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(&types.Task{
		ID: "t1", Name: "a", Status: types.TaskStatusQueued, Priority: 5,
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		ID: "t2", Name: "b", Status: types.TaskStatusRunning, Priority: 9,
	}))
	require.NoError(t, store.CreateWorker(&types.Worker{
		ID: "w1", Capacity: 4, CurrentLoad: 2, Status: types.WorkerStatusActive,
	}))
	require.NoError(t, b.Enqueue(ctx, "t1", 5))
	require.NoError(t, b.Schedule(ctx, "t3", time.Now().Add(time.Hour)))

	collector.collect(ctx)

	assert.Equal(t, 1.0, testutil.ToFloat64(TasksTotal.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(TasksTotal.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(TasksTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(WorkerLoad.WithLabelValues("w1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueDepth.WithLabelValues("medium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ScheduledTotal))
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	RegisterComponent("store", true, "")
	RegisterComponent("broker", false, "connection refused")

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 503, rec.Code)

	UpdateComponent("broker", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestHealthReflectsComponentFailure(t *testing.T) {
	RegisterComponent("store", true, "")
	RegisterComponent("broker", true, "")
	RegisterComponent("scheduler", false, "ticker stalled")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["scheduler"], "ticker stalled")

	UpdateComponent("scheduler", true, "")
	assert.Equal(t, "healthy", GetHealth().Status)
}
