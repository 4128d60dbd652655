package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine  *Engine
	store   storage.Store
	broker  *broker.Broker
	machine *lifecycle.Machine
	redis   *miniredis.Miniredis
}

func intPtr(n int) *int { return &n }

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	b := broker.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })

	machine := lifecycle.NewMachine(store, b, nil)
	return &engineFixture{
		engine:  NewEngine(store, b, machine),
		store:   store,
		broker:  b,
		machine: machine,
		redis:   mr,
	}
}

func (f *engineFixture) submit(t *testing.T, spec *Spec) *Graph {
	t.Helper()
	graph, err := Build(spec)
	require.NoError(t, err)
	require.NoError(t, f.store.SubmitWorkflow(graph.Workflow, graph.Tasks, graph.Dependencies))
	return graph
}

// complete drives a task through its full happy path and feeds the resulting
// completion to the engine, the way the dispatch loop and the completion
// channel would in production
func (f *engineFixture) complete(t *testing.T, taskID string, result string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.machine.MarkRunning(ctx, taskID, "worker-1")
	require.NoError(t, err)
	_, err = f.machine.MarkCompleted(ctx, taskID, json.RawMessage(result))
	require.NoError(t, err)
	require.NoError(t, f.engine.OnCompletion(ctx, types.Completion{
		TaskID: taskID,
		Status: types.TaskStatusCompleted,
	}))
}

func (f *engineFixture) taskByName(t *testing.T, graph *Graph, name string) *types.Task {
	t.Helper()
	for _, task := range graph.Tasks {
		if task.Name == name {
			got, err := f.store.GetTask(task.ID)
			require.NoError(t, err)
			return got
		}
	}
	t.Fatalf("no task named %q", name)
	return nil
}

func (f *engineFixture) markQueuedAndEnqueue(t *testing.T, taskID string, priority int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.machine.MarkQueued(ctx, taskID, types.TaskStatusPending)
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(ctx, taskID, priority))
}

func TestDiamondAdvancesLevelByLevel(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, diamondSpec())

	extract := f.taskByName(t, graph, "extract")
	f.markQueuedAndEnqueue(t, extract.ID, extract.Priority)
	f.complete(t, extract.ID, `{"rows": 100}`)

	// Both transforms become ready; load waits for both
	assert.Equal(t, types.TaskStatusQueued, f.taskByName(t, graph, "transform_a").Status)
	assert.Equal(t, types.TaskStatusQueued, f.taskByName(t, graph, "transform_b").Status)
	assert.Equal(t, types.TaskStatusPending, f.taskByName(t, graph, "load").Status)

	f.complete(t, f.taskByName(t, graph, "transform_a").ID, `{}`)
	assert.Equal(t, types.TaskStatusPending, f.taskByName(t, graph, "load").Status)

	f.complete(t, f.taskByName(t, graph, "transform_b").ID, `{}`)
	assert.Equal(t, types.TaskStatusQueued, f.taskByName(t, graph, "load").Status)
}

func TestWaitForAnyReadyOnFirstParent(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "race",
		Tasks: []TaskSpec{
			{Name: "mirror_a", Priority: 5},
			{Name: "mirror_b", Priority: 5},
			{Name: "consume", Priority: 5, Kind: types.DependencyAny, DependsOn: []string{"mirror_a", "mirror_b"}},
		},
	})

	a := f.taskByName(t, graph, "mirror_a")
	f.markQueuedAndEnqueue(t, a.ID, a.Priority)
	f.complete(t, a.ID, `{}`)

	assert.Equal(t, types.TaskStatusQueued, f.taskByName(t, graph, "consume").Status)
}

func TestConditionFalseSkipsChild(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "gated",
		Tasks: []TaskSpec{
			{Name: "check", Priority: 5},
			{
				Name: "deploy", Priority: 5, DependsOn: []string{"check"},
				Condition: &types.Condition{Op: types.OpEq, Field: "check.approved", Value: true},
			},
			{Name: "notify", Priority: 5, DependsOn: []string{"deploy"}},
		},
	})

	check := f.taskByName(t, graph, "check")
	f.markQueuedAndEnqueue(t, check.ID, check.Priority)
	f.complete(t, check.ID, `{"approved": false}`)

	deploy := f.taskByName(t, graph, "deploy")
	assert.Equal(t, types.TaskStatusCompleted, deploy.Status)
	assert.True(t, deploy.Skipped)

	// The skipped child satisfies its own dependents
	require.NoError(t, f.engine.OnCompletion(context.Background(), types.Completion{
		TaskID: deploy.ID,
		Status: types.TaskStatusCompleted,
	}))
	assert.Equal(t, types.TaskStatusQueued, f.taskByName(t, graph, "notify").Status)
}

func TestConditionTrueEnqueuesChild(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "gated",
		Tasks: []TaskSpec{
			{Name: "check", Priority: 5},
			{
				Name: "deploy", Priority: 5, DependsOn: []string{"check"},
				Condition: &types.Condition{Op: types.OpEq, Field: "check.approved", Value: true},
			},
		},
	})

	check := f.taskByName(t, graph, "check")
	f.markQueuedAndEnqueue(t, check.ID, check.Priority)
	f.complete(t, check.ID, `{"approved": true}`)

	deploy := f.taskByName(t, graph, "deploy")
	assert.Equal(t, types.TaskStatusQueued, deploy.Status)
	assert.False(t, deploy.Skipped)
}

func TestParentFailurePropagatesTransitively(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "chain",
		Tasks: []TaskSpec{
			{Name: "fetch", Priority: 5, MaxRetries: intPtr(0)},
			{Name: "parse", Priority: 5, DependsOn: []string{"fetch"}},
			{Name: "store", Priority: 5, DependsOn: []string{"parse"}},
		},
	})
	ctx := context.Background()

	fetch := f.taskByName(t, graph, "fetch")
	f.markQueuedAndEnqueue(t, fetch.ID, fetch.Priority)
	_, err := f.machine.MarkRunning(ctx, fetch.ID, "worker-1")
	require.NoError(t, err)
	_, err = f.machine.MarkFailed(ctx, fetch.ID, "boom")
	require.NoError(t, err)

	// Terminal-failure completion, as published by the retry policy
	require.NoError(t, f.engine.OnCompletion(ctx, types.Completion{
		TaskID: fetch.ID,
		Status: types.TaskStatusFailed,
	}))

	parse := f.taskByName(t, graph, "parse")
	assert.Equal(t, types.TaskStatusFailed, parse.Status)
	assert.Equal(t, "Parent task "+fetch.ID+" failed", parse.Error)

	// MarkParentFailed publishes the child's own FAILED completion; relay it
	require.NoError(t, f.engine.OnCompletion(ctx, types.Completion{
		TaskID: parse.ID,
		Status: types.TaskStatusFailed,
	}))
	assert.Equal(t, types.TaskStatusFailed, f.taskByName(t, graph, "store").Status)
}

func TestTransientParentFailureDoesNotDoomChild(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "resilient",
		Tasks: []TaskSpec{
			{Name: "flaky", Priority: 5, MaxRetries: intPtr(3)},
			{Name: "solid", Priority: 5},
			{Name: "join", Priority: 5, DependsOn: []string{"flaky", "solid"}},
		},
	})
	ctx := context.Background()

	// flaky fails its first attempt but has retry budget left
	flaky := f.taskByName(t, graph, "flaky")
	f.markQueuedAndEnqueue(t, flaky.ID, flaky.Priority)
	_, err := f.machine.MarkRunning(ctx, flaky.ID, "worker-1")
	require.NoError(t, err)
	_, err = f.machine.MarkFailed(ctx, flaky.ID, "transient")
	require.NoError(t, err)

	solid := f.taskByName(t, graph, "solid")
	f.markQueuedAndEnqueue(t, solid.ID, solid.Priority)
	f.complete(t, solid.ID, `{}`)

	// join must stay pending, not propagate-fail
	assert.Equal(t, types.TaskStatusPending, f.taskByName(t, graph, "join").Status)
}

func TestSweepPendingAdvancesMissedCompletion(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "etl",
		Tasks: []TaskSpec{
			{Name: "extract", Priority: 5},
			{Name: "load", Priority: 5, DependsOn: []string{"extract"}},
		},
	})
	ctx := context.Background()

	// extract resolves while nothing consumes the completion channel
	extract := f.taskByName(t, graph, "extract")
	f.markQueuedAndEnqueue(t, extract.ID, extract.Priority)
	_, err := f.machine.MarkRunning(ctx, extract.ID, "worker-1")
	require.NoError(t, err)
	_, err = f.machine.MarkCompleted(ctx, extract.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, types.TaskStatusPending, f.taskByName(t, graph, "load").Status)

	advanced, err := f.engine.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)
	assert.Equal(t, types.TaskStatusQueued, f.taskByName(t, graph, "load").Status)

	// Nothing left to advance on the next pass
	advanced, err = f.engine.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, advanced)
}

func TestSweepPendingLeavesUnsettledParents(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "etl",
		Tasks: []TaskSpec{
			{Name: "extract", Priority: 5, MaxRetries: intPtr(3)},
			{Name: "load", Priority: 5, DependsOn: []string{"extract"}},
		},
	})
	ctx := context.Background()

	// extract is mid-flight; its first failure still has retry budget
	extract := f.taskByName(t, graph, "extract")
	f.markQueuedAndEnqueue(t, extract.ID, extract.Priority)
	_, err := f.machine.MarkRunning(ctx, extract.ID, "worker-1")
	require.NoError(t, err)
	_, err = f.machine.MarkFailed(ctx, extract.ID, "transient")
	require.NoError(t, err)

	advanced, err := f.engine.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, advanced)
	assert.Equal(t, types.TaskStatusPending, f.taskByName(t, graph, "load").Status)
}

func TestDuplicateCompletionEnqueuesOnce(t *testing.T) {
	f := newEngineFixture(t)
	graph := f.submit(t, &Spec{
		Name: "dup",
		Tasks: []TaskSpec{
			{Name: "first", Priority: 5},
			{Name: "second", Priority: 5, DependsOn: []string{"first"}},
		},
	})
	ctx := context.Background()

	first := f.taskByName(t, graph, "first")
	f.markQueuedAndEnqueue(t, first.ID, first.Priority)
	f.complete(t, first.ID, `{}`)

	// Replay the same completion; the conditional transition loses quietly
	require.NoError(t, f.engine.OnCompletion(ctx, types.Completion{
		TaskID: first.ID,
		Status: types.TaskStatusCompleted,
	}))

	second := f.taskByName(t, graph, "second")
	ids, err := f.redis.List("conduit:queue:medium")
	require.NoError(t, err)
	count := 0
	for _, id := range ids {
		if id == second.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
