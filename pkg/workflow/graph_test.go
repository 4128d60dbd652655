package workflow

import (
	"testing"

	"github.com/conduitq/conduit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondSpec() *Spec {
	return &Spec{
		Name: "etl",
		Tasks: []TaskSpec{
			{Name: "extract", Priority: 5},
			{Name: "transform_a", Priority: 5, DependsOn: []string{"extract"}},
			{Name: "transform_b", Priority: 5, DependsOn: []string{"extract"}},
			{Name: "load", Priority: 5, DependsOn: []string{"transform_a", "transform_b"}},
		},
	}
}

func TestBuild(t *testing.T) {
	graph, err := Build(diamondSpec())
	require.NoError(t, err)

	assert.Equal(t, "etl", graph.Workflow.Name)
	assert.Len(t, graph.Workflow.TaskIDs, 4)
	assert.Len(t, graph.Tasks, 4)
	assert.Len(t, graph.Dependencies, 4)

	for _, task := range graph.Tasks {
		assert.Equal(t, types.TaskStatusPending, task.Status)
		assert.Equal(t, graph.Workflow.ID, task.WorkflowID)
		assert.NotEmpty(t, task.ID)
	}

	roots := graph.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, "extract", roots[0].Name)
}

func TestBuildRejectsCycle(t *testing.T) {
	spec := &Spec{
		Name: "cyclic",
		Tasks: []TaskSpec{
			{Name: "a", DependsOn: []string{"c"}},
			{Name: "b", DependsOn: []string{"a"}},
			{Name: "c", DependsOn: []string{"b"}},
		},
	}
	_, err := Build(spec)
	assert.ErrorIs(t, err, types.ErrCycleDetected)
}

func TestBuildRejectsSelfCycle(t *testing.T) {
	spec := &Spec{
		Name:  "selfie",
		Tasks: []TaskSpec{{Name: "a", DependsOn: []string{"a"}}},
	}
	_, err := Build(spec)
	assert.ErrorIs(t, err, types.ErrCycleDetected)
}

func TestBuildValidation(t *testing.T) {
	_, err := Build(&Spec{Name: "", Tasks: []TaskSpec{{Name: "a"}}})
	assert.ErrorIs(t, err, types.ErrInvalidTask)

	_, err = Build(&Spec{Name: "empty"})
	assert.ErrorIs(t, err, types.ErrInvalidTask)

	_, err = Build(&Spec{Name: "dup", Tasks: []TaskSpec{{Name: "a"}, {Name: "a"}}})
	assert.ErrorIs(t, err, types.ErrInvalidTask)

	_, err = Build(&Spec{Name: "dangling", Tasks: []TaskSpec{{Name: "a", DependsOn: []string{"ghost"}}}})
	assert.ErrorIs(t, err, types.ErrInvalidTask)

	_, err = Build(&Spec{Name: "seq", Tasks: []TaskSpec{
		{Name: "a"}, {Name: "b"},
		{Name: "c", Kind: types.DependencySequential, DependsOn: []string{"a", "b"}},
	}})
	assert.ErrorIs(t, err, types.ErrInvalidTask)
}

func TestLevels(t *testing.T) {
	graph, err := Build(diamondSpec())
	require.NoError(t, err)

	names := make(map[string]string, len(graph.Tasks))
	for _, task := range graph.Tasks {
		names[task.ID] = task.Name
	}

	levels := graph.Levels()
	require.Len(t, levels, 3)
	require.Len(t, levels[0], 1)
	assert.Equal(t, "extract", names[levels[0][0]])
	assert.Len(t, levels[1], 2)
	require.Len(t, levels[2], 1)
	assert.Equal(t, "load", names[levels[2][0]])
}
