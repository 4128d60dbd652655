package workflow

import (
	"fmt"
	"time"

	"github.com/conduitq/conduit/pkg/types"
	"github.com/google/uuid"
)

// TaskSpec describes one node of a workflow definition. DependsOn refers to
// sibling task names within the same definition; ids are minted at build
// time.
type TaskSpec struct {
	Name           string               `json:"name" yaml:"name"`
	Args           []any                `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs         map[string]any       `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	Priority       int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries     *int                 `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Strategy       types.RetryStrategy  `json:"retry_strategy,omitempty" yaml:"retry_strategy,omitempty"`
	BackoffBase    int                  `json:"backoff_base_seconds,omitempty" yaml:"backoff_base_seconds,omitempty"`
	MaxBackoff     int                  `json:"max_backoff_seconds,omitempty" yaml:"max_backoff_seconds,omitempty"`
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	DependsOn      []string             `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Kind           types.DependencyKind `json:"dependency_kind,omitempty" yaml:"dependency_kind,omitempty"`
	Condition      *types.Condition     `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Spec is a complete workflow definition
type Spec struct {
	Name  string     `json:"name" yaml:"name"`
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

// Graph is a validated, id-assigned workflow ready for atomic submission
type Graph struct {
	Workflow     *types.Workflow
	Tasks        []*types.Task
	Dependencies []*types.Dependency
}

// Build validates a workflow definition and mints the persistent graph.
// Validation covers name uniqueness, edge resolution, and acyclicity; a
// cycle fails the whole build so nothing is ever persisted.
func Build(spec *Spec) (*Graph, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("workflow name required: %w", types.ErrInvalidTask)
	}
	if len(spec.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %q has no tasks: %w", spec.Name, types.ErrInvalidTask)
	}

	byName := make(map[string]int, len(spec.Tasks))
	for i, ts := range spec.Tasks {
		if ts.Name == "" {
			return nil, fmt.Errorf("workflow %q: task %d has no name: %w", spec.Name, i, types.ErrInvalidTask)
		}
		if _, dup := byName[ts.Name]; dup {
			return nil, fmt.Errorf("workflow %q: duplicate task name %q: %w", spec.Name, ts.Name, types.ErrInvalidTask)
		}
		byName[ts.Name] = i
	}

	adjacency := make(map[string][]string, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		for _, parent := range ts.DependsOn {
			if _, ok := byName[parent]; !ok {
				return nil, fmt.Errorf("workflow %q: task %q depends on unknown task %q: %w",
					spec.Name, ts.Name, parent, types.ErrInvalidTask)
			}
			adjacency[parent] = append(adjacency[parent], ts.Name)
		}
		if ts.Kind == types.DependencySequential && len(ts.DependsOn) > 1 {
			return nil, fmt.Errorf("workflow %q: sequential task %q has %d parents: %w",
				spec.Name, ts.Name, len(ts.DependsOn), types.ErrInvalidTask)
		}
	}

	if cycle := findCycle(spec.Tasks, adjacency); cycle != "" {
		return nil, fmt.Errorf("workflow %q: task %q participates in a cycle: %w",
			spec.Name, cycle, types.ErrCycleDetected)
	}

	now := time.Now()
	wf := &types.Workflow{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		CreatedAt: now,
	}

	ids := make(map[string]string, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		ids[ts.Name] = uuid.New().String()
	}

	tasks := make([]*types.Task, 0, len(spec.Tasks))
	var deps []*types.Dependency
	for _, ts := range spec.Tasks {
		id := ids[ts.Name]
		wf.TaskIDs = append(wf.TaskIDs, id)

		kind := ts.Kind
		if kind == "" {
			kind = types.DependencyAll
		}
		maxRetries := 0
		if ts.MaxRetries != nil {
			maxRetries = *ts.MaxRetries
		}

		task := &types.Task{
			ID:             id,
			Name:           ts.Name,
			Args:           ts.Args,
			Kwargs:         ts.Kwargs,
			Priority:       ts.Priority,
			MaxRetries:     maxRetries,
			Strategy:       ts.Strategy,
			BackoffBase:    ts.BackoffBase,
			MaxBackoff:     ts.MaxBackoff,
			TimeoutSeconds: ts.TimeoutSeconds,
			Status:         types.TaskStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
			DependencyKind: kind,
			Condition:      ts.Condition,
			WorkflowID:     wf.ID,
		}
		for _, parent := range ts.DependsOn {
			task.DependsOn = append(task.DependsOn, ids[parent])
			deps = append(deps, &types.Dependency{
				ChildID:  id,
				ParentID: ids[parent],
				Kind:     kind,
			})
		}
		tasks = append(tasks, task)
	}

	return &Graph{Workflow: wf, Tasks: tasks, Dependencies: deps}, nil
}

// Roots returns the tasks with no parents, the ones enqueued immediately on
// submission
func (g *Graph) Roots() []*types.Task {
	var roots []*types.Task
	for _, task := range g.Tasks {
		if len(task.DependsOn) == 0 {
			roots = append(roots, task)
		}
	}
	return roots
}

// Levels computes a topological layering of the graph by task id. Level 0
// holds the roots; each task lands one level below its deepest parent. Used
// for inspection and bulk views, not for correctness.
func (g *Graph) Levels() [][]string {
	depth := make(map[string]int, len(g.Tasks))
	parents := make(map[string][]string)
	for _, dep := range g.Dependencies {
		parents[dep.ChildID] = append(parents[dep.ChildID], dep.ParentID)
	}

	var resolve func(id string) int
	resolve = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, parent := range parents[id] {
			if pd := resolve(parent) + 1; pd > d {
				d = pd
			}
		}
		depth[id] = d
		return d
	}

	maxDepth := 0
	for _, task := range g.Tasks {
		if d := resolve(task.ID); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, task := range g.Tasks {
		d := depth[task.ID]
		levels[d] = append(levels[d], task.ID)
	}
	return levels
}

// findCycle runs an iterative-coloring DFS over the name graph. Returns a
// task name on any cycle, or "" when the graph is acyclic.
func findCycle(tasks []TaskSpec, adjacency map[string][]string) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(tasks))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		for _, next := range adjacency[name] {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for _, ts := range tasks {
		if color[ts.Name] == white {
			if hit := visit(ts.Name); hit != "" {
				return hit
			}
		}
	}
	return ""
}
