package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/conduitq/conduit/pkg/broker"
	"github.com/conduitq/conduit/pkg/lifecycle"
	"github.com/conduitq/conduit/pkg/log"
	"github.com/conduitq/conduit/pkg/storage"
	"github.com/conduitq/conduit/pkg/types"
	"github.com/rs/zerolog"
)

// Engine reacts to task completions by advancing workflow dependents.
// Readiness re-checks run under the lifecycle machine's conditional
// transitions, so a child observed ready by two concurrent completions is
// still enqueued exactly once.
type Engine struct {
	store   storage.Store
	broker  *broker.Broker
	machine *lifecycle.Machine
	logger  zerolog.Logger
}

// NewEngine creates a workflow engine
func NewEngine(store storage.Store, b *broker.Broker, machine *lifecycle.Machine) *Engine {
	return &Engine{
		store:   store,
		broker:  b,
		machine: machine,
		logger:  log.WithComponent("workflow"),
	}
}

// Run consumes the completion channel until ctx is cancelled. Missed events
// are tolerated: dependents that slip through are picked up when any other
// parent completes, or by the periodic SweepPending pass.
func (e *Engine) Run(ctx context.Context) error {
	completions, cancel, err := e.broker.SubscribeCompletions(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	e.logger.Info().Msg("workflow engine started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case completion, ok := <-completions:
			if !ok {
				return nil
			}
			if err := e.OnCompletion(ctx, completion); err != nil {
				e.logger.Error().Err(err).
					Str("task_id", completion.TaskID).
					Str("status", string(completion.Status)).
					Msg("completion handling failed")
			}
		}
	}
}

// OnCompletion advances the dependents of one terminally-resolved task
func (e *Engine) OnCompletion(ctx context.Context, completion types.Completion) error {
	edges, err := e.store.ListDependenciesByParent(completion.TaskID)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}

	for _, edge := range edges {
		if err := e.advanceChild(ctx, edge.ChildID, completion); err != nil {
			// One stuck child must not block its siblings
			e.logger.Warn().Err(err).
				Str("child_id", edge.ChildID).
				Str("parent_id", completion.TaskID).
				Msg("dependent not advanced")
		}
	}
	return nil
}

// advanceChild re-evaluates one child's readiness against all its parents.
// The triggering completion marks which parent is known terminally resolved;
// a parent read back as FAILED without that marker may still be between
// attempts, so it never dooms the child on its own unless its budget is
// spent.
func (e *Engine) advanceChild(ctx context.Context, childID string, completion types.Completion) error {
	child, err := e.store.GetTask(childID)
	if err != nil {
		return err
	}
	if child.Status != types.TaskStatusPending {
		return nil
	}

	parents, err := e.loadParents(childID)
	if err != nil {
		return err
	}

	if failedParent := blockedBy(child.DependencyKind, parents, completion); failedParent != "" {
		_, err := e.machine.MarkParentFailed(ctx, childID, failedParent)
		if errors.Is(err, types.ErrInvalidTransition) {
			// Lost the race to a concurrent evaluation
			return nil
		}
		return err
	}

	if !ready(child.DependencyKind, parents) {
		return nil
	}

	if child.Condition != nil {
		pass, err := Evaluate(child.Condition, parentResults(parents))
		if err != nil {
			return err
		}
		if !pass {
			_, err := e.machine.MarkSkipped(ctx, childID)
			if errors.Is(err, types.ErrInvalidTransition) {
				return nil
			}
			return err
		}
	}

	if _, err := e.machine.MarkQueued(ctx, childID, types.TaskStatusPending); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	e.logger.Info().
		Str("task_id", childID).
		Str("workflow_id", child.WorkflowID).
		Msg("dependent ready, enqueued")
	return e.broker.Enqueue(ctx, childID, child.Priority)
}

// SweepPending re-evaluates PENDING workflow children directly against the
// store. Completions published while no engine was subscribed are invisible
// to Run; the sweep replays each settled parent so those children still
// advance. Returns the number of children moved out of PENDING.
func (e *Engine) SweepPending(ctx context.Context) (int, error) {
	pending, err := e.store.ListTasksByStatus(types.TaskStatusPending)
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, child := range pending {
		if child.WorkflowID == "" {
			continue
		}
		parents, err := e.loadParents(child.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("task_id", child.ID).Msg("pending sweep read failed")
			continue
		}
		completion, ok := resolvedParent(parents)
		if !ok {
			continue
		}
		if err := e.advanceChild(ctx, child.ID, completion); err != nil {
			e.logger.Warn().Err(err).Str("task_id", child.ID).Msg("pending sweep advance failed")
			continue
		}
		got, err := e.store.GetTask(child.ID)
		if err == nil && got.Status != types.TaskStatusPending {
			advanced++
		}
	}
	return advanced, nil
}

// resolvedParent picks a parent whose outcome is already settled in the
// store and replays it as the triggering completion. A FAILED parent only
// counts once its retry budget is spent.
func resolvedParent(parents []*types.Task) (types.Completion, bool) {
	for _, parent := range parents {
		switch parent.Status {
		case types.TaskStatusCompleted, types.TaskStatusCancelled:
			return types.Completion{TaskID: parent.ID, Status: parent.Status}, true
		case types.TaskStatusFailed:
			if parent.RetryCount >= parent.MaxRetries {
				return types.Completion{TaskID: parent.ID, Status: parent.Status}, true
			}
		}
	}
	return types.Completion{}, false
}

func (e *Engine) loadParents(childID string) ([]*types.Task, error) {
	edges, err := e.store.ListDependenciesByChild(childID)
	if err != nil {
		return nil, err
	}
	parents := make([]*types.Task, 0, len(edges))
	for _, edge := range edges {
		parent, err := e.store.GetTask(edge.ParentID)
		if err != nil {
			return nil, err
		}
		parents = append(parents, parent)
	}
	return parents, nil
}

// ready evaluates the readiness function for the dependency kind.
// Sequential is wait-for-all with a single parent, enforced at build time.
func ready(kind types.DependencyKind, parents []*types.Task) bool {
	if len(parents) == 0 {
		return true
	}
	switch kind {
	case types.DependencyAny:
		for _, parent := range parents {
			if parent.Status == types.TaskStatusCompleted {
				return true
			}
		}
		return false
	default:
		for _, parent := range parents {
			if parent.Status != types.TaskStatusCompleted {
				return false
			}
		}
		return true
	}
}

// blockedBy returns the id of a parent whose terminal failure dooms the
// child, or "" when the child can still become ready. For wait-for-any the
// child survives until every parent has failed.
func blockedBy(kind types.DependencyKind, parents []*types.Task, completion types.Completion) string {
	if len(parents) == 0 {
		return ""
	}
	doomed := func(t *types.Task) bool {
		switch t.Status {
		case types.TaskStatusCancelled:
			return true
		case types.TaskStatusFailed:
			// Terminal when announced by the triggering completion or when
			// the retry budget is provably spent
			return t.ID == completion.TaskID || t.RetryCount >= t.MaxRetries
		default:
			return false
		}
	}
	switch kind {
	case types.DependencyAny:
		for _, parent := range parents {
			if !doomed(parent) {
				return ""
			}
		}
		return parents[0].ID
	default:
		for _, parent := range parents {
			if doomed(parent) {
				return parent.ID
			}
		}
		return ""
	}
}

// parentResults builds the condition-evaluation mapping {parent-name ->
// decoded result}. Parents without a result contribute nothing; failed
// lookups fall out as missing fields.
func parentResults(parents []*types.Task) map[string]any {
	results := make(map[string]any, len(parents))
	for _, parent := range parents {
		if len(parent.Result) == 0 {
			continue
		}
		var decoded any
		if err := json.Unmarshal(parent.Result, &decoded); err != nil {
			continue
		}
		results[parent.Name] = decoded
	}
	return results
}

// WaitTerminal polls the store until every task of the workflow is in a
// terminal or FAILED status, or ctx expires. Operator convenience for the
// CLI; correctness never depends on it.
func (e *Engine) WaitTerminal(ctx context.Context, workflowID string, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		tasks, err := e.store.ListTasksByWorkflow(workflowID)
		if err != nil {
			return err
		}
		settled := true
		for _, task := range tasks {
			if !task.Status.IsTerminal() && task.Status != types.TaskStatusFailed {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
