package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/resolver"
	"github.com/kingrea/control/internal/workspace"
)

// StatusUnintegrated marks a done dependency whose work has not reached the
// integration branch yet.
const StatusUnintegrated = "unintegrated"

// IntegrateRequest asks for a done task to be merged.
type IntegrateRequest struct {
	Feature  string
	Task     string
	Strategy workspace.Strategy
}

// IntegrateResult reports the merge and the recorded task.
type IntegrateResult struct {
	Task          task.Task             `json:"task"`
	Merge         workspace.MergeResult `json:"merge"`
	BranchDeleted bool                  `json:"branchDeleted"`
	Warnings      []string              `json:"warnings,omitempty"`
}

// Integrate merges a done task's branch into the integration branch. Every
// effective dependency must already be integrated. A conflict returns the
// merge result together with a merge_conflict error and leaves the task done
// and unintegrated.
func (e *Engine) Integrate(ctx context.Context, req IntegrateRequest) (IntegrateResult, error) {
	const op = "engine.integrate"
	if _, err := e.gate.RequireExecuting(ctx, req.Feature); err != nil {
		return IntegrateResult{}, err
	}
	unlock := e.lock(req.Feature, req.Task)
	defer unlock()

	tasks, res, err := e.snapshot(ctx, req.Feature)
	if err != nil {
		return IntegrateResult{}, err
	}
	if err := task.ValidateName("task", req.Task); err != nil {
		return IntegrateResult{}, err
	}
	byKey := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		byKey[t.Key] = t
	}
	t, ok := byKey[req.Task]
	if !ok {
		return IntegrateResult{}, errs.New(errs.KindNotFound, op, "task %s/%s not found", req.Feature, req.Task)
	}
	if t.Status != task.StatusDone {
		return IntegrateResult{}, errs.New(errs.KindInvalidState, op, "task %s is %s; only done tasks can be integrated", t.Key, t.Status)
	}
	if t.Integrated() {
		return IntegrateResult{}, errs.New(errs.KindInvalidState, op, "task %s was already integrated at %s", t.Key, t.Integration.SHA)
	}
	var unmet []errs.Unmet
	for _, dep := range res.Dependencies(t.Key) {
		d, ok := byKey[dep]
		switch {
		case !ok:
			unmet = append(unmet, errs.Unmet{Task: dep, Status: string(resolver.StatusMissing)})
		case d.Status != task.StatusDone:
			unmet = append(unmet, errs.Unmet{Task: dep, Status: string(d.Status)})
		case !d.Integrated():
			unmet = append(unmet, errs.Unmet{Task: dep, Status: StatusUnintegrated})
		}
	}
	if len(unmet) > 0 {
		return IntegrateResult{}, errs.Unsatisfied(op, t.Key, unmet)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = e.settings.DefaultStrategy
	}
	merge, err := e.workspaces.Merge(ctx, t.Feature, t.Key, strategy)
	result := IntegrateResult{Task: t, Merge: merge}
	if err != nil {
		if errs.Is(err, errs.KindMergeConflict) {
			e.journal(t.Feature).Warn("merge_conflict", t.Key, "%s conflicts in %v", strategy, merge.Conflicts)
			e.logger.Warn("integration conflict",
				zap.String("feature", t.Feature),
				zap.String("task", t.Key),
				zap.Strings("conflicts", merge.Conflicts))
		}
		return result, err
	}

	integration := task.Integration{SHA: merge.SHA, Strategy: string(strategy), At: e.now()}
	updated, err := e.update(ctx, t, task.Patch{Integration: &integration}, "task_integrated", "%s into %s (%d file(s))", strategy, merge.SHA, len(merge.FilesChanged))
	if err != nil {
		return result, err
	}
	result.Task = updated

	if e.settings.DeleteBranchOnIntegrate {
		if err := e.workspaces.Remove(ctx, t.Feature, t.Key, true); err != nil {
			warning := fmt.Sprintf("branch not deleted: %v", err)
			result.Warnings = append(result.Warnings, warning)
			e.logger.Warn("delete integrated branch", zap.String("feature", t.Feature), zap.String("task", t.Key), zap.Error(err))
		} else {
			result.BranchDeleted = true
		}
	}
	return result, nil
}
