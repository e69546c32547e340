package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/resolver"
	"github.com/kingrea/control/internal/workspace"
)

// Sync reconciles the feature's tasks with its plan. An approved feature
// moves to executing once its tasks exist. The resulting task graph is
// checked for cycles before anything is written.
func (e *Engine) Sync(ctx context.Context, featureName string) (task.SyncResult, error) {
	const op = "engine.sync"
	f, err := e.gate.RequireMutable(ctx, featureName)
	if err != nil {
		return task.SyncResult{}, err
	}
	if f.Status != feature.StatusApproved && f.Status != feature.StatusExecuting {
		return task.SyncResult{}, errs.New(errs.KindInvalidState, op, "feature %s is %s; approve the plan before synchronizing", featureName, f.Status)
	}
	planned, err := e.plans.Tasks(ctx, featureName)
	if err != nil {
		return task.SyncResult{}, err
	}
	existing, err := e.store.List(ctx, featureName)
	if err != nil {
		return task.SyncResult{}, err
	}
	sp, err := task.PlanSync(featureName, existing, planned)
	if err != nil {
		return task.SyncResult{}, err
	}
	if _, err := resolver.New(sp.Prospective(existing)); err != nil {
		return task.SyncResult{}, err
	}
	result, err := sp.Apply(ctx, e.store)
	if err != nil {
		return task.SyncResult{}, err
	}
	if f.Status == feature.StatusApproved {
		if _, err := e.gate.BeginExecution(ctx, featureName); err != nil {
			return result, err
		}
		e.journal(featureName).Record("feature_executing", "", "execution started")
	}
	e.journal(featureName).Record("tasks_synced", "", "created %d, removed %d, updated %d, kept %d, manual %d",
		len(result.Created), len(result.Removed), len(result.Updated), len(result.Kept), len(result.Manual))
	e.logger.Info("tasks synchronized",
		zap.String("feature", featureName),
		zap.Strings("created", result.Created),
		zap.Strings("removed", result.Removed),
		zap.Strings("updated", result.Updated))
	return result, nil
}

// CreateTaskRequest adds a manual task.
type CreateTaskRequest struct {
	Feature string
	Name    string
	// Order is the numeric prefix; zero picks the next free one.
	Order int
	// DependsOn nil keeps implicit ordering.
	DependsOn []string
}

// CreateTask adds a manual task that plan synchronization will never touch.
func (e *Engine) CreateTask(ctx context.Context, req CreateTaskRequest) (task.Task, error) {
	const op = "engine.create_task"
	if _, err := e.gate.RequireMutable(ctx, req.Feature); err != nil {
		return task.Task{}, err
	}
	slug := task.Slugify(req.Name)
	if slug == "" {
		return task.Task{}, errs.New(errs.KindInvalidArgument, op, "task name %q has no usable characters", req.Name)
	}
	if req.Order < 0 {
		return task.Task{}, errs.New(errs.KindInvalidArgument, op, "order must not be negative")
	}
	existing, err := e.store.List(ctx, req.Feature)
	if err != nil {
		return task.Task{}, err
	}
	order := req.Order
	if order == 0 {
		order = task.NextOrder(existing)
	}
	t := task.Task{
		Key:       task.FormatKey(order, slug),
		Feature:   req.Feature,
		Status:    task.StatusPending,
		Origin:    task.OriginManual,
		DependsOn: normalizeDeps(req.DependsOn),
	}
	if _, err := resolver.New(append(existing, t)); err != nil {
		return task.Task{}, err
	}
	created, err := e.store.Create(ctx, t)
	if err != nil {
		return task.Task{}, err
	}
	e.journal(req.Feature).Record("task_created", created.Key, "manual task created")
	e.logger.Info("task created", zap.String("feature", req.Feature), zap.String("task", created.Key))
	return created, nil
}

// SetDependencies replaces the explicit dependency list of a pending task.
// A nil list restores implicit ordering.
func (e *Engine) SetDependencies(ctx context.Context, featureName, key string, deps []string) (task.Task, error) {
	const op = "engine.set_dependencies"
	if _, err := e.gate.RequireMutable(ctx, featureName); err != nil {
		return task.Task{}, err
	}
	unlock := e.lock(featureName, key)
	defer unlock()

	if err := task.ValidateName("task", key); err != nil {
		return task.Task{}, err
	}
	tasks, err := e.store.List(ctx, featureName)
	if err != nil {
		return task.Task{}, err
	}
	deps = normalizeDeps(deps)
	var current *task.Task
	for i := range tasks {
		if tasks[i].Key == key {
			current = &tasks[i]
			break
		}
	}
	if current == nil {
		return task.Task{}, errs.New(errs.KindNotFound, op, "task %s/%s not found", featureName, key)
	}
	if current.Status != task.StatusPending {
		return task.Task{}, errs.New(errs.KindInvalidState, op, "task %s is %s; dependencies can only change while pending", key, current.Status)
	}
	before := current.Clone()
	current.DependsOn = deps
	if _, err := resolver.New(tasks); err != nil {
		return task.Task{}, err
	}
	description := "implicit ordering"
	if deps != nil {
		description = "[" + strings.Join(deps, ", ") + "]"
	}
	return e.update(ctx, before, task.Patch{DependsOn: &deps}, "task_dependencies", "depends on %s", description)
}

// Cleanup removes orphaned workspaces of a feature.
func (e *Engine) Cleanup(ctx context.Context, featureName string) (workspace.CleanupResult, error) {
	if _, err := e.gate.RequireMutable(ctx, featureName); err != nil {
		return workspace.CleanupResult{}, err
	}
	result, err := e.workspaces.Cleanup(ctx, featureName)
	if err != nil {
		return result, err
	}
	if len(result.Removed) > 0 {
		e.journal(featureName).Record("workspace_cleanup", "", "removed %s", strings.Join(result.Removed, ", "))
	}
	return result, nil
}

// CreateFeature registers a feature in planning.
func (e *Engine) CreateFeature(ctx context.Context, name, ticket string) (feature.Feature, error) {
	f, err := e.gate.Create(ctx, name, ticket)
	if err != nil {
		return f, err
	}
	e.journal(name).Record("feature_created", "", "planning started")
	return f, nil
}

// ApproveFeature approves the feature's plan.
func (e *Engine) ApproveFeature(ctx context.Context, name string) (feature.Feature, error) {
	f, err := e.gate.Approve(ctx, name)
	if err != nil {
		return f, err
	}
	e.journal(name).Record("feature_approved", "", "plan approved")
	return f, nil
}

// HoldFeature places a gatekeeper hold that stops dispatch, completion and
// integration until released.
func (e *Engine) HoldFeature(ctx context.Context, name, reason string) error {
	if err := e.gate.Hold(ctx, name, reason); err != nil {
		return err
	}
	e.journal(name).Warn("feature_held", "", "%s", strings.TrimSpace(reason))
	return nil
}

// ReleaseFeature lifts a gatekeeper hold.
func (e *Engine) ReleaseFeature(ctx context.Context, name string) error {
	if err := e.gate.Release(ctx, name); err != nil {
		return err
	}
	e.journal(name).Record("feature_released", "", "hold released")
	return nil
}

// CompleteFeature seals a feature once every task is done or cancelled.
func (e *Engine) CompleteFeature(ctx context.Context, name, evidence string) (feature.Feature, error) {
	const op = "engine.complete_feature"
	if _, err := e.gate.RequireMutable(ctx, name); err != nil {
		return feature.Feature{}, err
	}
	tasks, err := e.store.List(ctx, name)
	if err != nil {
		return feature.Feature{}, err
	}
	var open []string
	for _, t := range tasks {
		if t.Status != task.StatusDone && t.Status != task.StatusCancelled {
			open = append(open, fmt.Sprintf("%s (%s)", t.Key, t.Status))
		}
	}
	if len(open) > 0 {
		return feature.Feature{}, errs.New(errs.KindInvalidState, op, "unfinished tasks: %s", strings.Join(open, ", "))
	}
	f, err := e.gate.Complete(ctx, name, evidence)
	if err != nil {
		return f, err
	}
	e.journal(name).Record("feature_completed", "", "%s", strings.TrimSpace(evidence))
	e.logger.Info("feature completed", zap.String("feature", name))
	return f, nil
}

// normalizeDeps trims and dedupes a dependency list while keeping nil and
// empty distinct.
func normalizeDeps(deps []string) []string {
	if deps == nil {
		return nil
	}
	out := make([]string, 0, len(deps))
	seen := make(map[string]bool, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	return out
}
