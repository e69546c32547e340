package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/resolver"
	"github.com/kingrea/control/internal/workflow/scheduler"
)

// inspectLimit caps concurrent workspace inspections.
const inspectLimit = 4

// WorkspaceSummary is the part of a workspace shown in a status report.
type WorkspaceSummary struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Linked bool   `json:"linked"`
	Dirty  bool   `json:"hasUncommittedChanges"`
}

// TaskView is a task annotated with its scheduling state.
type TaskView struct {
	task.Task
	State        resolver.NodeState `json:"state"`
	Dependencies []string           `json:"dependencies"`
	BlockedBy    []resolver.Blocker `json:"blockedBy,omitempty"`
	Workspace    *WorkspaceSummary  `json:"workspace,omitempty"`
}

// Status is the aggregate view callers use to decide what to dispatch next.
type Status struct {
	Feature     feature.Feature                 `json:"feature"`
	Hold        string                          `json:"hold,omitempty"`
	Tasks       []TaskView                      `json:"tasks"`
	Counts      map[task.Status]int             `json:"counts"`
	Runnable    []string                        `json:"runnable"`
	BlockedBy   map[string][]resolver.Blocker   `json:"blockedBy"`
	Next        []string                        `json:"next"`
	Skipped     map[string]scheduler.SkipReason `json:"skipped,omitempty"`
	NextAction  string                          `json:"nextAction"`
	GeneratedAt time.Time                       `json:"generatedAt"`
}

// Status reports the feature, every task with its dependency state and
// workspace, the runnable set, the blocked-by map and the next dispatch batch.
// Workspace inspection failures leave the task's workspace empty.
func (e *Engine) Status(ctx context.Context, featureName string) (Status, error) {
	f, err := e.gate.Get(ctx, featureName)
	if err != nil {
		return Status{}, err
	}
	tasks, res, err := e.snapshot(ctx, featureName)
	if err != nil {
		return Status{}, err
	}
	hold, _ := e.gate.HoldReason(featureName)

	sched, err := scheduler.New(res)
	if err != nil {
		return Status{}, err
	}
	req := scheduler.RunnableRequest{
		BatchSize:   e.settings.BatchSize,
		MaxParallel: e.settings.MaxParallel,
		Hold:        hold,
	}
	if f.Status != feature.StatusExecuting && hold == "" {
		req.Hold = fmt.Sprintf("feature is %s", f.Status)
	}
	batch, err := sched.Runnable(req)
	if err != nil {
		return Status{}, err
	}

	views := make([]TaskView, len(tasks))
	counts := make(map[task.Status]int, len(task.Statuses()))
	for _, s := range task.Statuses() {
		counts[s] = 0
	}
	for i, t := range tasks {
		counts[t.Status]++
		view := TaskView{Task: t, Dependencies: res.Dependencies(t.Key)}
		if node, ok := res.Node(t.Key); ok {
			view.State = node.State
			view.BlockedBy = node.BlockedBy
		}
		views[i] = view
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectLimit)
	for i := range views {
		i := i
		g.Go(func() error {
			info, err := e.workspaces.Get(gctx, featureName, views[i].Key)
			if err != nil {
				e.logger.Debug("workspace inspection failed",
					zap.String("feature", featureName), zap.String("task", views[i].Key), zap.Error(err))
				return nil
			}
			if info != nil {
				views[i].Workspace = &WorkspaceSummary{Path: info.Path, Branch: info.Branch, Linked: info.Linked, Dirty: info.Dirty}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Status{}, err
	}

	status := Status{
		Feature:     f,
		Hold:        hold,
		Tasks:       views,
		Counts:      counts,
		Runnable:    nonNil(res.Runnable()),
		BlockedBy:   res.BlockedBy(),
		Next:        batch.Keys(),
		Skipped:     batch.Skipped,
		GeneratedAt: e.now(),
	}
	status.NextAction = nextAction(status)
	return status, nil
}

// nextAction suggests the single most useful next step.
func nextAction(s Status) string {
	name := s.Feature.Name
	switch s.Feature.Status {
	case feature.StatusPlanning:
		return fmt.Sprintf("approve the plan: control feature approve %s", name)
	case feature.StatusApproved:
		return fmt.Sprintf("create tasks from the plan: control sync %s", name)
	case feature.StatusCompleted:
		return "feature is completed"
	}
	if s.Hold != "" {
		return fmt.Sprintf("resolve the hold and run control feature release %s (%s)", name, s.Hold)
	}
	var blocked, failed, unintegrated, active []string
	for _, t := range s.Tasks {
		switch t.Status {
		case task.StatusBlocked:
			blocked = append(blocked, t.Key)
		case task.StatusFailed, task.StatusPartial:
			failed = append(failed, t.Key)
		case task.StatusInProgress:
			active = append(active, t.Key)
		case task.StatusDone:
			if !t.Integrated() {
				unintegrated = append(unintegrated, t.Key)
			}
		}
	}
	switch {
	case len(blocked) > 0:
		return fmt.Sprintf("answer the blocker and resume: control start %s %s --decision ...", name, blocked[0])
	case len(s.Next) > 0:
		return fmt.Sprintf("start %s", strings.Join(s.Next, ", "))
	case len(unintegrated) > 0:
		return fmt.Sprintf("integrate: control integrate %s %s", name, unintegrated[0])
	case len(active) > 0:
		return fmt.Sprintf("wait for %s", strings.Join(active, ", "))
	case len(failed) > 0:
		return fmt.Sprintf("review %s, then discard it to retry", failed[0])
	case len(s.BlockedBy) > 0:
		for _, t := range s.Tasks {
			if blockers, ok := s.BlockedBy[t.Key]; ok && len(blockers) > 0 {
				return fmt.Sprintf("resolve dependency %s (%s) of %s", blockers[0].Task, blockers[0].Status, t.Key)
			}
		}
	}
	if len(s.Tasks) == 0 {
		return fmt.Sprintf("no tasks yet: control sync %s", name)
	}
	return fmt.Sprintf("complete the feature: control feature complete %s --evidence ...", name)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
