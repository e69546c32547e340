package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workspace"
)

// StartRequest asks for a task to be dispatched to a worker.
type StartRequest struct {
	Feature string
	Task    string
	// IdempotencyKey, when it matches the current attempt of an in_progress
	// task, turns the call into a replay of that attempt.
	IdempotencyKey string
	// Decision answers the blocker of a blocked task being resumed.
	Decision string
}

// StartResult describes the attempt handed to the worker.
type StartResult struct {
	Task      task.Task      `json:"task"`
	Workspace workspace.Info `json:"workspace"`
	Resumed   bool           `json:"resumed"`
	Replayed  bool           `json:"replayed"`
	// Reused is true when an existing workspace was picked up.
	Reused bool `json:"reused"`
}

// Start moves a pending task to in_progress once its dependencies are done,
// or resumes a blocked task in its existing workspace. Each call opens a new
// attempt except a replay of the current one.
func (e *Engine) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	const op = "engine.start"
	if _, err := e.gate.RequireExecuting(ctx, req.Feature); err != nil {
		return StartResult{}, err
	}
	unlock := e.lock(req.Feature, req.Task)
	defer unlock()

	t, err := e.getTask(ctx, req.Feature, req.Task)
	if err != nil {
		return StartResult{}, err
	}

	var (
		info    workspace.Info
		resumed bool
		reused  bool
	)
	switch t.Status {
	case task.StatusInProgress:
		if req.IdempotencyKey != "" && t.WorkerSession != nil && t.WorkerSession.IdempotencyKey == req.IdempotencyKey {
			ws, err := e.workspaces.Get(ctx, t.Feature, t.Key)
			if err != nil {
				return StartResult{}, err
			}
			result := StartResult{Task: t, Replayed: true, Reused: true}
			if ws != nil {
				result.Workspace = *ws
			}
			e.logger.Info("start replayed", zap.String("feature", t.Feature), zap.String("task", t.Key), zap.Int("attempt", t.Attempt()))
			return result, nil
		}
		return StartResult{}, errs.New(errs.KindInvalidState, op, "task %s is already in progress (attempt %d)", t.Key, t.Attempt())

	case task.StatusPending:
		_, res, err := e.snapshot(ctx, t.Feature)
		if err != nil {
			return StartResult{}, err
		}
		if unmet := res.Unmet(t.Key); len(unmet) > 0 {
			return StartResult{}, errs.Unsatisfied(op, t.Key, toUnmet(unmet))
		}
		ws, err := e.workspaces.Get(ctx, t.Feature, t.Key)
		if err != nil {
			return StartResult{}, err
		}
		if ws != nil && ws.Linked {
			info = *ws
			reused = true
			e.logger.Warn("reusing existing workspace for pending task",
				zap.String("feature", t.Feature), zap.String("task", t.Key), zap.String("path", ws.Path))
		} else {
			info, err = e.workspaces.Create(ctx, t.Feature, t.Key)
			if err != nil {
				if cause, ok := errs.As(err); ok && cause.Kind == errs.KindWorkspaceCreate {
					reason := cause.Msg
					if reason == "" {
						reason = cause.Error()
					}
					return StartResult{}, &errs.Error{
						Kind:       errs.KindWorkspaceCreate,
						Op:         op,
						Msg:        fmt.Sprintf("%s; discard task %s to clear the leftover branch or directory, then start it again", reason, t.Key),
						Diagnostic: cause.Diagnostic,
						Err:        err,
					}
				}
				return StartResult{}, err
			}
		}

	case task.StatusBlocked:
		ws, err := e.workspaces.Get(ctx, t.Feature, t.Key)
		if err != nil {
			return StartResult{}, err
		}
		if ws == nil || !ws.Linked {
			return StartResult{}, errs.New(errs.KindInvalidState, op, "workspace of blocked task %s is gone; discard the task to start over", t.Key)
		}
		info = *ws
		resumed = true
		reused = true

	default:
		return StartResult{}, errs.New(errs.KindInvalidState, op, "task %s is %s and cannot be started", t.Key, t.Status)
	}

	now := e.now()
	attempt := t.Attempt() + 1
	session := task.WorkerSession{
		SessionID:      e.sessionID(),
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKey(t.Feature, t.Key, attempt),
		StartedAt:      now,
		LastHeartbeat:  now,
	}
	patch := task.Patch{
		Status:        task.StatusPtr(task.StatusInProgress),
		WorkerSession: &session,
		ClearBlocker:  true,
	}
	if info.BaseCommit != "" {
		patch.BaseCommit = task.StringPtr(info.BaseCommit)
	}
	decision := strings.TrimSpace(req.Decision)
	if decision != "" {
		patch.Decision = task.StringPtr(decision)
	}

	event, message := "task_started", fmt.Sprintf("attempt %d on %s", attempt, info.Branch)
	if resumed {
		event = "task_resumed"
		if decision != "" {
			message = fmt.Sprintf("attempt %d, decision: %s", attempt, decision)
		} else {
			message = fmt.Sprintf("attempt %d", attempt)
		}
	}
	updated, err := e.update(ctx, t, patch, event, "%s", message)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{Task: updated, Workspace: info, Resumed: resumed, Reused: reused}, nil
}

// CompleteRequest reports the end of an attempt.
type CompleteRequest struct {
	Feature        string
	Task           string
	Outcome        task.Status
	Summary        string
	Blocker        *task.Blocker
	IdempotencyKey string
}

// CompleteResult carries the recorded task and what was captured from its
// workspace.
type CompleteResult struct {
	Task       task.Task               `json:"task"`
	Commit     *workspace.CommitResult `json:"commit,omitempty"`
	Diff       *workspace.Diff         `json:"diff,omitempty"`
	ReportPath string                  `json:"reportPath,omitempty"`
	Warnings   []string                `json:"warnings,omitempty"`
}

// Complete records the outcome of an in_progress attempt. Blocked outcomes
// only persist the blocker. Done, failed and partial outcomes commit the
// workspace and write report.md; done additionally needs a commit or a clean
// tree and releases the worktree while keeping the branch for integration.
func (e *Engine) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	const op = "engine.complete"
	switch req.Outcome {
	case task.StatusDone, task.StatusBlocked, task.StatusFailed, task.StatusPartial:
	default:
		return CompleteResult{}, errs.New(errs.KindInvalidArgument, op, "outcome must be done, blocked, failed or partial, got %q", req.Outcome)
	}
	if _, err := e.gate.RequireExecuting(ctx, req.Feature); err != nil {
		return CompleteResult{}, err
	}
	unlock := e.lock(req.Feature, req.Task)
	defer unlock()

	t, err := e.getTask(ctx, req.Feature, req.Task)
	if err != nil {
		return CompleteResult{}, err
	}
	if t.Status != task.StatusInProgress {
		return CompleteResult{}, errs.New(errs.KindInvalidState, op, "task %s is %s, expected in_progress", t.Key, t.Status)
	}
	if req.IdempotencyKey != "" && t.WorkerSession != nil && t.WorkerSession.IdempotencyKey != req.IdempotencyKey {
		return CompleteResult{}, errs.New(errs.KindInvalidState, op, "stale attempt %s; current attempt is %s", req.IdempotencyKey, t.WorkerSession.IdempotencyKey)
	}
	summary := strings.TrimSpace(req.Summary)

	if req.Outcome == task.StatusBlocked {
		if req.Blocker == nil {
			return CompleteResult{}, errs.New(errs.KindInvalidArgument, op, "a blocker is required for a blocked outcome")
		}
		if err := req.Blocker.Validate(); err != nil {
			return CompleteResult{}, err
		}
		patch := task.Patch{Status: task.StatusPtr(task.StatusBlocked), Blocker: req.Blocker}
		if summary != "" {
			patch.Summary = &summary
		}
		updated, err := e.update(ctx, t, patch, "task_blocked", "%s", req.Blocker.Reason)
		if err != nil {
			return CompleteResult{}, err
		}
		return CompleteResult{Task: updated}, nil
	}

	diff, err := e.workspaces.Diff(ctx, t.Feature, t.Key)
	if err != nil {
		return CompleteResult{}, err
	}
	commit, err := e.workspaces.Commit(ctx, t.Feature, t.Key, workspace.CommitMessage(t.Feature, t.Key, summary))
	if err != nil {
		return CompleteResult{}, err
	}
	if req.Outcome == task.StatusDone && !commit.Committed && commit.Message != workspace.MsgNoChanges {
		return CompleteResult{}, errs.New(errs.KindInvalidState, op, "cannot complete %s: %s", t.Key, commit.Message)
	}

	result := CompleteResult{Commit: &commit, Diff: &diff}
	sha := t.CommitSHA
	if commit.Committed {
		sha = commit.SHA
	}
	report := task.Report{
		Feature:      t.Feature,
		Task:         t.Key,
		Status:       req.Outcome,
		Summary:      summary,
		CommitSHA:    sha,
		FilesChanged: diff.FilesChanged,
		Insertions:   diff.Insertions,
		Deletions:    diff.Deletions,
		CompletedAt:  e.now(),
	}
	path, err := task.WriteReport(e.layout.TaskReportPath(t.Feature, t.Key), report)
	if err != nil {
		return CompleteResult{}, err
	}
	result.ReportPath = path

	patch := task.Patch{Status: task.StatusPtr(req.Outcome), Summary: &summary}
	if sha != "" {
		patch.CommitSHA = &sha
	}
	event := map[task.Status]string{
		task.StatusDone:    "task_completed",
		task.StatusFailed:  "task_failed",
		task.StatusPartial: "task_partial",
	}[req.Outcome]
	updated, err := e.update(ctx, t, patch, event, "%d file(s) changed, %s", len(diff.FilesChanged), commit.Message)
	if err != nil {
		return CompleteResult{}, err
	}
	result.Task = updated

	if req.Outcome == task.StatusDone && !e.settings.KeepWorkspaceOnDone {
		if err := e.workspaces.Remove(ctx, t.Feature, t.Key, false); err != nil {
			warning := fmt.Sprintf("workspace not removed: %v", err)
			result.Warnings = append(result.Warnings, warning)
			e.logger.Warn("remove workspace after completion", zap.String("feature", t.Feature), zap.String("task", t.Key), zap.Error(err))
			e.journal(t.Feature).Warn("workspace_remove_failed", t.Key, "%s", warning)
		}
	}
	return result, nil
}

// Heartbeat stamps the current worker session. The key must name the current
// attempt.
func (e *Engine) Heartbeat(ctx context.Context, featureName, key, idempotencyKey string) (task.Task, error) {
	const op = "engine.heartbeat"
	if _, err := e.gate.RequireMutable(ctx, featureName); err != nil {
		return task.Task{}, err
	}
	unlock := e.lock(featureName, key)
	defer unlock()

	t, err := e.getTask(ctx, featureName, key)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status != task.StatusInProgress || t.WorkerSession == nil {
		return task.Task{}, errs.New(errs.KindInvalidState, op, "task %s is %s and has no live session", t.Key, t.Status)
	}
	if idempotencyKey != t.WorkerSession.IdempotencyKey {
		return task.Task{}, errs.New(errs.KindInvalidState, op, "stale attempt %s; current attempt is %s", idempotencyKey, t.WorkerSession.IdempotencyKey)
	}
	session := *t.WorkerSession
	session.LastHeartbeat = e.now()
	return e.update(ctx, t, task.Patch{WorkerSession: &session}, "", "")
}

// Discard abandons the current attempt: the workspace and branch are removed
// and the task returns to pending. On a pending task it clears a workspace or
// branch left behind by an interrupted start.
func (e *Engine) Discard(ctx context.Context, featureName, key string) (task.Task, error) {
	const op = "engine.discard"
	if _, err := e.gate.RequireMutable(ctx, featureName); err != nil {
		return task.Task{}, err
	}
	unlock := e.lock(featureName, key)
	defer unlock()

	t, err := e.getTask(ctx, featureName, key)
	if err != nil {
		return task.Task{}, err
	}
	switch t.Status {
	case task.StatusInProgress, task.StatusBlocked, task.StatusFailed, task.StatusPartial:
	case task.StatusPending:
		if err := e.workspaces.Remove(ctx, t.Feature, t.Key, true); err != nil {
			return task.Task{}, err
		}
		e.journal(t.Feature).Record("task_discarded", t.Key, "leftover workspace cleared")
		e.logger.Info("leftover workspace cleared", zap.String("feature", t.Feature), zap.String("task", t.Key))
		return t, nil
	default:
		return task.Task{}, errs.New(errs.KindInvalidState, op, "task %s is %s and has no attempt to discard", t.Key, t.Status)
	}
	if err := e.workspaces.Remove(ctx, t.Feature, t.Key, true); err != nil {
		return task.Task{}, err
	}
	empty := ""
	return e.update(ctx, t, task.Patch{
		Status:       task.StatusPtr(task.StatusPending),
		ClearBlocker: true,
		Decision:     &empty,
		BaseCommit:   &empty,
		CommitSHA:    &empty,
	}, "task_discarded", "attempt %d discarded", t.Attempt())
}

// Cancel retires a task that has not completed. Its workspace and branch are
// removed and plan synchronization will keep it as cancelled.
func (e *Engine) Cancel(ctx context.Context, featureName, key string) (task.Task, error) {
	const op = "engine.cancel"
	if _, err := e.gate.RequireMutable(ctx, featureName); err != nil {
		return task.Task{}, err
	}
	unlock := e.lock(featureName, key)
	defer unlock()

	t, err := e.getTask(ctx, featureName, key)
	if err != nil {
		return task.Task{}, err
	}
	switch t.Status {
	case task.StatusPending, task.StatusBlocked, task.StatusFailed, task.StatusPartial:
	default:
		return task.Task{}, errs.New(errs.KindInvalidState, op, "task %s is %s and cannot be cancelled", t.Key, t.Status)
	}
	if err := e.workspaces.Remove(ctx, t.Feature, t.Key, true); err != nil {
		return task.Task{}, err
	}
	return e.update(ctx, t, task.Patch{Status: task.StatusPtr(task.StatusCancelled), ClearBlocker: true}, "task_cancelled", "cancelled from %s", t.Status)
}
