package workspace

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/control/internal/errs"
)

// Merge outcomes reported to the Observer.
const (
	outcomeMerged   = "merged"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)

// Merge integrates a task branch into the integration branch checked out in
// the project root. Merges are serialized in-process and across processes.
func (m *Manager) Merge(ctx context.Context, feature, task string, strategy Strategy) (MergeResult, error) {
	if strategy == "" {
		strategy = StrategyMerge
	}
	branch := m.Branch(feature, task)
	result := MergeResult{Strategy: strategy, Branch: branch}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mergeLock.Acquire(ctx); err != nil {
		return result, err
	}
	defer func() {
		if err := m.mergeLock.Release(); err != nil {
			m.logger.Warn("release merge lock", zap.Error(err))
		}
	}()

	err := m.exclusive(ctx, func() error {
		var err error
		result, err = m.merge(ctx, feature, task, strategy, result)
		return err
	})
	switch {
	case err == nil:
		m.observer.ObserveMerge(string(strategy), outcomeMerged)
		m.logger.Info("task branch integrated",
			zap.String("branch", branch),
			zap.String("strategy", string(strategy)),
			zap.String("sha", result.SHA),
			zap.Int("files", len(result.FilesChanged)))
	case errs.Is(err, errs.KindMergeConflict):
		m.observer.ObserveMerge(string(strategy), outcomeConflict)
		m.logger.Warn("integration conflict",
			zap.String("branch", branch),
			zap.String("strategy", string(strategy)),
			zap.Strings("conflicts", result.Conflicts))
	default:
		m.observer.ObserveMerge(string(strategy), outcomeError)
		result.Error = err.Error()
	}
	return result, err
}

func (m *Manager) merge(ctx context.Context, feature, task string, strategy Strategy, result MergeResult) (MergeResult, error) {
	const op = "workspace.merge"
	root := m.layout.ProjectDir
	branch := result.Branch

	exists, err := m.branchExists(ctx, branch)
	if err != nil {
		return result, err
	}
	if !exists {
		return result, errs.New(errs.KindNotFound, op, "branch %s does not exist", branch)
	}
	current, err := m.currentBranch(ctx)
	if err != nil {
		return result, err
	}
	if current == "" {
		return result, errs.New(errs.KindInvalidState, op, "project root has a detached HEAD")
	}
	if m.integration != "" && current != m.integration {
		return result, errs.New(errs.KindInvalidState, op, "project root is on %s, expected integration branch %s", current, m.integration)
	}
	status, err := m.git.run(ctx, root, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return result, err
	}
	if status != "" {
		return result, errs.New(errs.KindInvalidState, op, "project root has uncommitted changes")
	}
	prevHead, err := m.git.run(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return result, err
	}

	switch strategy {
	case StrategyMerge:
		err = m.mergeCommit(ctx, branch, fmt.Sprintf("Merge %s (%s/%s)", branch, feature, task), &result)
	case StrategySquash:
		err = m.mergeSquash(ctx, branch, fmt.Sprintf("%s(%s): squash %s", feature, task, branch), &result)
	case StrategyRebase:
		err = m.mergeRebase(ctx, feature, task, current, &result)
	default:
		err = errs.New(errs.KindInvalidArgument, op, "unknown merge strategy %q", strategy)
	}
	if err != nil {
		return result, err
	}

	sha, err := m.git.run(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return result, err
	}
	result.SHA = sha
	if sha != prevHead {
		if files, err := m.git.lines(ctx, root, "diff", "--name-only", prevHead, sha); err == nil {
			result.FilesChanged = files
		}
	}
	result.Success = true
	return result, nil
}

func (m *Manager) mergeCommit(ctx context.Context, branch, message string, result *MergeResult) error {
	root := m.layout.ProjectDir
	_, err := m.git.run(ctx, root, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if err == nil {
		return nil
	}
	conflicts := m.conflicts(ctx, root)
	if _, abortErr := m.git.run(ctx, root, "merge", "--abort"); abortErr != nil {
		m.logger.Warn("merge --abort failed", zap.Error(abortErr))
	}
	return conflictOr(result, branch, conflicts, err)
}

func (m *Manager) mergeSquash(ctx context.Context, branch, message string, result *MergeResult) error {
	root := m.layout.ProjectDir
	if _, err := m.git.run(ctx, root, "merge", "--squash", branch); err != nil {
		conflicts := m.conflicts(ctx, root)
		if _, resetErr := m.git.run(ctx, root, "reset", "--merge"); resetErr != nil {
			m.logger.Warn("reset --merge failed", zap.Error(resetErr))
		}
		return conflictOr(result, branch, conflicts, err)
	}
	// diff --cached --quiet exits non-zero when something is staged.
	if _, err := m.git.run(ctx, root, "diff", "--cached", "--quiet"); err == nil {
		return nil
	}
	if _, err := m.git.run(ctx, root, "commit", "--no-verify", "-m", message); err != nil {
		return err
	}
	return nil
}

// mergeRebase replays the task branch onto the integration branch and then
// fast-forwards. With a live worktree the rebase runs there, since git will
// not check out a branch that another worktree holds.
func (m *Manager) mergeRebase(ctx context.Context, feature, task, integration string, result *MergeResult) error {
	root := m.layout.ProjectDir
	branch := result.Branch
	path := m.layout.WorktreePath(feature, task)
	if m.linked(ctx, path) {
		if _, err := m.git.run(ctx, path, "rebase", integration); err != nil {
			conflicts := m.conflicts(ctx, path)
			if _, abortErr := m.git.run(ctx, path, "rebase", "--abort"); abortErr != nil {
				m.logger.Warn("rebase --abort failed", zap.Error(abortErr))
			}
			return conflictOr(result, branch, conflicts, err)
		}
	} else {
		_, err := m.git.run(ctx, root, "rebase", integration, branch)
		if err != nil {
			conflicts := m.conflicts(ctx, root)
			if _, abortErr := m.git.run(ctx, root, "rebase", "--abort"); abortErr != nil {
				m.logger.Warn("rebase --abort failed", zap.Error(abortErr))
			}
			if _, coErr := m.git.run(ctx, root, "checkout", integration); coErr != nil {
				m.logger.Warn("restore integration branch", zap.Error(coErr))
			}
			return conflictOr(result, branch, conflicts, err)
		}
		if _, err := m.git.run(ctx, root, "checkout", integration); err != nil {
			return err
		}
	}
	_, err := m.git.run(ctx, root, "merge", "--ff-only", branch)
	return err
}

func (m *Manager) conflicts(ctx context.Context, dir string) []string {
	files, err := m.git.lines(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	return files
}

// conflictOr turns a failed integration into a merge_conflict error when git
// left unmerged paths, and passes other failures through.
func conflictOr(result *MergeResult, branch string, conflicts []string, err error) error {
	if len(conflicts) == 0 {
		return err
	}
	result.Conflicts = conflicts
	result.Error = fmt.Sprintf("merge conflict in %d file(s)", len(conflicts))
	return &errs.Error{
		Kind:      errs.KindMergeConflict,
		Op:        "workspace.merge",
		Msg:       fmt.Sprintf("integrating %s conflicts", branch),
		Conflicts: conflicts,
		Err:       err,
	}
}
