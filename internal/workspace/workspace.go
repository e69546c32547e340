// Package workspace gives every task its own git worktree on a dedicated
// branch, captures the work done there, and integrates it back into the
// integration branch.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/control/internal/errs"
)

// Messages returned by Commit when nothing was committed.
const (
	MsgNoChanges         = "No changes to commit"
	MsgWorkspaceNotFound = "Workspace not found"
)

// Info describes a task workspace.
type Info struct {
	Feature    string `json:"feature"`
	Task       string `json:"task"`
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	BaseCommit string `json:"baseCommit,omitempty"`
	Head       string `json:"head,omitempty"`
	// Linked is false when the directory exists but its git metadata is gone.
	Linked bool `json:"linked"`
	Dirty  bool `json:"dirty"`
}

// Diff summarises the work in a workspace relative to its base commit,
// covering both committed and uncommitted changes.
type Diff struct {
	HasDiff      bool     `json:"hasDiff"`
	FilesChanged []string `json:"filesChanged"`
	Insertions   int      `json:"insertions"`
	Deletions    int      `json:"deletions"`
	Committed    bool     `json:"committed"`
	Uncommitted  bool     `json:"uncommitted"`
}

// CommitResult reports the outcome of Commit. Committed is false with a
// message when there was nothing to commit or no workspace.
type CommitResult struct {
	Committed bool   `json:"committed"`
	SHA       string `json:"sha,omitempty"`
	Message   string `json:"message"`
}

// Strategy selects how a task branch is integrated.
type Strategy string

const (
	StrategyMerge  Strategy = "merge"
	StrategySquash Strategy = "squash"
	StrategyRebase Strategy = "rebase"
)

// ParseStrategy validates a strategy name; empty means merge.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return StrategyMerge, nil
	case StrategyMerge, StrategySquash, StrategyRebase:
		return s, nil
	default:
		return "", errs.New(errs.KindInvalidArgument, "workspace", "unknown merge strategy %q", raw)
	}
}

// MergeResult reports the outcome of Merge.
type MergeResult struct {
	Success      bool     `json:"success"`
	Strategy     Strategy `json:"strategy"`
	Branch       string   `json:"branch"`
	SHA          string   `json:"sha,omitempty"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	Conflicts    []string `json:"conflicts,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// CleanupResult lists the orphaned workspaces that were removed, as
// "<feature>/<task>".
type CleanupResult struct {
	Removed []string `json:"removed"`
}

// Backend is the workspace port used by the lifecycle engine.
type Backend interface {
	Create(ctx context.Context, feature, task string) (Info, error)
	// Get returns nil when no workspace directory exists.
	Get(ctx context.Context, feature, task string) (*Info, error)
	// List returns the workspaces of a feature, or of every feature when
	// feature is empty.
	List(ctx context.Context, feature string) ([]Info, error)
	Diff(ctx context.Context, feature, task string) (Diff, error)
	Commit(ctx context.Context, feature, task, message string) (CommitResult, error)
	// Merge integrates the task branch. A conflict returns the result with
	// the conflicting files together with a merge_conflict error and leaves
	// the integration branch untouched.
	Merge(ctx context.Context, feature, task string, strategy Strategy) (MergeResult, error)
	// Remove deletes the workspace, and the branch when asked. Removing
	// something that does not exist succeeds.
	Remove(ctx context.Context, feature, task string, deleteBranch bool) error
	Cleanup(ctx context.Context, feature string) (CleanupResult, error)
}

// Observer receives timing for git invocations and merge outcomes.
type Observer interface {
	ObserveGit(subcommand string, elapsed time.Duration, err error)
	ObserveMerge(strategy string, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveGit(string, time.Duration, error) {}
func (nopObserver) ObserveMerge(string, string)             {}

// BranchName returns <prefix>/<feature>/<task>.
func BranchName(prefix, feature, task string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", feature, task)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, feature, task)
}

// CommitMessage builds "<prefix>(<task>): <summary>" with the summary cut to
// fifty characters.
func CommitMessage(prefix, task, summary string) string {
	summary = strings.TrimSpace(strings.SplitN(summary, "\n", 2)[0])
	if summary == "" {
		summary = "update"
	}
	if r := []rune(summary); len(r) > 50 {
		summary = string(r[:50])
	}
	if prefix == "" {
		prefix = "task"
	}
	return fmt.Sprintf("%s(%s): %s", prefix, task, summary)
}
