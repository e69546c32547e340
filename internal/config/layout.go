package config

import "path/filepath"

// Layout resolves every on-disk location under .control/.
type Layout struct {
	// ProjectDir is the repository root.
	ProjectDir string
	// Root is ProjectDir/.control.
	Root string
}

// NewLayout returns the layout for a project directory.
func NewLayout(projectDir string) Layout {
	return Layout{ProjectDir: projectDir, Root: filepath.Join(projectDir, ControlDir)}
}

// ConfigPath returns .control/config.yaml.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.yaml")
}

// LogsDir returns the path to the logs directory
func (l Layout) LogsDir() string {
	return filepath.Join(l.Root, "logs")
}

// FeaturesDir holds one directory per feature.
func (l Layout) FeaturesDir() string {
	return filepath.Join(l.Root, "features")
}

func (l Layout) FeatureDir(feature string) string {
	return filepath.Join(l.FeaturesDir(), feature)
}

func (l Layout) FeaturePath(feature string) string {
	return filepath.Join(l.FeatureDir(feature), "feature.json")
}

// PlanPath is the YAML plan consumed by task synchronization.
func (l Layout) PlanPath(feature string) string {
	return filepath.Join(l.FeatureDir(feature), "plan.yaml")
}

// HoldPath is the gatekeeper marker; its presence halts task dispatch.
func (l Layout) HoldPath(feature string) string {
	return filepath.Join(l.FeatureDir(feature), "BLOCKED")
}

func (l Layout) JournalPath(feature string) string {
	return filepath.Join(l.FeatureDir(feature), "journal.log")
}

func (l Layout) TasksDir(feature string) string {
	return filepath.Join(l.FeatureDir(feature), "tasks")
}

func (l Layout) TaskDir(feature, task string) string {
	return filepath.Join(l.TasksDir(feature), task)
}

func (l Layout) TaskStatusPath(feature, task string) string {
	return filepath.Join(l.TaskDir(feature, task), "status.json")
}

func (l Layout) TaskReportPath(feature, task string) string {
	return filepath.Join(l.TaskDir(feature, task), "report.md")
}

// WorktreesDir returns the root directory where task workspaces are materialized
func (l Layout) WorktreesDir() string {
	return filepath.Join(l.Root, ".worktrees")
}

func (l Layout) WorktreePath(feature, task string) string {
	return filepath.Join(l.WorktreesDir(), feature, task)
}

// MergeLockPath guards the integration branch across processes.
func (l Layout) MergeLockPath() string {
	return filepath.Join(l.Root, "merge.lock")
}

// GitLockPath serializes repository-wide git mutations (worktree and branch
// bookkeeping) across processes.
func (l Layout) GitLockPath() string {
	return filepath.Join(l.Root, "git.lock")
}
