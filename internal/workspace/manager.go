package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/logging"
)

// Options configures a Manager.
type Options struct {
	Layout            config.Layout
	BranchPrefix      string
	IntegrationBranch string
	Logger            *logging.Logger
	Observer          Observer
}

// Manager is the git worktree Backend. Worktrees live under
// .control/.worktrees/<feature>/<task>.
type Manager struct {
	layout      config.Layout
	prefix      string
	integration string
	git         *gitRunner
	logger      *logging.Logger
	observer    Observer

	// mu and mergeLock serialize integrations. repoMu and repoLock serialize
	// mutations of repository-wide state: worktree records, branches and
	// the integration branch.
	mu        sync.Mutex
	mergeLock *FileLock
	repoMu    sync.Mutex
	repoLock  *FileLock
}

// baseFile holds a workspace's base commit inside its private git directory.
const baseFile = "control-base"

var _ Backend = (*Manager)(nil)

// NewManager returns a Manager for the project in opts.Layout.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	prefix := strings.TrimSpace(opts.BranchPrefix)
	if prefix == "" {
		prefix = config.DefaultBranchPrefix
	}
	return &Manager{
		layout:      opts.Layout,
		prefix:      prefix,
		integration: strings.TrimSpace(opts.IntegrationBranch),
		git:         newGitRunner(logger, observer),
		logger:      logger,
		observer:    observer,
		mergeLock:   NewFileLock(opts.Layout.MergeLockPath()),
		repoLock:    NewFileLock(opts.Layout.GitLockPath()),
	}
}

// Branch returns the branch name used for a task.
func (m *Manager) Branch(feature, task string) string {
	return BranchName(m.prefix, feature, task)
}

// Init checks that the project is a git repository with at least one commit
// and keeps .control/ out of git status.
func (m *Manager) Init(ctx context.Context) error {
	if _, err := m.git.run(ctx, m.layout.ProjectDir, "rev-parse", "--verify", "HEAD"); err != nil {
		return errs.New(errs.KindInvalidState, "workspace.init", "%s is not a git repository with at least one commit", m.layout.ProjectDir)
	}
	exclude, err := m.git.run(ctx, m.layout.ProjectDir, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(exclude) {
		exclude = filepath.Join(m.layout.ProjectDir, exclude)
	}
	entry := "/" + config.ControlDir + "/"
	data, err := os.ReadFile(exclude)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("workspace: read %s: %w", exclude, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(exclude), 0o755); err != nil {
		return fmt.Errorf("workspace: ensure %s: %w", filepath.Dir(exclude), err)
	}
	f, err := os.OpenFile(exclude, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: open %s: %w", exclude, err)
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	if _, err := fmt.Fprintf(f, "%s%s\n", prefix, entry); err != nil {
		return fmt.Errorf("workspace: update %s: %w", exclude, err)
	}
	return nil
}

// exclusive runs fn while holding the repository lock, in-process and across
// processes. git fails when worktree records or refs are updated
// concurrently in one repository.
func (m *Manager) exclusive(ctx context.Context, fn func() error) error {
	m.repoMu.Lock()
	defer m.repoMu.Unlock()
	if err := m.repoLock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.repoLock.Release(); err != nil {
			m.logger.Warn("release repository lock", zap.Error(err))
		}
	}()
	return fn()
}

// Create adds a worktree on a new task branch based on the integration
// branch. A leftover directory without git metadata is cleared first.
func (m *Manager) Create(ctx context.Context, feature, task string) (Info, error) {
	const op = "workspace.create"
	var info Info
	err := m.exclusive(ctx, func() error {
		var err error
		info, err = m.create(ctx, feature, task)
		return err
	})
	if err != nil {
		if _, ok := errs.As(err); !ok {
			err = errs.Wrap(errs.KindWorkspaceCreate, op, err)
		}
		return Info{}, err
	}
	return info, nil
}

func (m *Manager) create(ctx context.Context, feature, task string) (Info, error) {
	const op = "workspace.create"
	path := m.layout.WorktreePath(feature, task)
	branch := m.Branch(feature, task)

	if _, err := os.Stat(path); err == nil {
		if m.linked(ctx, path) {
			return Info{}, errs.New(errs.KindWorkspaceCreate, op, "workspace for %s/%s already exists at %s", feature, task, path)
		}
		m.logger.Warn("removing stale workspace directory",
			zap.String("feature", feature), zap.String("task", task), zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			return Info{}, errs.Wrap(errs.KindWorkspaceCreate, op, err)
		}
		m.prune(ctx)
	}

	exists, err := m.branchExists(ctx, branch)
	if err != nil {
		return Info{}, errs.Wrap(errs.KindWorkspaceCreate, op, err)
	}
	if exists {
		return Info{}, errs.New(errs.KindWorkspaceCreate, op, "branch %s already exists", branch)
	}

	base, err := m.baseRef(ctx)
	if err != nil {
		return Info{}, errs.Wrap(errs.KindWorkspaceCreate, op, err)
	}
	baseSHA, err := m.git.run(ctx, m.layout.ProjectDir, "rev-parse", "--verify", base+"^{commit}")
	if err != nil {
		return Info{}, errs.Wrap(errs.KindWorkspaceCreate, op, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, errs.Wrap(errs.KindWorkspaceCreate, op, err)
	}
	if _, err := m.git.run(ctx, m.layout.ProjectDir, "worktree", "add", "-b", branch, path, baseSHA); err != nil {
		return Info{}, errs.Wrap(errs.KindWorkspaceCreate, op, err)
	}
	if err := m.recordBase(path, baseSHA); err != nil {
		m.logger.Warn("record base commit failed, rolling back workspace",
			zap.String("branch", branch), zap.Error(err))
		if _, rmErr := m.git.run(ctx, m.layout.ProjectDir, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("roll back worktree", zap.String("path", path), zap.Error(rmErr))
		}
		if _, brErr := m.git.run(ctx, m.layout.ProjectDir, "branch", "-D", branch); brErr != nil {
			m.logger.Warn("roll back branch", zap.String("branch", branch), zap.Error(brErr))
		}
		return Info{}, errs.Wrap(errs.KindWorkspaceCreate, op, err)
	}
	m.logger.Info("workspace created",
		zap.String("feature", feature),
		zap.String("task", task),
		zap.String("branch", branch),
		zap.String("base", baseSHA))
	return Info{
		Feature:    feature,
		Task:       task,
		Path:       path,
		Branch:     branch,
		BaseCommit: baseSHA,
		Head:       baseSHA,
		Linked:     true,
	}, nil
}

// Get inspects a workspace. It returns nil when the directory does not exist.
func (m *Manager) Get(ctx context.Context, feature, task string) (*Info, error) {
	path := m.layout.WorktreePath(feature, task)
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: stat %s: %w", path, err)
	}
	if !st.IsDir() {
		return nil, errs.New(errs.KindInvalidState, "workspace.get", "%s is not a directory", path)
	}
	branch := m.Branch(feature, task)
	info := &Info{
		Feature:    feature,
		Task:       task,
		Path:       path,
		Branch:     branch,
		BaseCommit: m.recordedBase(path),
	}
	if !m.linked(ctx, path) {
		return info, nil
	}
	info.Linked = true
	if head, err := m.git.run(ctx, path, "rev-parse", "HEAD"); err == nil {
		info.Head = head
	}
	if status, err := m.git.run(ctx, path, "status", "--porcelain"); err == nil {
		info.Dirty = status != ""
	}
	return info, nil
}

// List returns the workspaces of a feature, or of every feature when feature
// is empty, ordered by feature then task.
func (m *Manager) List(ctx context.Context, feature string) ([]Info, error) {
	features := []string{feature}
	if feature == "" {
		var err error
		features, err = subdirs(m.layout.WorktreesDir())
		if err != nil {
			return nil, err
		}
	}
	var out []Info
	for _, f := range features {
		tasks, err := subdirs(filepath.Join(m.layout.WorktreesDir(), f))
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			info, err := m.Get(ctx, f, t)
			if err != nil {
				return nil, err
			}
			if info != nil {
				out = append(out, *info)
			}
		}
	}
	return out, nil
}

// HasUncommittedChanges reports whether a linked workspace has staged,
// unstaged, or untracked changes.
func (m *Manager) HasUncommittedChanges(ctx context.Context, feature, task string) (bool, error) {
	path := m.layout.WorktreePath(feature, task)
	if !m.linked(ctx, path) {
		return false, errs.New(errs.KindNotFound, "workspace.status", "no workspace for %s/%s", feature, task)
	}
	status, err := m.git.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return status != "", nil
}

// Diff measures the work in a workspace against its base commit. Missing
// workspaces and git failures yield an empty Diff.
func (m *Manager) Diff(ctx context.Context, feature, task string) (Diff, error) {
	diff := Diff{FilesChanged: []string{}}
	path := m.layout.WorktreePath(feature, task)
	if !m.linked(ctx, path) {
		return diff, nil
	}
	base := m.recordedBase(path)
	if base == "" {
		integ, err := m.baseRef(ctx)
		if err != nil {
			return diff, nil
		}
		mb, err := m.git.run(ctx, path, "merge-base", integ, "HEAD")
		if err != nil {
			return diff, nil
		}
		base = mb
	}

	var files []string
	numstatOut, err := m.git.run(ctx, path, "diff", "--numstat", base)
	if err != nil {
		m.logger.Debug("diff unavailable", zap.String("path", path), zap.Error(err))
		return diff, nil
	}
	for _, n := range parseNumstat(numstatOut) {
		files = append(files, n.path)
		diff.Insertions += n.insertions
		diff.Deletions += n.deletions
	}
	if untracked, err := m.git.lines(ctx, path, "ls-files", "--others", "--exclude-standard"); err == nil {
		for _, rel := range untracked {
			files = append(files, rel)
			diff.Insertions += countLines(filepath.Join(path, rel))
		}
	}
	if status, err := m.git.run(ctx, path, "status", "--porcelain"); err == nil {
		diff.Uncommitted = len(parsePorcelain(status)) > 0
	}
	if count, err := m.git.run(ctx, path, "rev-list", "--count", base+"..HEAD"); err == nil {
		n, _ := strconv.Atoi(count)
		diff.Committed = n > 0
	}
	diff.FilesChanged = sortedUnique(files)
	diff.HasDiff = len(diff.FilesChanged) > 0
	return diff, nil
}

// Commit stages everything in the workspace and commits it. Nothing to commit
// and a missing workspace are reported in the result rather than as errors.
func (m *Manager) Commit(ctx context.Context, feature, task, message string) (CommitResult, error) {
	path := m.layout.WorktreePath(feature, task)
	if !m.linked(ctx, path) {
		return CommitResult{Message: MsgWorkspaceNotFound}, nil
	}
	if _, err := m.git.run(ctx, path, "add", "-A"); err != nil {
		return CommitResult{}, err
	}
	status, err := m.git.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return CommitResult{}, err
	}
	if status == "" {
		return CommitResult{Message: MsgNoChanges}, nil
	}
	if _, err := m.git.run(ctx, path, "commit", "--no-verify", "-m", message); err != nil {
		return CommitResult{}, err
	}
	sha, err := m.git.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, err
	}
	m.logger.Info("workspace committed",
		zap.String("feature", feature), zap.String("task", task), zap.String("sha", sha))
	return CommitResult{Committed: true, SHA: sha, Message: message}, nil
}

// Remove deletes the worktree, and the task branch when deleteBranch is set.
func (m *Manager) Remove(ctx context.Context, feature, task string, deleteBranch bool) error {
	return m.exclusive(ctx, func() error {
		return m.remove(ctx, feature, task, deleteBranch)
	})
}

func (m *Manager) remove(ctx context.Context, feature, task string, deleteBranch bool) error {
	path := m.layout.WorktreePath(feature, task)
	if _, err := os.Stat(path); err == nil {
		if _, err := m.git.run(ctx, m.layout.ProjectDir, "worktree", "remove", "--force", path); err != nil {
			m.logger.Debug("worktree remove failed, deleting directory",
				zap.String("path", path), zap.Error(err))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return fmt.Errorf("workspace: remove %s: %w", path, rmErr)
			}
		}
		m.prune(ctx)
		removeIfEmpty(filepath.Dir(path))
	}
	if !deleteBranch {
		return nil
	}
	branch := m.Branch(feature, task)
	exists, err := m.branchExists(ctx, branch)
	if err != nil || !exists {
		return err
	}
	if _, err := m.git.run(ctx, m.layout.ProjectDir, "branch", "-D", branch); err != nil {
		return err
	}
	m.logger.Info("task branch deleted", zap.String("branch", branch))
	return nil
}

// Cleanup removes workspace directories whose git metadata is gone and
// prunes git's worktree records.
func (m *Manager) Cleanup(ctx context.Context, feature string) (CleanupResult, error) {
	result := CleanupResult{Removed: []string{}}
	err := m.exclusive(ctx, func() error {
		infos, err := m.List(ctx, feature)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.Linked {
				continue
			}
			if err := os.RemoveAll(info.Path); err != nil {
				return fmt.Errorf("workspace: remove %s: %w", info.Path, err)
			}
			removeIfEmpty(filepath.Dir(info.Path))
			result.Removed = append(result.Removed, info.Feature+"/"+info.Task)
		}
		m.prune(ctx)
		return nil
	})
	if err != nil {
		return result, err
	}
	if len(result.Removed) > 0 {
		m.logger.Info("orphaned workspaces removed", zap.Strings("workspaces", result.Removed))
	}
	return result, nil
}

// linked reports whether path is a worktree git still knows about: its .git
// file must point at an existing gitdir and git must accept it.
func (m *Manager) linked(ctx context.Context, path string) bool {
	gitdir, ok := worktreeGitDir(path)
	if !ok {
		return false
	}
	if _, err := os.Stat(gitdir); err != nil {
		return false
	}
	out, err := m.git.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// worktreeGitDir returns the private git directory named by the .git file of
// the worktree at path.
func worktreeGitDir(path string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return "", false
	}
	gitdir, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return "", false
	}
	gitdir = strings.TrimSpace(gitdir)
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(path, gitdir)
	}
	return gitdir, true
}

// baseRef returns the integration branch when configured, otherwise HEAD.
func (m *Manager) baseRef(ctx context.Context) (string, error) {
	if m.integration != "" {
		exists, err := m.branchExists(ctx, m.integration)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", errs.New(errs.KindNotFound, "workspace", "integration branch %s does not exist", m.integration)
		}
		return m.integration, nil
	}
	return "HEAD", nil
}

// recordBase stores the base commit in the worktree's private git directory,
// which git removes together with the worktree.
func (m *Manager) recordBase(path, sha string) error {
	gitdir, ok := worktreeGitDir(path)
	if !ok {
		return fmt.Errorf("workspace: %s has no git directory", path)
	}
	if err := os.WriteFile(filepath.Join(gitdir, baseFile), []byte(sha+"\n"), 0o644); err != nil {
		return fmt.Errorf("workspace: record base commit: %w", err)
	}
	return nil
}

func (m *Manager) recordedBase(path string) string {
	gitdir, ok := worktreeGitDir(path)
	if !ok {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(gitdir, baseFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (m *Manager) prune(ctx context.Context) {
	if _, err := m.git.run(ctx, m.layout.ProjectDir, "worktree", "prune"); err != nil {
		m.logger.Warn("worktree prune failed", zap.Error(err))
	}
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: read %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}
