package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workspace"
)

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// newGitEngine returns an engine over a real repository on main.
func newGitEngine(t *testing.T, planned []task.PlanTask) (*Engine, config.Layout) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitIn(t, dir, "init", "-q")
	gitIn(t, dir, "checkout", "-q", "-b", "main")
	gitIn(t, dir, "config", "user.name", "Control Test")
	gitIn(t, dir, "config", "user.email", "control@example.com")
	gitIn(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	gitIn(t, dir, "add", "README.md")
	gitIn(t, dir, "commit", "-q", "-m", "initial")

	layout := config.NewLayout(dir)
	manager := workspace.NewManager(workspace.Options{
		Layout:            layout,
		BranchPrefix:      "control",
		IntegrationBranch: "main",
	})
	require.NoError(t, manager.Init(context.Background()))
	eng, err := New(Deps{
		Layout:     layout,
		Store:      task.NewFileStore(layout),
		Gate:       feature.NewGate(layout),
		Workspaces: manager,
		Plans:      &staticPlan{tasks: planned},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = eng.CreateFeature(ctx, "auth", "")
	require.NoError(t, err)
	_, err = eng.ApproveFeature(ctx, "auth")
	require.NoError(t, err)
	_, err = eng.Sync(ctx, "auth")
	require.NoError(t, err)
	return eng, layout
}

func TestStartWholeWaveInParallel(t *testing.T) {
	var names []string
	for i := 0; i < 8; i++ {
		names = append(names, fmt.Sprintf("1:part%d", i))
	}
	names = append(names, "2:assemble")
	eng, layout := newGitEngine(t, wave(names...))
	ctx := context.Background()
	head := gitIn(t, layout.ProjectDir, "rev-parse", "HEAD")

	st, err := eng.Status(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, st.Runnable, 8)

	results := make([]StartResult, len(st.Runnable))
	startErrs := make([]error, len(st.Runnable))
	var wg sync.WaitGroup
	for i, key := range st.Runnable {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i], startErrs[i] = eng.Start(ctx, StartRequest{Feature: "auth", Task: key})
		}(i, key)
	}
	wg.Wait()

	paths := map[string]bool{}
	for i, key := range st.Runnable {
		require.NoError(t, startErrs[i], key)
		assert.Equal(t, task.StatusInProgress, results[i].Task.Status, key)
		assert.Equal(t, head, results[i].Task.BaseCommit, key)
		assert.Equal(t, "control/auth/"+key, results[i].Workspace.Branch)
		paths[results[i].Workspace.Path] = true
	}
	assert.Len(t, paths, 8)

	st, err = eng.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, 8, st.Counts[task.StatusInProgress])
	for _, view := range st.Tasks {
		if view.Status == task.StatusInProgress {
			require.NotNil(t, view.Workspace, view.Key)
			assert.True(t, view.Workspace.Linked, view.Key)
		}
	}
}
