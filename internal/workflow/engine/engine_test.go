package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workspace"
)

// fakeWorkspaces is an in-memory workspace backend.
type fakeWorkspaces struct {
	mu        sync.Mutex
	spaces    map[string]*workspace.Info
	branches  map[string]bool
	dirty     map[string]bool
	commits   int
	merged    []string
	conflicts map[string][]string
	removed   []string
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{
		spaces:    map[string]*workspace.Info{},
		branches:  map[string]bool{},
		dirty:     map[string]bool{},
		conflicts: map[string][]string{},
	}
}

func wsKey(feature, task string) string { return feature + "/" + task }

func (f *fakeWorkspaces) Create(_ context.Context, feature, task string) (workspace.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := wsKey(feature, task)
	if f.branches[key] {
		return workspace.Info{}, errs.New(errs.KindWorkspaceCreate, "fake", "branch exists")
	}
	info := &workspace.Info{
		Feature:    feature,
		Task:       task,
		Path:       "/ws/" + key,
		Branch:     "control/" + key,
		BaseCommit: "base000",
		Linked:     true,
	}
	f.spaces[key] = info
	f.branches[key] = true
	return *info, nil
}

func (f *fakeWorkspaces) Get(_ context.Context, feature, task string) (*workspace.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.spaces[wsKey(feature, task)]
	if !ok {
		return nil, nil
	}
	out := *info
	out.Dirty = f.dirty[wsKey(feature, task)]
	return &out, nil
}

func (f *fakeWorkspaces) List(_ context.Context, feature string) ([]workspace.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workspace.Info
	for _, info := range f.spaces {
		if feature == "" || info.Feature == feature {
			out = append(out, *info)
		}
	}
	return out, nil
}

func (f *fakeWorkspaces) Diff(_ context.Context, feature, task string) (workspace.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty[wsKey(feature, task)] {
		return workspace.Diff{HasDiff: true, FilesChanged: []string{"main.go"}, Insertions: 3, Uncommitted: true}, nil
	}
	return workspace.Diff{FilesChanged: []string{}}, nil
}

func (f *fakeWorkspaces) Commit(_ context.Context, feature, task, message string) (workspace.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := wsKey(feature, task)
	if _, ok := f.spaces[key]; !ok {
		return workspace.CommitResult{Message: workspace.MsgWorkspaceNotFound}, nil
	}
	if !f.dirty[key] {
		return workspace.CommitResult{Message: workspace.MsgNoChanges}, nil
	}
	f.dirty[key] = false
	f.commits++
	return workspace.CommitResult{Committed: true, SHA: fmt.Sprintf("sha%03d", f.commits), Message: message}, nil
}

func (f *fakeWorkspaces) Merge(_ context.Context, feature, task string, strategy workspace.Strategy) (workspace.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := wsKey(feature, task)
	result := workspace.MergeResult{Strategy: strategy, Branch: "control/" + key}
	if !f.branches[key] {
		return result, errs.New(errs.KindNotFound, "fake", "branch missing")
	}
	if files := f.conflicts[key]; len(files) > 0 {
		result.Conflicts = files
		return result, &errs.Error{Kind: errs.KindMergeConflict, Op: "fake", Conflicts: files}
	}
	f.merged = append(f.merged, key)
	result.Success = true
	result.SHA = "merge-" + task
	return result, nil
}

func (f *fakeWorkspaces) Remove(_ context.Context, feature, task string, deleteBranch bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := wsKey(feature, task)
	delete(f.spaces, key)
	delete(f.dirty, key)
	if deleteBranch {
		delete(f.branches, key)
	}
	f.removed = append(f.removed, fmt.Sprintf("%s:%t", key, deleteBranch))
	return nil
}

func (f *fakeWorkspaces) Cleanup(_ context.Context, feature string) (workspace.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := workspace.CleanupResult{Removed: []string{}}
	for key, info := range f.spaces {
		if info.Feature == feature && !info.Linked {
			delete(f.spaces, key)
			result.Removed = append(result.Removed, key)
		}
	}
	sort.Strings(result.Removed)
	return result, nil
}

func (f *fakeWorkspaces) setDirty(feature, task string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[wsKey(feature, task)] = true
}

type staticPlan struct {
	tasks []task.PlanTask
	err   error
}

func (p *staticPlan) Tasks(context.Context, string) ([]task.PlanTask, error) {
	return p.tasks, p.err
}

type countingMetrics struct {
	mu          sync.Mutex
	transitions []string
}

func (m *countingMetrics) ObserveTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
}

type harness struct {
	engine  *Engine
	store   task.Store
	gate    *feature.Gate
	ws      *fakeWorkspaces
	plan    *staticPlan
	metrics *countingMetrics
	layout  config.Layout
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	layout := config.NewLayout(t.TempDir())
	clock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	h := &harness{
		store:   task.NewFileStore(layout).WithClock(clock),
		gate:    feature.NewGate(layout).WithClock(clock),
		ws:      newFakeWorkspaces(),
		plan:    &staticPlan{},
		metrics: &countingMetrics{},
		layout:  layout,
	}
	sessions := 0
	eng, err := New(Deps{
		Layout:     layout,
		Store:      h.store,
		Gate:       h.gate,
		Workspaces: h.ws,
		Plans:      h.plan,
		Metrics:    h.metrics,
		Settings:   settings,
	}, WithClock(clock), WithSessionIDs(func() string {
		sessions++
		return fmt.Sprintf("session-%d", sessions)
	}))
	require.NoError(t, err)
	h.engine = eng
	return h
}

// executing creates an executing feature with the planned tasks.
func (h *harness) executing(t *testing.T, name string, planned ...task.PlanTask) {
	t.Helper()
	ctx := context.Background()
	_, err := h.engine.CreateFeature(ctx, name, "")
	require.NoError(t, err)
	_, err = h.engine.ApproveFeature(ctx, name)
	require.NoError(t, err)
	h.plan.tasks = planned
	_, err = h.engine.Sync(ctx, name)
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T, featureName, key string) StartResult {
	t.Helper()
	res, err := h.engine.Start(context.Background(), StartRequest{Feature: featureName, Task: key})
	require.NoError(t, err)
	return res
}

func (h *harness) complete(t *testing.T, featureName, key string, outcome task.Status) CompleteResult {
	t.Helper()
	res, err := h.engine.Complete(context.Background(), CompleteRequest{Feature: featureName, Task: key, Outcome: outcome, Summary: "did the work"})
	require.NoError(t, err)
	return res
}

func wave(names ...string) []task.PlanTask {
	var out []task.PlanTask
	for _, n := range names {
		parts := strings.SplitN(n, ":", 2)
		var order int
		fmt.Sscanf(parts[0], "%d", &order)
		out = append(out, task.PlanTask{Name: parts[1], Order: order})
	}
	return out
}

func TestWaveScheduling(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:a", "1:b", "2:c")...)

	st, err := h.engine.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, []string{"01-a", "01-b"}, st.Runnable)
	assert.Contains(t, st.BlockedBy, "02-c")
	assert.Equal(t, feature.StatusExecuting, st.Feature.Status)

	_, err = h.engine.Start(ctx, StartRequest{Feature: "auth", Task: "02-c"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDependencyUnmet))
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, []errs.Unmet{{Task: "01-a", Status: "pending"}, {Task: "01-b", Status: "pending"}}, e.Unmet)

	for _, key := range []string{"01-a", "01-b"} {
		h.start(t, "auth", key)
		h.complete(t, "auth", key, task.StatusDone)
	}
	st, err = h.engine.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, []string{"02-c"}, st.Runnable)
	assert.Empty(t, st.BlockedBy)
	assert.Equal(t, 2, st.Counts[task.StatusDone])
}

func TestStartCreatesWorkspaceAndSession(t *testing.T) {
	h := newHarness(t, Settings{})
	h.executing(t, "auth", wave("1:schema")...)

	res := h.start(t, "auth", "01-schema")
	assert.Equal(t, task.StatusInProgress, res.Task.Status)
	assert.Equal(t, "control/auth/01-schema", res.Workspace.Branch)
	assert.False(t, res.Resumed)
	require.NotNil(t, res.Task.WorkerSession)
	assert.Equal(t, 1, res.Task.WorkerSession.Attempt)
	assert.Equal(t, "auth/01-schema/1", res.Task.WorkerSession.IdempotencyKey)
	assert.Equal(t, "session-1", res.Task.WorkerSession.SessionID)
	assert.Equal(t, "base000", res.Task.BaseCommit)
	assert.NotNil(t, res.Task.StartedAt)
	assert.Equal(t, []string{"pending->in_progress"}, h.metrics.transitions)

	_, err := h.engine.Start(context.Background(), StartRequest{Feature: "auth", Task: "01-schema"})
	assert.True(t, errs.Is(err, errs.KindInvalidState))

	replay, err := h.engine.Start(context.Background(), StartRequest{Feature: "auth", Task: "01-schema", IdempotencyKey: "auth/01-schema/1"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, 1, replay.Task.Attempt())
}

func TestStartReusesLinkedWorkspaceAfterCrash(t *testing.T) {
	h := newHarness(t, Settings{})
	h.executing(t, "auth", wave("1:schema")...)
	_, err := h.ws.Create(context.Background(), "auth", "01-schema")
	require.NoError(t, err)

	res := h.start(t, "auth", "01-schema")
	assert.True(t, res.Reused)
	assert.Equal(t, task.StatusInProgress, res.Task.Status)
}

func TestBlockAndResumePreservesWorkspace(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:schema", "2:api")...)
	first := h.start(t, "auth", "01-schema")
	h.ws.setDirty("auth", "01-schema")

	_, err := h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-schema", Outcome: task.StatusBlocked})
	assert.True(t, errs.Is(err, errs.KindInvalidArgument), "blocker required")

	blocker := &task.Blocker{Reason: "which database?", Options: []string{"postgres", "sqlite"}, Recommendation: "postgres"}
	res, err := h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-schema", Outcome: task.StatusBlocked, Blocker: blocker})
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, res.Task.Status)
	require.NotNil(t, res.Task.Blocker)
	assert.Nil(t, res.Commit, "blocked outcome does not commit")
	assert.Zero(t, h.ws.commits)

	st, err := h.engine.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Contains(t, st.NextAction, "answer the blocker")

	resumed, err := h.engine.Start(ctx, StartRequest{Feature: "auth", Task: "01-schema", Decision: "postgres"})
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, first.Workspace.Path, resumed.Workspace.Path)
	assert.Equal(t, first.Workspace.Branch, resumed.Workspace.Branch)
	assert.Equal(t, 2, resumed.Task.Attempt())
	assert.Nil(t, resumed.Task.Blocker)
	assert.Equal(t, "postgres", resumed.Task.Decision)

	done := h.complete(t, "auth", "01-schema", task.StatusDone)
	require.NotNil(t, done.Commit)
	assert.True(t, done.Commit.Committed, "uncommitted work survived the block")
}

func TestResumeRequiresWorkspace(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:schema")...)
	h.start(t, "auth", "01-schema")
	_, err := h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-schema", Outcome: task.StatusBlocked, Blocker: &task.Blocker{Reason: "stuck"}})
	require.NoError(t, err)
	require.NoError(t, h.ws.Remove(ctx, "auth", "01-schema", false))

	_, err = h.engine.Start(ctx, StartRequest{Feature: "auth", Task: "01-schema"})
	assert.True(t, errs.Is(err, errs.KindInvalidState))
}

func TestCompleteDoneCommitsAndWritesReport(t *testing.T) {
	h := newHarness(t, Settings{})
	h.executing(t, "auth", wave("1:schema")...)
	h.start(t, "auth", "01-schema")
	h.ws.setDirty("auth", "01-schema")

	res := h.complete(t, "auth", "01-schema", task.StatusDone)
	assert.Equal(t, task.StatusDone, res.Task.Status)
	assert.Equal(t, "sha001", res.Task.CommitSHA)
	assert.NotNil(t, res.Task.CompletedAt)
	assert.Equal(t, []string{"main.go"}, res.Diff.FilesChanged)

	data, err := os.ReadFile(h.layout.TaskReportPath("auth", "01-schema"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "✅ Completed")
	assert.Contains(t, string(data), "sha001")
	assert.Contains(t, string(data), "`main.go`")

	assert.Equal(t, []string{"auth/01-schema:false"}, h.ws.removed, "worktree removed, branch kept")
	assert.True(t, h.ws.branches["auth/01-schema"])
}

func TestCompleteDoneWithCleanTree(t *testing.T) {
	h := newHarness(t, Settings{KeepWorkspaceOnDone: true})
	h.executing(t, "auth", wave("1:schema")...)
	h.start(t, "auth", "01-schema")

	res := h.complete(t, "auth", "01-schema", task.StatusDone)
	assert.False(t, res.Commit.Committed)
	assert.Equal(t, workspace.MsgNoChanges, res.Commit.Message)
	assert.Empty(t, h.ws.removed, "workspace kept when configured")
}

func TestCompleteDoneWithoutWorkspaceFails(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:schema")...)
	h.start(t, "auth", "01-schema")
	require.NoError(t, h.ws.Remove(ctx, "auth", "01-schema", false))

	_, err := h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-schema", Outcome: task.StatusDone})
	assert.True(t, errs.Is(err, errs.KindInvalidState))
	got, err := h.store.Get(ctx, "auth", "01-schema")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
}

func TestCompleteFailedRetainsWorkspace(t *testing.T) {
	h := newHarness(t, Settings{})
	h.executing(t, "auth", wave("1:schema")...)
	h.start(t, "auth", "01-schema")
	h.ws.setDirty("auth", "01-schema")

	res := h.complete(t, "auth", "01-schema", task.StatusFailed)
	assert.Equal(t, task.StatusFailed, res.Task.Status)
	assert.True(t, res.Commit.Committed)
	assert.Empty(t, h.ws.removed)
	data, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "❌ Failed")
}

func TestCompleteRejectsStaleAttemptAndBadOutcome(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:schema")...)

	_, err := h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-schema", Outcome: task.StatusDone})
	assert.True(t, errs.Is(err, errs.KindInvalidState), "pending task cannot complete")

	h.start(t, "auth", "01-schema")
	_, err = h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-schema", Outcome: task.StatusCancelled})
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	_, err = h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-schema", Outcome: task.StatusDone, IdempotencyKey: "auth/01-schema/0"})
	assert.True(t, errs.Is(err, errs.KindInvalidState))
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:schema")...)
	res := h.start(t, "auth", "01-schema")

	got, err := h.engine.Heartbeat(ctx, "auth", "01-schema", res.Task.WorkerSession.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt())
	_, err = h.engine.Heartbeat(ctx, "auth", "01-schema", "auth/01-schema/7")
	assert.True(t, errs.Is(err, errs.KindInvalidState))
}

func TestDiscardReturnsTaskToPending(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:schema")...)
	h.start(t, "auth", "01-schema")
	h.ws.setDirty("auth", "01-schema")

	got, err := h.engine.Discard(ctx, "auth", "01-schema")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.BaseCommit)
	assert.Equal(t, []string{"auth/01-schema:true"}, h.ws.removed)

	pending, err := h.engine.Discard(ctx, "auth", "01-schema")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, pending.Status)

	again := h.start(t, "auth", "01-schema")
	assert.Equal(t, 2, again.Task.Attempt(), "attempts keep counting after discard")
}

func TestDiscardClearsLeftoverBranchOfPendingTask(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:schema")...)
	h.ws.mu.Lock()
	h.ws.branches[wsKey("auth", "01-schema")] = true
	h.ws.mu.Unlock()

	_, err := h.engine.Start(ctx, StartRequest{Feature: "auth", Task: "01-schema"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindWorkspaceCreate))
	assert.Contains(t, err.Error(), "discard task 01-schema")

	got, err := h.engine.Discard(ctx, "auth", "01-schema")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, []string{"auth/01-schema:true"}, h.ws.removed)

	res := h.start(t, "auth", "01-schema")
	assert.Equal(t, task.StatusInProgress, res.Task.Status)
	assert.Equal(t, 1, res.Task.Attempt())
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:a", "2:b")...)

	got, err := h.engine.Cancel(ctx, "auth", "01-a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	_, err = h.engine.Start(ctx, StartRequest{Feature: "auth", Task: "02-b"})
	assert.True(t, errs.Is(err, errs.KindDependencyUnmet), "cancelled dependency never satisfies")

	h.plan.tasks = wave("2:b")
	res, err := h.engine.Sync(ctx, "auth")
	require.NoError(t, err)
	assert.Contains(t, res.Kept, "01-a", "sync keeps cancelled tasks")
}

func TestIntegrateOrderAndConflicts(t *testing.T) {
	h := newHarness(t, Settings{DeleteBranchOnIntegrate: true, DefaultStrategy: workspace.StrategySquash})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:a", "2:b")...)
	h.start(t, "auth", "01-a")
	h.ws.setDirty("auth", "01-a")
	h.complete(t, "auth", "01-a", task.StatusDone)
	h.start(t, "auth", "02-b")
	h.ws.setDirty("auth", "02-b")
	h.complete(t, "auth", "02-b", task.StatusDone)

	_, err := h.engine.Integrate(ctx, IntegrateRequest{Feature: "auth", Task: "02-b"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDependencyUnmet))
	e, _ := errs.As(err)
	assert.Equal(t, []errs.Unmet{{Task: "01-a", Status: StatusUnintegrated}}, e.Unmet)

	h.ws.conflicts["auth/01-a"] = []string{"README.md"}
	res, err := h.engine.Integrate(ctx, IntegrateRequest{Feature: "auth", Task: "01-a"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindMergeConflict))
	assert.Equal(t, []string{"README.md"}, res.Merge.Conflicts)
	got, err := h.store.Get(ctx, "auth", "01-a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, got.Status)
	assert.False(t, got.Integrated())

	delete(h.ws.conflicts, "auth/01-a")
	res, err = h.engine.Integrate(ctx, IntegrateRequest{Feature: "auth", Task: "01-a"})
	require.NoError(t, err)
	assert.True(t, res.Merge.Success)
	assert.True(t, res.BranchDeleted)
	require.NotNil(t, res.Task.Integration)
	assert.Equal(t, "squash", res.Task.Integration.Strategy)
	assert.Equal(t, "merge-01-a", res.Task.Integration.SHA)

	_, err = h.engine.Integrate(ctx, IntegrateRequest{Feature: "auth", Task: "01-a"})
	assert.True(t, errs.Is(err, errs.KindInvalidState), "already integrated")

	res, err = h.engine.Integrate(ctx, IntegrateRequest{Feature: "auth", Task: "02-b", Strategy: workspace.StrategyRebase})
	require.NoError(t, err)
	assert.Equal(t, "rebase", res.Task.Integration.Strategy)
}

func TestIntegrateRequiresDone(t *testing.T) {
	h := newHarness(t, Settings{})
	h.executing(t, "auth", wave("1:a")...)
	_, err := h.engine.Integrate(context.Background(), IntegrateRequest{Feature: "auth", Task: "01-a"})
	assert.True(t, errs.Is(err, errs.KindInvalidState))
	_, err = h.engine.Integrate(context.Background(), IntegrateRequest{Feature: "auth", Task: "09-nope"})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestFeatureGate(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	_, err := h.engine.CreateFeature(ctx, "auth", "JIRA-1")
	require.NoError(t, err)
	h.plan.tasks = wave("1:a")

	_, err = h.engine.Sync(ctx, "auth")
	assert.True(t, errs.Is(err, errs.KindInvalidState), "planning features cannot sync")

	_, err = h.engine.ApproveFeature(ctx, "auth")
	require.NoError(t, err)
	_, err = h.engine.Sync(ctx, "auth")
	require.NoError(t, err)

	require.NoError(t, h.engine.HoldFeature(ctx, "auth", "security review"))
	_, err = h.engine.Start(ctx, StartRequest{Feature: "auth", Task: "01-a"})
	assert.True(t, errs.Is(err, errs.KindInvalidState))
	st, err := h.engine.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, "security review", st.Hold)
	assert.Empty(t, st.Next)
	require.NoError(t, h.engine.ReleaseFeature(ctx, "auth"))

	h.start(t, "auth", "01-a")
	_, err = h.engine.CompleteFeature(ctx, "auth", "all acceptance tests passed on CI")
	assert.True(t, errs.Is(err, errs.KindInvalidState), "in-progress task blocks completion")
	h.complete(t, "auth", "01-a", task.StatusDone)

	_, err = h.engine.CompleteFeature(ctx, "auth", "too short")
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	f, err := h.engine.CompleteFeature(ctx, "auth", "all acceptance tests passed on CI")
	require.NoError(t, err)
	assert.Equal(t, feature.StatusCompleted, f.Status)

	mutations := map[string]func() error{
		"start": func() error {
			_, err := h.engine.Start(ctx, StartRequest{Feature: "auth", Task: "01-a"})
			return err
		},
		"complete": func() error {
			_, err := h.engine.Complete(ctx, CompleteRequest{Feature: "auth", Task: "01-a", Outcome: task.StatusDone})
			return err
		},
		"integrate": func() error {
			_, err := h.engine.Integrate(ctx, IntegrateRequest{Feature: "auth", Task: "01-a"})
			return err
		},
		"discard": func() error {
			_, err := h.engine.Discard(ctx, "auth", "01-a")
			return err
		},
		"cancel": func() error {
			_, err := h.engine.Cancel(ctx, "auth", "01-a")
			return err
		},
		"sync": func() error {
			_, err := h.engine.Sync(ctx, "auth")
			return err
		},
		"create": func() error {
			_, err := h.engine.CreateTask(ctx, CreateTaskRequest{Feature: "auth", Name: "extra"})
			return err
		},
		"deps": func() error {
			_, err := h.engine.SetDependencies(ctx, "auth", "01-a", []string{})
			return err
		},
		"cleanup": func() error {
			_, err := h.engine.Cleanup(ctx, "auth")
			return err
		},
		"hold": func() error { return h.engine.HoldFeature(ctx, "auth", "late") },
	}
	for name, fn := range mutations {
		assert.True(t, errs.Is(fn(), errs.KindFeatureImmutable), name)
	}

	st, err = h.engine.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, "feature is completed", st.NextAction)
}

func TestSyncRejectsCycles(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	_, err := h.engine.CreateFeature(ctx, "auth", "")
	require.NoError(t, err)
	_, err = h.engine.ApproveFeature(ctx, "auth")
	require.NoError(t, err)
	h.plan.tasks = []task.PlanTask{
		{Name: "a", Order: 1, DependsOn: []string{"02-b"}},
		{Name: "b", Order: 2, DependsOn: []string{"01-a"}},
	}
	_, err = h.engine.Sync(ctx, "auth")
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	tasks, err := h.store.List(ctx, "auth")
	require.NoError(t, err)
	assert.Empty(t, tasks, "nothing written")
	f, err := h.gate.Get(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, feature.StatusApproved, f.Status)
}

func TestCreateTaskAndDependencies(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:a", "2:b")...)

	created, err := h.engine.CreateTask(ctx, CreateTaskRequest{Feature: "auth", Name: "Write Docs", DependsOn: []string{}})
	require.NoError(t, err)
	assert.Equal(t, "03-write-docs", created.Key)
	assert.Equal(t, task.OriginManual, created.Origin)

	st, err := h.engine.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, []string{"01-a", "03-write-docs"}, st.Runnable)

	_, err = h.engine.CreateTask(ctx, CreateTaskRequest{Feature: "auth", Name: "write docs", Order: 3})
	assert.True(t, errs.Is(err, errs.KindInvalidArgument), "key collision")

	_, err = h.engine.SetDependencies(ctx, "auth", "01-a", []string{"02-b"})
	assert.True(t, errs.Is(err, errs.KindInvalidArgument), "cycle through implicit edge")

	updated, err := h.engine.SetDependencies(ctx, "auth", "02-b", []string{" 03-write-docs ", "03-write-docs"})
	require.NoError(t, err)
	assert.Equal(t, []string{"03-write-docs"}, updated.DependsOn)

	h.plan.tasks = wave("1:a", "2:b")
	res, err := h.engine.Sync(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, []string{"03-write-docs"}, res.Manual)
	assert.Equal(t, []string{"02-b"}, res.Updated, "plan restores implicit ordering")
}

func TestStatusSchedulerHonoursMaxParallel(t *testing.T) {
	h := newHarness(t, Settings{MaxParallel: 2})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:a", "1:b", "1:c")...)
	h.start(t, "auth", "01-a")

	st, err := h.engine.Status(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, []string{"01-b", "01-c"}, st.Runnable)
	assert.Equal(t, []string{"01-b"}, st.Next)
	var ws *WorkspaceSummary
	for _, v := range st.Tasks {
		if v.Key == "01-a" {
			ws = v.Workspace
		}
	}
	require.NotNil(t, ws)
	assert.Equal(t, "control/auth/01-a", ws.Branch)
}

func TestJournalRecordsLifecycle(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()
	h.executing(t, "auth", wave("1:a")...)
	h.start(t, "auth", "01-a")
	h.complete(t, "auth", "01-a", task.StatusDone)

	entries, total, err := h.engine.Journal(ctx, "auth", 3)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{"tasks_synced", "task_started", "task_completed"}, events)
}
