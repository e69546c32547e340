package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/logbook"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/engine"
	"github.com/kingrea/control/internal/workspace"
)

type fakeController struct {
	status       func(string) (engine.Status, error)
	createTask   func(engine.CreateTaskRequest) (task.Task, error)
	setDeps      func(string, string, []string) (task.Task, error)
	start        func(engine.StartRequest) (engine.StartResult, error)
	complete     func(engine.CompleteRequest) (engine.CompleteResult, error)
	integrate    func(engine.IntegrateRequest) (engine.IntegrateResult, error)
	journalLimit int
}

func (f *fakeController) Status(_ context.Context, name string) (engine.Status, error) {
	if f.status == nil {
		return engine.Status{}, errs.New(errs.KindNotFound, "fake", "feature %s not found", name)
	}
	return f.status(name)
}

func (f *fakeController) Journal(_ context.Context, _ string, max int) ([]logbook.Entry, int, error) {
	f.journalLimit = max
	return nil, 0, nil
}

func (f *fakeController) Sync(context.Context, string) (task.SyncResult, error) {
	return task.SyncResult{Created: []string{"01-schema"}}, nil
}

func (f *fakeController) Cleanup(context.Context, string) (workspace.CleanupResult, error) {
	return workspace.CleanupResult{}, nil
}

func (f *fakeController) CreateTask(_ context.Context, req engine.CreateTaskRequest) (task.Task, error) {
	return f.createTask(req)
}

func (f *fakeController) SetDependencies(_ context.Context, name, key string, deps []string) (task.Task, error) {
	return f.setDeps(name, key, deps)
}

func (f *fakeController) Start(_ context.Context, req engine.StartRequest) (engine.StartResult, error) {
	return f.start(req)
}

func (f *fakeController) Complete(_ context.Context, req engine.CompleteRequest) (engine.CompleteResult, error) {
	return f.complete(req)
}

func (f *fakeController) Heartbeat(_ context.Context, name, key, _ string) (task.Task, error) {
	return task.Task{Feature: name, Key: key, Status: task.StatusInProgress}, nil
}

func (f *fakeController) Discard(_ context.Context, name, key string) (task.Task, error) {
	return task.Task{Feature: name, Key: key, Status: task.StatusPending}, nil
}

func (f *fakeController) Cancel(_ context.Context, name, _ string) (task.Task, error) {
	return task.Task{}, errs.New(errs.KindFeatureImmutable, "fake", "feature %s is completed", name)
}

func (f *fakeController) Integrate(_ context.Context, req engine.IntegrateRequest) (engine.IntegrateResult, error) {
	return f.integrate(req)
}

type observation struct {
	route  string
	method string
	code   int
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (o *recordingObserver) ObserveRequest(route, method string, code int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observation{route: route, method: method, code: code})
}

func serve(t *testing.T, c Controller, opts ...Option) http.Handler {
	t.Helper()
	return NewServer(Settings{Host: "127.0.0.1"}, c, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{Project: config.ProjectConfig{Server: config.ServerConfig{Host: " 0.0.0.0 ", Port: 9100}}}
	settings := SettingsFromConfig(cfg)
	assert.Equal(t, "0.0.0.0", settings.Host)
	assert.Equal(t, 9100, settings.Port)
	assert.Equal(t, DefaultMaxBodyBytes, settings.MaxBodyBytes)
	assert.Equal(t, "http://0.0.0.0:9100", settings.URL())

	defaults := SettingsFromConfig(nil)
	assert.Equal(t, config.DefaultServerHost, defaults.Host)
	assert.Equal(t, config.DefaultServerPort, defaults.Port)
}

func TestServerServesHealth(t *testing.T) {
	t.Parallel()
	srv := NewServer(Settings{Host: "127.0.0.1", Port: 0}, &fakeController{})
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	require.NoError(t, srv.Start(context.Background()))
	assert.Equal(t, StatusReady, srv.Status())

	resp, err := http.Get(srv.BaseURL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ready", health.Status)

	require.Error(t, srv.Start(context.Background()), "second start must fail")
}

func TestStatusRoute(t *testing.T) {
	c := &fakeController{status: func(name string) (engine.Status, error) {
		return engine.Status{
			Feature:  feature.Feature{Name: name, Status: feature.StatusExecuting},
			Runnable: []string{"01-schema"},
			Next:     []string{"01-schema"},
		}, nil
	}}
	rec := do(t, serve(t, c), http.MethodGet, "/features/auth/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[engine.Status](t, rec)
	assert.Equal(t, "auth", got.Feature.Name)
	assert.Equal(t, []string{"01-schema"}, got.Next)

	rec = do(t, serve(t, &fakeController{}), http.MethodGet, "/features/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errs.KindNotFound, decodeBody[errorResponse](t, rec).Kind)
}

func TestStartReportsUnmetDependencies(t *testing.T) {
	c := &fakeController{start: func(req engine.StartRequest) (engine.StartResult, error) {
		assert.Equal(t, "auth", req.Feature)
		assert.Equal(t, "02-api", req.Task)
		assert.Equal(t, "auth/02-api/1", req.IdempotencyKey)
		return engine.StartResult{}, errs.Unsatisfied("engine.start", req.Task, []errs.Unmet{{Task: "01-schema", Status: "pending"}})
	}}
	rec := do(t, serve(t, c), http.MethodPost, "/features/auth/tasks/02-api/start", startRequest{IdempotencyKey: "auth/02-api/1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, errs.KindDependencyUnmet, body.Kind)
	assert.Equal(t, []errs.Unmet{{Task: "01-schema", Status: "pending"}}, body.Unmet)
}

func TestCompletePassesBlocker(t *testing.T) {
	var got engine.CompleteRequest
	c := &fakeController{complete: func(req engine.CompleteRequest) (engine.CompleteResult, error) {
		got = req
		return engine.CompleteResult{Task: task.Task{Key: req.Task, Status: task.StatusBlocked}}, nil
	}}
	body := map[string]any{
		"outcome": "blocked",
		"blocker": map[string]any{"reason": "which driver?", "options": []string{"pgx", "lib/pq"}},
	}
	rec := do(t, serve(t, c), http.MethodPost, "/features/auth/tasks/01-schema/complete", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.StatusBlocked, got.Outcome)
	require.NotNil(t, got.Blocker)
	assert.Equal(t, "which driver?", got.Blocker.Reason)
	assert.Equal(t, []string{"pgx", "lib/pq"}, got.Blocker.Options)
}

func TestIntegrateConflictCarriesMergeResult(t *testing.T) {
	c := &fakeController{integrate: func(req engine.IntegrateRequest) (engine.IntegrateResult, error) {
		assert.Equal(t, workspace.StrategySquash, req.Strategy)
		merge := workspace.MergeResult{Strategy: req.Strategy, Branch: "task/auth/01-schema", Conflicts: []string{"schema.sql"}}
		return engine.IntegrateResult{Merge: merge}, &errs.Error{Kind: errs.KindMergeConflict, Op: "workspace.merge", Msg: "conflict", Conflicts: merge.Conflicts}
	}}
	rec := do(t, serve(t, c), http.MethodPost, "/features/auth/tasks/01-schema/integrate", integrateRequest{Strategy: "squash"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, errs.KindMergeConflict, body.Kind)
	assert.Equal(t, []string{"schema.sql"}, body.Conflicts)
	require.NotNil(t, body.Merge)
	assert.Equal(t, "task/auth/01-schema", body.Merge.Branch)

	rec = do(t, serve(t, c), http.MethodPost, "/features/auth/tasks/01-schema/integrate", integrateRequest{Strategy: "octopus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskKeepsNilAndEmptyDependencies(t *testing.T) {
	var got []engine.CreateTaskRequest
	c := &fakeController{createTask: func(req engine.CreateTaskRequest) (task.Task, error) {
		got = append(got, req)
		return task.Task{Key: "03-docs", Feature: req.Feature, Status: task.StatusPending}, nil
	}}
	h := serve(t, c)
	rec := do(t, h, http.MethodPost, "/features/auth/tasks", `{"name":"Docs"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, http.MethodPost, "/features/auth/tasks", `{"name":"Docs","dependsOn":[]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, got, 2)
	assert.Nil(t, got[0].DependsOn)
	assert.NotNil(t, got[1].DependsOn)
	assert.Empty(t, got[1].DependsOn)
}

func TestSetDependenciesRoute(t *testing.T) {
	c := &fakeController{setDeps: func(name, key string, deps []string) (task.Task, error) {
		return task.Task{Feature: name, Key: key, DependsOn: deps}, nil
	}}
	rec := do(t, serve(t, c), http.MethodPut, "/features/auth/tasks/03-docs/dependencies", `{"dependsOn":["01-schema"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"01-schema"}, decodeBody[task.Task](t, rec).DependsOn)
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.KindNotFound:         http.StatusNotFound,
		errs.KindInvalidArgument:  http.StatusBadRequest,
		errs.KindInvalidState:     http.StatusConflict,
		errs.KindDependencyUnmet:  http.StatusConflict,
		errs.KindMergeConflict:    http.StatusConflict,
		errs.KindWorkspaceCreate:  http.StatusConflict,
		errs.KindFeatureImmutable: http.StatusLocked,
		errs.KindExternalProcess:  http.StatusBadGateway,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(errs.New(kind, "test", "boom")), kind)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))

	rec := do(t, serve(t, &fakeController{}), http.MethodPost, "/features/done/tasks/01-a/cancel", nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestRejectsMalformedBodies(t *testing.T) {
	rec := do(t, serve(t, &fakeController{}), http.MethodPost, "/features/auth/tasks/01-a/heartbeat", `{"idempotencyKey":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h := NewServer(Settings{Host: "127.0.0.1", MaxBodyBytes: 16}, &fakeController{}).Handler()
	rec = do(t, h, http.MethodPost, "/features/auth/tasks/01-a/heartbeat", `{"idempotencyKey":"auth/01-a/1/and-more"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(t, h, http.MethodPost, "/features/auth/tasks/01-a/heartbeat", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJournalLimit(t *testing.T) {
	c := &fakeController{}
	h := serve(t, c)
	rec := do(t, h, http.MethodGet, "/features/auth/journal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultJournalLimit, c.journalLimit)
	assert.JSONEq(t, `{"entries":[],"total":0}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/features/auth/journal?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, c.journalLimit)

	rec = do(t, h, http.MethodGet, "/features/auth/journal?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestsAreObservedByRoutePattern(t *testing.T) {
	obs := &recordingObserver{}
	h := serve(t, &fakeController{}, WithObserver(obs))
	do(t, h, http.MethodPost, "/features/auth/tasks/01-a/discard", nil)
	do(t, h, http.MethodPost, "/features/auth/sync", nil)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.seen, 2)
	assert.Equal(t, observation{route: "/features/{feature}/tasks/{task}/discard", method: http.MethodPost, code: http.StatusOK}, obs.seen[0])
	assert.Equal(t, "/features/{feature}/sync", obs.seen[1].route)
}
