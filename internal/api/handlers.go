package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/logbook"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/engine"
	"github.com/kingrea/control/internal/workspace"
)

const defaultJournalLimit = 50

// Controller is the engine surface served over HTTP.
type Controller interface {
	Status(ctx context.Context, feature string) (engine.Status, error)
	Journal(ctx context.Context, feature string, max int) ([]logbook.Entry, int, error)
	Sync(ctx context.Context, feature string) (task.SyncResult, error)
	Cleanup(ctx context.Context, feature string) (workspace.CleanupResult, error)
	CreateTask(ctx context.Context, req engine.CreateTaskRequest) (task.Task, error)
	SetDependencies(ctx context.Context, feature, key string, deps []string) (task.Task, error)
	Start(ctx context.Context, req engine.StartRequest) (engine.StartResult, error)
	Complete(ctx context.Context, req engine.CompleteRequest) (engine.CompleteResult, error)
	Heartbeat(ctx context.Context, feature, key, idempotencyKey string) (task.Task, error)
	Discard(ctx context.Context, feature, key string) (task.Task, error)
	Cancel(ctx context.Context, feature, key string) (task.Task, error)
	Integrate(ctx context.Context, req engine.IntegrateRequest) (engine.IntegrateResult, error)
}

type errorResponse struct {
	Error      string                 `json:"error"`
	Kind       errs.Kind              `json:"kind,omitempty"`
	Unmet      []errs.Unmet           `json:"unmet,omitempty"`
	Conflicts  []string               `json:"conflicts,omitempty"`
	Diagnostic string                 `json:"diagnostic,omitempty"`
	Merge      *workspace.MergeResult `json:"merge,omitempty"`
}

type journalResponse struct {
	Entries []logbook.Entry `json:"entries"`
	Total   int             `json:"total"`
}

type createTaskRequest struct {
	Name      string    `json:"name"`
	Order     int       `json:"order"`
	DependsOn *[]string `json:"dependsOn"`
}

type dependenciesRequest struct {
	DependsOn *[]string `json:"dependsOn"`
}

type startRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Decision       string `json:"decision"`
}

type completeRequest struct {
	Outcome        string        `json:"outcome"`
	Summary        string        `json:"summary"`
	Blocker        *task.Blocker `json:"blocker"`
	IdempotencyKey string        `json:"idempotencyKey"`
}

type heartbeatRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

type integrateRequest struct {
	Strategy string `json:"strategy"`
}

type handlers struct {
	controller Controller
	maxBody    int64
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.controller.Status(r.Context(), chi.URLParam(r, "feature"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) journal(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, errs.New(errs.KindInvalidArgument, "api.journal", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	entries, total, err := h.controller.Journal(r.Context(), chi.URLParam(r, "feature"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []logbook.Entry{}
	}
	writeJSON(w, http.StatusOK, journalResponse{Entries: entries, Total: total})
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.Sync(r.Context(), chi.URLParam(r, "feature"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.controller.Cleanup(r.Context(), chi.URLParam(r, "feature"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if !h.decode(w, r, &body) {
		return
	}
	req := engine.CreateTaskRequest{
		Feature: chi.URLParam(r, "feature"),
		Name:    body.Name,
		Order:   body.Order,
	}
	if body.DependsOn != nil {
		req.DependsOn = append([]string{}, *body.DependsOn...)
	}
	created, err := h.controller.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) setDependencies(w http.ResponseWriter, r *http.Request) {
	var body dependenciesRequest
	if !h.decode(w, r, &body) {
		return
	}
	var deps []string
	if body.DependsOn != nil {
		deps = append([]string{}, *body.DependsOn...)
	}
	updated, err := h.controller.SetDependencies(r.Context(), chi.URLParam(r, "feature"), chi.URLParam(r, "task"), deps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if !h.decode(w, r, &body) {
		return
	}
	result, err := h.controller.Start(r.Context(), engine.StartRequest{
		Feature:        chi.URLParam(r, "feature"),
		Task:           chi.URLParam(r, "task"),
		IdempotencyKey: body.IdempotencyKey,
		Decision:       body.Decision,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) complete(w http.ResponseWriter, r *http.Request) {
	var body completeRequest
	if !h.decode(w, r, &body) {
		return
	}
	result, err := h.controller.Complete(r.Context(), engine.CompleteRequest{
		Feature:        chi.URLParam(r, "feature"),
		Task:           chi.URLParam(r, "task"),
		Outcome:        task.Status(body.Outcome),
		Summary:        body.Summary,
		Blocker:        body.Blocker,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if !h.decode(w, r, &body) {
		return
	}
	updated, err := h.controller.Heartbeat(r.Context(), chi.URLParam(r, "feature"), chi.URLParam(r, "task"), body.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) discard(w http.ResponseWriter, r *http.Request) {
	updated, err := h.controller.Discard(r.Context(), chi.URLParam(r, "feature"), chi.URLParam(r, "task"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	updated, err := h.controller.Cancel(r.Context(), chi.URLParam(r, "feature"), chi.URLParam(r, "task"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) integrate(w http.ResponseWriter, r *http.Request) {
	var body integrateRequest
	if !h.decode(w, r, &body) {
		return
	}
	var strategy workspace.Strategy
	if body.Strategy != "" {
		parsed, err := workspace.ParseStrategy(body.Strategy)
		if err != nil {
			writeError(w, err)
			return
		}
		strategy = parsed
	}
	result, err := h.controller.Integrate(r.Context(), engine.IntegrateRequest{
		Feature:  chi.URLParam(r, "feature"),
		Task:     chi.URLParam(r, "task"),
		Strategy: strategy,
	})
	if err != nil {
		resp := errorBody(err)
		if errs.Is(err, errs.KindMergeConflict) {
			resp.Merge = &result.Merge
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decode reads an optional JSON body. An empty body leaves dst untouched.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	reader := http.MaxBytesReader(w, r.Body, h.maxBody)
	defer reader.Close()
	err := json.NewDecoder(reader).Decode(dst)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload exceeds limit"})
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error(), Kind: errs.KindInvalidArgument})
	return false
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindInvalidState, errs.KindDependencyUnmet, errs.KindMergeConflict, errs.KindWorkspaceCreate:
		return http.StatusConflict
	case errs.KindFeatureImmutable:
		return http.StatusLocked
	case errs.KindExternalProcess:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Kind: errs.KindOf(err)}
	if e, ok := errs.As(err); ok {
		resp.Unmet = e.Unmet
		resp.Conflicts = e.Conflicts
		resp.Diagnostic = e.Diagnostic
	}
	return resp
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
