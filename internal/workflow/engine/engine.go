package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/logbook"
	"github.com/kingrea/control/internal/logging"
	"github.com/kingrea/control/internal/plan"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/resolver"
	"github.com/kingrea/control/internal/workspace"
)

// TransitionObserver is notified of every task status change.
type TransitionObserver interface {
	ObserveTransition(from, to string)
}

// Settings carries the configuration the engine acts on.
type Settings struct {
	DefaultStrategy         workspace.Strategy
	DeleteBranchOnIntegrate bool
	KeepWorkspaceOnDone     bool
	MaxParallel             int
	BatchSize               int
}

// SettingsFromConfig maps the project configuration onto engine settings.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	strategy, err := workspace.ParseStrategy(cfg.Project.Merge.DefaultStrategy)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		DefaultStrategy:         strategy,
		DeleteBranchOnIntegrate: cfg.DeleteBranchOnIntegrate(),
		KeepWorkspaceOnDone:     cfg.Project.Workspace.KeepOnDone,
		MaxParallel:             cfg.Project.Scheduler.MaxParallel,
		BatchSize:               cfg.Project.Scheduler.BatchSize,
	}, nil
}

// Deps are the collaborators of the engine.
type Deps struct {
	Layout     config.Layout
	Store      task.Store
	Gate       *feature.Gate
	Workspaces workspace.Backend
	Plans      plan.Source
	Logger     *logging.Logger
	Metrics    TransitionObserver
	Settings   Settings
}

// Engine coordinates the lifecycle of tasks across the store, the resolver
// and the workspace backend.
type Engine struct {
	layout     config.Layout
	store      task.Store
	gate       *feature.Gate
	workspaces workspace.Backend
	plans      plan.Source
	logger     *logging.Logger
	metrics    TransitionObserver
	settings   Settings

	clock     func() time.Time
	sessionID func() string

	locks sync.Map
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSessionIDs overrides worker session id generation.
func WithSessionIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.sessionID = next
		}
	}
}

// New wires an engine to its collaborators.
func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: task store is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("engine: feature gate is required")
	}
	if deps.Workspaces == nil {
		return nil, fmt.Errorf("engine: workspace backend is required")
	}
	if deps.Plans == nil {
		deps.Plans = plan.NewFileSource(deps.Layout)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Settings.DefaultStrategy == "" {
		deps.Settings.DefaultStrategy = workspace.StrategyMerge
	}
	e := &Engine{
		layout:     deps.Layout,
		store:      deps.Store,
		gate:       deps.Gate,
		workspaces: deps.Workspaces,
		plans:      deps.Plans,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		settings:   deps.Settings,
		clock:      time.Now,
		sessionID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Settings returns the active settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// IdempotencyKey identifies one attempt of a task.
func IdempotencyKey(feature, key string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", feature, key, attempt)
}

// lock serializes operations on one task within this process.
func (e *Engine) lock(featureName, key string) func() {
	v, _ := e.locks.LoadOrStore(featureName+"/"+key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// update persists a patch and reports the status change, if any, to the
// process log, the metrics and the feature journal.
func (e *Engine) update(ctx context.Context, t task.Task, patch task.Patch, event, format string, args ...any) (task.Task, error) {
	updated, err := e.store.Update(ctx, t.Feature, t.Key, patch)
	if err != nil {
		return task.Task{}, err
	}
	if updated.Status != t.Status {
		if e.metrics != nil {
			e.metrics.ObserveTransition(string(t.Status), string(updated.Status))
		}
		e.logger.Info("task transition",
			zap.String("feature", t.Feature),
			zap.String("task", t.Key),
			zap.String("from", string(t.Status)),
			zap.String("to", string(updated.Status)),
			zap.Int("attempt", updated.Attempt()))
	}
	if event != "" {
		e.journal(t.Feature).Record(event, t.Key, format, args...)
	}
	return updated, nil
}

// journal returns the feature's logbook. A logbook that cannot be opened is
// logged and replaced by a nil logbook, which drops entries.
func (e *Engine) journal(featureName string) *logbook.Logbook {
	book, err := logbook.New(e.layout.JournalPath(featureName))
	if err != nil {
		e.logger.Warn("open feature journal", zap.String("feature", featureName), zap.Error(err))
		return nil
	}
	return book
}

// Journal returns up to max recent journal entries of a feature and the total
// entry count.
func (e *Engine) Journal(ctx context.Context, featureName string, max int) ([]logbook.Entry, int, error) {
	if _, err := e.gate.Get(ctx, featureName); err != nil {
		return nil, 0, err
	}
	entries, total := e.journal(featureName).Tail(max)
	return entries, total, nil
}

func (e *Engine) snapshot(ctx context.Context, featureName string) ([]task.Task, *resolver.Resolver, error) {
	tasks, err := e.store.List(ctx, featureName)
	if err != nil {
		return nil, nil, err
	}
	res, err := resolver.New(tasks)
	if err != nil {
		return nil, nil, err
	}
	return tasks, res, nil
}

func (e *Engine) getTask(ctx context.Context, featureName, key string) (task.Task, error) {
	if err := task.ValidateName("task", key); err != nil {
		return task.Task{}, err
	}
	return e.store.Get(ctx, featureName, key)
}

func toUnmet(blockers []resolver.Blocker) []errs.Unmet {
	out := make([]errs.Unmet, 0, len(blockers))
	for _, b := range blockers {
		out = append(out, errs.Unmet{Task: b.Task, Status: string(b.Status)})
	}
	return out
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock().UTC()
}
