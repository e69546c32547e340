// Package bootstrap assembles the control runtime from .control/config.yaml.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/feature"
	"github.com/kingrea/control/internal/logging"
	"github.com/kingrea/control/internal/metrics"
	"github.com/kingrea/control/internal/plan"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/engine"
	"github.com/kingrea/control/internal/workspace"
)

// Options configures Open.
type Options struct {
	ProjectDir string
	// Stderr mirrors warnings to standard error in addition to the log file.
	Stderr bool
	// Registry receives the metrics collectors. Nil creates a private one.
	Registry *prometheus.Registry
}

// Runtime holds every wired component of a control process.
type Runtime struct {
	Config     *config.Config
	Logger     *logging.Logger
	Store      task.Store
	Gate       *feature.Gate
	Plans      plan.Source
	Workspaces *workspace.Manager
	Registry   *prometheus.Registry
	Metrics    *metrics.Recorder
	Engine     *engine.Engine

	closers []func() error
}

// FindProjectDir walks up from start to the nearest directory holding
// .control/. It returns start when none is found.
func FindProjectDir(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		if info, err := os.Stat(filepath.Join(dir, config.ControlDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		dir = parent
	}
}

// Initialize creates .control/ and prepares the repository for worktrees.
func Initialize(ctx context.Context, projectDir string) (*Runtime, error) {
	if err := config.InitControlDir(projectDir); err != nil {
		return nil, fmt.Errorf("bootstrap: init %s: %w", config.ControlDir, err)
	}
	rt, err := Open(ctx, Options{ProjectDir: projectDir})
	if err != nil {
		return nil, err
	}
	if err := rt.Workspaces.Init(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Logger.Info("control initialized", zap.String("project", rt.Config.ProjectDir))
	return rt, nil
}

// Open loads the configuration and wires the runtime. The project must have
// been initialized.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.ProjectDir == "" {
		return nil, errs.New(errs.KindInvalidArgument, "bootstrap.open", "project directory is required")
	}
	layout := config.NewLayout(opts.ProjectDir)
	if info, err := os.Stat(layout.Root); err != nil || !info.IsDir() {
		return nil, errs.New(errs.KindNotFound, "bootstrap.open", "%s is not initialized; run control init", opts.ProjectDir)
	}
	cfg, err := config.NewConfig(opts.ProjectDir)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg}

	logger, err := logging.New(cfg.Layout, logging.Options{
		Level:  cfg.Project.Log.Level,
		Format: cfg.Project.Log.Format,
		Stderr: opts.Stderr,
	})
	if err != nil {
		return nil, err
	}
	rt.Logger = logger
	rt.closers = append(rt.closers, logger.Close)

	rt.Registry = opts.Registry
	if rt.Registry == nil {
		rt.Registry = prometheus.NewRegistry()
	}
	if rt.Metrics, err = metrics.New(rt.Registry); err != nil {
		_ = rt.Close()
		return nil, err
	}

	if rt.Store, err = openStore(cfg); err != nil {
		_ = rt.Close()
		return nil, err
	}
	if closer, ok := rt.Store.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, closer.Close)
	}

	rt.Gate = feature.NewGate(cfg.Layout)
	rt.Plans = plan.NewFileSource(cfg.Layout)
	rt.Workspaces = workspace.NewManager(workspace.Options{
		Layout:            cfg.Layout,
		BranchPrefix:      cfg.Project.BranchPrefix,
		IntegrationBranch: cfg.Project.IntegrationBranch,
		Logger:            logger,
		Observer:          rt.Metrics,
	})

	settings, err := engine.SettingsFromConfig(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Engine, err = engine.New(engine.Deps{
		Layout:     cfg.Layout,
		Store:      rt.Store,
		Gate:       rt.Gate,
		Workspaces: rt.Workspaces,
		Plans:      rt.Plans,
		Logger:     logger,
		Metrics:    rt.Metrics,
		Settings:   settings,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	logger.Debug("runtime ready",
		zap.String("project", cfg.ProjectDir),
		zap.String("store", cfg.Project.Store.Backend))
	return rt, nil
}

func openStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Project.Store.Backend {
	case config.StoreSQLite:
		return task.OpenSQLite(cfg.StorePath())
	default:
		return task.NewFileStore(cfg.Layout), nil
	}
}

// Close releases the store and flushes the log, in reverse order of opening.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errList []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	r.closers = nil
	return errors.Join(errList...)
}
