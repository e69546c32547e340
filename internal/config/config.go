// internal/config/config.go
//
// This package handles configuration and the .control directory structure.
// Every project managed by control gets a .control/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ControlDir is the name of the directory we create in each project
	ControlDir = ".control"

	DefaultBranchPrefix = "control"
	DefaultStorePath    = "control.db"
	DefaultServerHost   = "127.0.0.1"
	DefaultServerPort   = 8787
)

// Store backends.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// Merge strategies accepted by merge.default_strategy.
var mergeStrategies = []string{"merge", "squash", "rebase"}

const defaultProjectConfigYAML = `# control project configuration
version: 1

# Task branches are named <branch_prefix>/<feature>/<task>.
branch_prefix: control

# Branch that task work is integrated into. Leave empty to use whatever branch
# is checked out in the project root.
integration_branch: ""

store:
  # json keeps one status.json per task; sqlite keeps every task in one database.
  backend: json
  path: control.db

merge:
  default_strategy: merge
  delete_branch: true

workspace:
  keep_on_done: false

scheduler:
  max_parallel: 0
  batch_size: 0

server:
  host: 127.0.0.1
  port: 8787

log:
  level: info
  format: console
`

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

// MergeConfig captures integration defaults.
type MergeConfig struct {
	DefaultStrategy string `yaml:"default_strategy"`
	DeleteBranch    *bool  `yaml:"delete_branch,omitempty"`
}

// WorkspaceConfig controls workspace retention.
type WorkspaceConfig struct {
	KeepOnDone bool `yaml:"keep_on_done"`
}

// SchedulerConfig limits dispatch suggestions.
type SchedulerConfig struct {
	MaxParallel int `yaml:"max_parallel"`
	BatchSize   int `yaml:"batch_size"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig configures the process log.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProjectConfig models .control/config.yaml.
type ProjectConfig struct {
	Version           int             `yaml:"version"`
	BranchPrefix      string          `yaml:"branch_prefix"`
	IntegrationBranch string          `yaml:"integration_branch,omitempty"`
	Store             StoreConfig     `yaml:"store"`
	Merge             MergeConfig     `yaml:"merge"`
	Workspace         WorkspaceConfig `yaml:"workspace"`
	Scheduler         SchedulerConfig `yaml:"scheduler"`
	Server            ServerConfig    `yaml:"server"`
	Log               LogConfig       `yaml:"log"`
}

// Config holds the runtime configuration for control.
type Config struct {
	// ProjectDir is the git repository root control operates on
	ProjectDir string

	Layout  Layout
	Project ProjectConfig
}

// InitControlDir creates the .control directory structure in the given
// project directory and writes a default config.yaml when none exists.
//
// Structure created:
// .control/
// ├── config.yaml
// ├── logs/         <- process log
// ├── features/     <- feature.json, plan.yaml, tasks/<task>/status.json
// └── .worktrees/   <- one git worktree per active task
func InitControlDir(projectDir string) error {
	layout := NewLayout(projectDir)
	dirs := []string{
		layout.LogsDir(),
		layout.FeaturesDir(),
		layout.WorktreesDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(layout.ConfigPath())
}

// NewConfig loads the project configuration, falling back to defaults when
// config.yaml is missing. Environment overrides are applied last.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		Layout:     NewLayout(abs),
		Project:    defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	cfg.Project.applyEnvOverrides()
	cfg.Project.normalize()
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return c.Layout.ConfigPath()
}

// StorePath returns the absolute path of the sqlite database.
func (c *Config) StorePath() string {
	path := c.Project.Store.Path
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Layout.Root, path)
}

// DeleteBranchOnIntegrate reports whether task branches are removed after a
// successful integration.
func (c *Config) DeleteBranchOnIntegrate() bool {
	if c.Project.Merge.DeleteBranch == nil {
		return true
	}
	return *c.Project.Merge.DeleteBranch
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.BranchPrefix == "" {
		pc.BranchPrefix = DefaultBranchPrefix
	}
	if pc.Store.Backend == "" {
		pc.Store.Backend = StoreJSON
	}
	if pc.Store.Path == "" {
		pc.Store.Path = DefaultStorePath
	}
	if pc.Merge.DefaultStrategy == "" {
		pc.Merge.DefaultStrategy = "merge"
	}
	if pc.Server.Host == "" {
		pc.Server.Host = DefaultServerHost
	}
	if pc.Server.Port == 0 {
		pc.Server.Port = DefaultServerPort
	}
	if pc.Log.Level == "" {
		pc.Log.Level = "info"
	}
	if pc.Log.Format == "" {
		pc.Log.Format = "console"
	}
}

func (pc *ProjectConfig) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("CONTROL_LOG_LEVEL")); v != "" {
		pc.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTROL_STORE_BACKEND")); v != "" {
		pc.Store.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTROL_BRANCH_PREFIX")); v != "" {
		pc.BranchPrefix = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTROL_SERVER_HOST")); v != "" {
		pc.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTROL_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			pc.Server.Port = port
		}
	}
}

func (pc *ProjectConfig) normalize() {
	pc.BranchPrefix = strings.Trim(strings.TrimSpace(pc.BranchPrefix), "/")
	pc.IntegrationBranch = strings.TrimSpace(pc.IntegrationBranch)
	pc.Store.Backend = strings.ToLower(strings.TrimSpace(pc.Store.Backend))
	pc.Store.Path = strings.TrimSpace(pc.Store.Path)
	pc.Merge.DefaultStrategy = strings.ToLower(strings.TrimSpace(pc.Merge.DefaultStrategy))
	pc.Server.Host = strings.TrimSpace(pc.Server.Host)
	pc.Log.Level = strings.ToLower(strings.TrimSpace(pc.Log.Level))
	pc.Log.Format = strings.ToLower(strings.TrimSpace(pc.Log.Format))
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.BranchPrefix == "" {
		return fmt.Errorf("branch_prefix is required")
	}
	switch pc.Store.Backend {
	case StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("store.backend must be 'json' or 'sqlite'")
	}
	if !contains(mergeStrategies, pc.Merge.DefaultStrategy) {
		return fmt.Errorf("merge.default_strategy must be one of %s", strings.Join(mergeStrategies, ", "))
	}
	if pc.Scheduler.MaxParallel < 0 || pc.Scheduler.BatchSize < 0 {
		return fmt.Errorf("scheduler limits must be >= 0")
	}
	if pc.Server.Port <= 0 || pc.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch pc.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	switch pc.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
