// Package feature gates task operations on the lifecycle of the feature that
// owns them: planning, approved, executing and finally completed.
package feature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/task"
)

// Status is the lifecycle state of a feature.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
)

// MinEvidenceLength is the shortest verification note accepted on completion.
const MinEvidenceLength = 20

// Feature is the persisted feature record.
type Feature struct {
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Ticket      string     `json:"ticket,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	ExecutingAt *time.Time `json:"executingAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Evidence    string     `json:"verificationEvidence,omitempty"`
}

// Gate owns feature records and answers whether a task mutation may proceed.
type Gate struct {
	layout config.Layout
	clock  func() time.Time
	mu     sync.Mutex
}

// NewGate returns a gate storing feature.json files under the layout.
func NewGate(layout config.Layout) *Gate {
	return &Gate{layout: layout, clock: time.Now}
}

// WithClock overrides the timestamp source.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	if clock != nil {
		g.clock = clock
	}
	return g
}

// Create registers a feature in planning.
func (g *Gate) Create(ctx context.Context, name, ticket string) (Feature, error) {
	if err := ctx.Err(); err != nil {
		return Feature{}, err
	}
	if err := task.ValidateName("feature", name); err != nil {
		return Feature{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := os.Stat(g.layout.FeaturePath(name)); err == nil {
		return Feature{}, errs.New(errs.KindInvalidArgument, "feature.create", "feature %s already exists", name)
	}
	f := Feature{Name: name, Status: StatusPlanning, Ticket: strings.TrimSpace(ticket), CreatedAt: g.now()}
	if err := g.save(f); err != nil {
		return Feature{}, err
	}
	return f, nil
}

// Get loads a feature.
func (g *Gate) Get(ctx context.Context, name string) (Feature, error) {
	if err := ctx.Err(); err != nil {
		return Feature{}, err
	}
	return g.load(name)
}

// List returns every feature sorted by name.
func (g *Gate) List(ctx context.Context) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(g.layout.FeaturesDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("feature: list: %w", err)
	}
	var out []Feature
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		f, err := g.load(entry.Name())
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Approve moves a planning feature to approved.
func (g *Gate) Approve(ctx context.Context, name string) (Feature, error) {
	return g.transition(ctx, name, "feature.approve", func(f *Feature, now time.Time) error {
		switch f.Status {
		case StatusPlanning:
			f.Status = StatusApproved
			f.ApprovedAt = &now
			return nil
		case StatusApproved:
			return nil
		default:
			return errs.New(errs.KindInvalidState, "feature.approve", "feature %s is %s, expected planning", f.Name, f.Status)
		}
	})
}

// BeginExecution moves an approved feature to executing. Executing features
// are left alone.
func (g *Gate) BeginExecution(ctx context.Context, name string) (Feature, error) {
	return g.transition(ctx, name, "feature.execute", func(f *Feature, now time.Time) error {
		switch f.Status {
		case StatusApproved:
			f.Status = StatusExecuting
			f.ExecutingAt = &now
			return nil
		case StatusExecuting:
			return nil
		default:
			return errs.New(errs.KindInvalidState, "feature.execute", "feature %s is %s, expected approved", f.Name, f.Status)
		}
	})
}

// Complete seals an executing feature. The caller is responsible for checking
// that every task is finished.
func (g *Gate) Complete(ctx context.Context, name, evidence string) (Feature, error) {
	evidence = strings.TrimSpace(evidence)
	return g.transition(ctx, name, "feature.complete", func(f *Feature, now time.Time) error {
		if f.Status != StatusExecuting {
			return errs.New(errs.KindInvalidState, "feature.complete", "feature %s is %s, expected executing", f.Name, f.Status)
		}
		if len(evidence) < MinEvidenceLength {
			return errs.New(errs.KindInvalidArgument, "feature.complete", "verification evidence must be at least %d characters", MinEvidenceLength)
		}
		f.Status = StatusCompleted
		f.CompletedAt = &now
		f.Evidence = evidence
		return nil
	})
}

// RequireMutable fails with feature_immutable once the feature is completed.
func (g *Gate) RequireMutable(ctx context.Context, name string) (Feature, error) {
	f, err := g.Get(ctx, name)
	if err != nil {
		return Feature{}, err
	}
	if f.Status == StatusCompleted {
		return f, errs.New(errs.KindFeatureImmutable, "feature", "feature %s is completed and can no longer change", name)
	}
	return f, nil
}

// RequireExecuting admits task dispatch, completion and integration only while
// the feature executes and no gatekeeper hold is in place.
func (g *Gate) RequireExecuting(ctx context.Context, name string) (Feature, error) {
	f, err := g.RequireMutable(ctx, name)
	if err != nil {
		return f, err
	}
	if f.Status != StatusExecuting {
		return f, errs.New(errs.KindInvalidState, "feature", "feature %s is %s; task operations require executing", name, f.Status)
	}
	if reason, held := g.HoldReason(name); held {
		return f, errs.New(errs.KindInvalidState, "feature", "feature %s is on hold: %s", name, reason)
	}
	return f, nil
}

// Hold places a gatekeeper hold on the feature.
func (g *Gate) Hold(ctx context.Context, name, reason string) error {
	if _, err := g.RequireMutable(ctx, name); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errs.New(errs.KindInvalidArgument, "feature.hold", "a reason is required")
	}
	return os.WriteFile(g.layout.HoldPath(name), []byte(reason+"\n"), 0o644)
}

// Release lifts a gatekeeper hold. Releasing an unheld feature is a no-op.
func (g *Gate) Release(ctx context.Context, name string) error {
	if _, err := g.Get(ctx, name); err != nil {
		return err
	}
	if err := os.Remove(g.layout.HoldPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("feature: release hold: %w", err)
	}
	return nil
}

// HoldReason reports whether a hold exists and why.
func (g *Gate) HoldReason(name string) (string, bool) {
	data, err := os.ReadFile(g.layout.HoldPath(name))
	if err != nil {
		return "", false
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "held by gatekeeper"
	}
	return reason, true
}

func (g *Gate) transition(ctx context.Context, name, op string, fn func(*Feature, time.Time) error) (Feature, error) {
	if err := ctx.Err(); err != nil {
		return Feature{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	f, err := g.load(name)
	if err != nil {
		return Feature{}, err
	}
	if f.Status == StatusCompleted {
		return f, errs.New(errs.KindFeatureImmutable, op, "feature %s is completed and can no longer change", name)
	}
	if err := fn(&f, g.now()); err != nil {
		return f, err
	}
	if err := g.save(f); err != nil {
		return Feature{}, err
	}
	return f, nil
}

func (g *Gate) load(name string) (Feature, error) {
	path := g.layout.FeaturePath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Feature{}, errs.New(errs.KindNotFound, "feature", "feature %s not found", name)
		}
		return Feature{}, fmt.Errorf("feature: read %s: %w", path, err)
	}
	var f Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return Feature{}, fmt.Errorf("feature: decode %s: %w", path, err)
	}
	f.Name = name
	return f, nil
}

func (g *Gate) save(f Feature) error {
	path := g.layout.FeaturePath(f.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("feature: ensure dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("feature: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("feature: write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (g *Gate) now() time.Time {
	return g.clock().UTC()
}
