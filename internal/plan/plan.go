// Package plan reads a feature's ordered task list. Authoring and parsing of
// richer plan documents happens elsewhere; this package only adapts the
// machine-readable plan.yaml for task synchronization.
package plan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/task"
)

// Source supplies the ordered tasks of a feature plan.
type Source interface {
	Tasks(ctx context.Context, feature string) ([]task.PlanTask, error)
}

// Entry is one task in plan.yaml.
type Entry struct {
	Name  string `yaml:"name"`
	Order int    `yaml:"order,omitempty"`
	// DependsOn is omitted for implicit ordering; an explicit empty list
	// declares no dependencies.
	DependsOn *[]string `yaml:"depends_on,omitempty"`
}

// Document models plan.yaml.
type Document struct {
	Title string  `yaml:"title,omitempty"`
	Tasks []Entry `yaml:"tasks"`
}

// FileSource reads .control/features/<feature>/plan.yaml.
type FileSource struct {
	layout config.Layout
}

// NewFileSource returns a Source backed by plan.yaml files.
func NewFileSource(layout config.Layout) *FileSource {
	return &FileSource{layout: layout}
}

// Tasks parses the feature's plan.
func (s *FileSource) Tasks(ctx context.Context, feature string) ([]task.PlanTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.layout.PlanPath(feature)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.KindNotFound, "plan", "no plan.yaml found for feature %s", feature)
		}
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a plan document.
func Parse(data []byte) ([]task.PlanTask, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, "plan", fmt.Errorf("parse: %w", err))
	}
	out := make([]task.PlanTask, 0, len(doc.Tasks))
	for i, entry := range doc.Tasks {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, errs.New(errs.KindInvalidArgument, "plan", "tasks[%d]: name is required", i)
		}
		if entry.Order < 0 {
			return nil, errs.New(errs.KindInvalidArgument, "plan", "tasks[%d]: order must be >= 0", i)
		}
		pt := task.PlanTask{Name: name, Order: entry.Order}
		if entry.DependsOn != nil {
			pt.DependsOn = make([]string, 0, len(*entry.DependsOn))
			for _, dep := range *entry.DependsOn {
				if dep = strings.TrimSpace(dep); dep != "" {
					pt.DependsOn = append(pt.DependsOn, dep)
				}
			}
		}
		out = append(out, pt)
	}
	return out, nil
}

// Write stores a plan document, used by tooling that authors plans.
func (s *FileSource) Write(feature string, doc Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("plan: encode: %w", err)
	}
	if err := os.MkdirAll(s.layout.FeatureDir(feature), 0o755); err != nil {
		return fmt.Errorf("plan: ensure feature dir: %w", err)
	}
	return os.WriteFile(s.layout.PlanPath(feature), data, 0o644)
}
