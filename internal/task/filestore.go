package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/control/internal/config"
	"github.com/kingrea/control/internal/errs"
)

// FileStore keeps one status.json per task under
// .control/features/<feature>/tasks/<task>/.
type FileStore struct {
	layout config.Layout
	clock  func() time.Time
	mu     sync.Mutex
}

// NewFileStore returns a store rooted at the project's .control directory.
func NewFileStore(layout config.Layout) *FileStore {
	return &FileStore{layout: layout, clock: time.Now}
}

// WithClock overrides the timestamp source.
func (s *FileStore) WithClock(clock func() time.Time) *FileStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *FileStore) Get(ctx context.Context, feature, key string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	return s.read(feature, key)
}

func (s *FileStore) List(ctx context.Context, feature string) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.layout.TasksDir(feature))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("task: list %s: %w", feature, err)
	}
	tasks := make([]Task, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		t, err := s.read(feature, entry.Name())
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *FileStore) Create(ctx context.Context, t Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	t, err := prepareCreate(t, s.clock())
	if err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.layout.TaskStatusPath(t.Feature, t.Key)
	if _, err := os.Stat(path); err == nil {
		return Task{}, errs.New(errs.KindInvalidArgument, "task.create", "task %s already exists in %s", t.Key, t.Feature)
	}
	if err := writeJSONAtomic(path, t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *FileStore) Update(ctx context.Context, feature, key string, patch Patch) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.read(feature, key)
	if err != nil {
		return Task{}, err
	}
	patch.Apply(&current, s.clock())
	if err := writeJSONAtomic(s.layout.TaskStatusPath(feature, key), current); err != nil {
		return Task{}, err
	}
	return current, nil
}

func (s *FileStore) Delete(ctx context.Context, feature, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.layout.TaskDir(feature, key)); err != nil {
		return fmt.Errorf("task: delete %s/%s: %w", feature, key, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(feature, key string) (Task, error) {
	path := s.layout.TaskStatusPath(feature, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Task{}, errs.New(errs.KindNotFound, "task", "task %s not found in feature %s", key, feature)
		}
		return Task{}, fmt.Errorf("task: read %s: %w", path, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("task: decode %s: %w", path, err)
	}
	// The directory name is authoritative.
	t.Key = key
	t.Feature = feature
	if t.Origin == "" {
		t.Origin = OriginPlan
	}
	return t, nil
}

// writeJSONAtomic replaces path via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("task: ensure dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("task: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("task: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("task: commit write: %w", err)
	}
	return nil
}
