package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kingrea/control/internal/config"
)

// Watcher signals when a feature's state files change on disk. Bursts of
// events collapse into a single pending signal.
type Watcher struct {
	fs       *fsnotify.Watcher
	tasksDir string
	logger   *zap.Logger
	changes  chan struct{}
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// Watch observes the feature directory, its tasks directory and every task
// directory beneath it. Task directories created later are added as they
// appear.
func Watch(layout config.Layout, feature string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	featureDir := layout.FeatureDir(feature)
	if info, err := os.Stat(featureDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("watch %s: feature directory missing", feature)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:       fsw,
		tasksDir: layout.TasksDir(feature),
		logger:   logger,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if err := fsw.Add(featureDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.addTasksDir()

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes fires after any write under the watched directories.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching and closes the Changes channel.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		close(w.changes)
	})
	return err
}

func (w *Watcher) addTasksDir() {
	if err := w.fs.Add(w.tasksDir); err != nil {
		return
	}
	entries, err := os.ReadDir(w.tasksDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.add(filepath.Join(w.tasksDir, entry.Name()))
		}
	}
}

func (w *Watcher) add(dir string) {
	if err := w.fs.Add(dir); err != nil {
		w.logger.Debug("watch directory", zap.String("dir", dir), zap.Error(err))
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Clean(event.Name) == filepath.Clean(w.tasksDir) {
				w.addTasksDir()
			} else if filepath.Dir(filepath.Clean(event.Name)) == filepath.Clean(w.tasksDir) {
				w.add(event.Name)
			}
		}
	}
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
