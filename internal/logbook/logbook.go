package logbook

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a journal entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is one lifecycle event recorded for a feature.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   Level             `json:"level"`
	Event   string            `json:"event"`
	Task    string            `json:"task,omitempty"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// String renders the entry as a single human-readable line.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", e.Time.UTC().Format(time.RFC3339), e.Level, e.Event)
	if e.Task != "" {
		fmt.Fprintf(&b, " [%s]", e.Task)
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Logbook appends feature lifecycle events to a JSON-lines file.
type Logbook struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, clock: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry. The timestamp is filled in when zero.
func (l *Logbook) Append(entry Entry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.Time.IsZero() {
		entry.Time = l.clock().UTC()
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	entry.Message = strings.TrimSpace(entry.Message)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(data, '\n'))
	return err
}

// Tail returns up to max of the most recent entries plus the total count.
// Lines that do not decode are skipped.
func (l *Logbook) Tail(max int) ([]Entry, int) {
	if l == nil || max <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	total := len(entries)
	if total > max {
		entries = entries[total-max:]
	}
	return entries, total
}

// Record appends an informational event for a task.
func (l *Logbook) Record(event, task, format string, args ...any) {
	_ = l.Append(Entry{Level: LevelInfo, Event: event, Task: task, Message: fmt.Sprintf(format, args...)})
}

// Warn appends a warning event for a task.
func (l *Logbook) Warn(event, task, format string, args ...any) {
	_ = l.Append(Entry{Level: LevelWarn, Event: event, Task: task, Message: fmt.Sprintf(format, args...)})
}
