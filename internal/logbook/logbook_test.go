package logbook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTailReturnsRecentEntriesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Record("task_started", "01-setup", "attempt-%d", i)
	}
	entries, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total entries = %d, want 5", total)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for idx, want := range []string{"attempt-2", "attempt-3", "attempt-4"} {
		if entries[idx].Message != want {
			t.Fatalf("entry %d = %q, want %s", idx, entries[idx].Message, want)
		}
	}
}

func TestTailSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Warn("merge_conflict", "02-api", "conflicts in api.go")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("not json\n")
	f.Close()

	entries, total := book.Tail(10)
	if total != 1 || len(entries) != 1 {
		t.Fatalf("expected one decodable entry, got %d/%d", len(entries), total)
	}
	if entries[0].Level != LevelWarn {
		t.Fatalf("level = %s, want WARN", entries[0].Level)
	}
}

func TestEntryString(t *testing.T) {
	entry := Entry{
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   LevelInfo,
		Event:   "task_completed",
		Task:    "01-setup",
		Message: "done",
	}
	got := entry.String()
	if !strings.HasPrefix(got, "2026-01-02T03:04:05Z INFO  task_completed [01-setup] done") {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestNilLogbookIsInert(t *testing.T) {
	var book *Logbook
	book.Record("x", "", "ignored")
	if entries, total := book.Tail(5); entries != nil || total != 0 {
		t.Fatalf("expected nothing from nil logbook")
	}
}
