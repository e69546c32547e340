package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Report is the durable summary written when a worker finishes an attempt.
type Report struct {
	Feature      string
	Task         string
	Status       Status
	Summary      string
	CommitSHA    string
	FilesChanged []string
	Insertions   int
	Deletions    int
	CompletedAt  time.Time
}

var statusLabels = map[Status]string{
	StatusDone:    "✅ Completed",
	StatusFailed:  "❌ Failed",
	StatusPartial: "⚠️ Partial",
	StatusBlocked: "⏸ Blocked",
}

// Markdown renders the report.
func (r Report) Markdown() string {
	label := statusLabels[r.Status]
	if label == "" {
		label = string(r.Status)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Task Report: %s\n\n", r.Task)
	fmt.Fprintf(&b, "**Feature:** %s\n", r.Feature)
	fmt.Fprintf(&b, "**Completed:** %s\n", r.CompletedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Status:** %s\n", label)
	if r.CommitSHA != "" {
		fmt.Fprintf(&b, "**Commit:** %s\n", r.CommitSHA)
	}
	b.WriteString("\n---\n\n## Summary\n\n")
	summary := strings.TrimSpace(r.Summary)
	if summary == "" {
		summary = "_No summary provided._"
	}
	b.WriteString(summary)
	b.WriteString("\n")
	if len(r.FilesChanged) > 0 {
		b.WriteString("\n---\n\n## Changes\n\n")
		fmt.Fprintf(&b, "- **Files changed:** %d\n", len(r.FilesChanged))
		fmt.Fprintf(&b, "- **Insertions:** +%d\n", r.Insertions)
		fmt.Fprintf(&b, "- **Deletions:** -%d\n\n", r.Deletions)
		b.WriteString("### Files Modified\n\n")
		for _, f := range r.FilesChanged {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

// WriteReport stores report.md next to the task's status record and returns
// its path.
func WriteReport(path string, r Report) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("task: ensure report dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(r.Markdown()), 0o644); err != nil {
		return "", fmt.Errorf("task: write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("task: commit report: %w", err)
	}
	return path, nil
}
