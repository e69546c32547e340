// Package task persists per-task status records for a feature and keeps the
// task set in step with the feature's plan.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/control/internal/errs"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending, StatusInProgress, StatusDone, StatusBlocked,
	StatusFailed, StatusPartial, StatusCancelled,
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, candidate := range allStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", errs.New(errs.KindInvalidArgument, "task", "unknown status %q", raw)
	}
	return s, nil
}

// Origin records whether a task came from the plan or was added by hand.
type Origin string

const (
	OriginPlan   Origin = "plan"
	OriginManual Origin = "manual"
)

// Blocker describes why a worker stopped and what it needs decided.
type Blocker struct {
	Reason         string   `json:"reason"`
	Options        []string `json:"options,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Context        string   `json:"context,omitempty"`
}

// Validate requires a reason and, when options are offered, between two and
// four of them.
func (b Blocker) Validate() error {
	if strings.TrimSpace(b.Reason) == "" {
		return errs.New(errs.KindInvalidArgument, "blocker", "reason is required")
	}
	if n := len(b.Options); n > 0 && (n < 2 || n > 4) {
		return errs.New(errs.KindInvalidArgument, "blocker", "expected 2-4 options, got %d", n)
	}
	return nil
}

// WorkerSession identifies the attempt currently holding a task.
type WorkerSession struct {
	SessionID      string    `json:"sessionId"`
	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotencyKey"`
	StartedAt      time.Time `json:"startedAt"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

// Integration records a successful merge into the integration branch.
type Integration struct {
	SHA      string    `json:"sha"`
	Strategy string    `json:"strategy"`
	At       time.Time `json:"at"`
}

// Task is the persisted status record of one unit of work.
type Task struct {
	Key     string `json:"key"`
	Feature string `json:"feature"`
	Status  Status `json:"status"`
	Origin  Origin `json:"origin"`
	// DependsOn is nil when the task relies on implicit ordering; an empty
	// non-nil slice declares no dependencies at all.
	DependsOn     []string       `json:"dependsOn"`
	Summary       string         `json:"summary,omitempty"`
	Blocker       *Blocker       `json:"blocker,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	WorkerSession *WorkerSession `json:"workerSession,omitempty"`
	BaseCommit    string         `json:"baseCommit,omitempty"`
	CommitSHA     string         `json:"commitSha,omitempty"`
	Integration   *Integration   `json:"integration,omitempty"`
	CreatedAt     *time.Time     `json:"createdAt,omitempty"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt     *time.Time     `json:"updatedAt,omitempty"`
}

// Order returns the numeric prefix of the task key.
func (t Task) Order() int {
	order, _, err := ParseKey(t.Key)
	if err != nil {
		return 0
	}
	return order
}

// Name returns the key without its numeric prefix.
func (t Task) Name() string {
	_, slug, err := ParseKey(t.Key)
	if err != nil {
		return t.Key
	}
	return slug
}

// HasExplicitDependencies reports whether DependsOn overrides implicit ordering.
func (t Task) HasExplicitDependencies() bool {
	return t.DependsOn != nil
}

// Attempt returns the attempt number of the last worker session.
func (t Task) Attempt() int {
	if t.WorkerSession == nil {
		return 0
	}
	return t.WorkerSession.Attempt
}

// Integrated reports whether the task's work reached the integration branch.
func (t Task) Integrated() bool {
	return t.Integration != nil
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	out := t
	if t.DependsOn != nil {
		out.DependsOn = append([]string{}, t.DependsOn...)
	}
	if t.Blocker != nil {
		b := *t.Blocker
		b.Options = append([]string(nil), t.Blocker.Options...)
		out.Blocker = &b
	}
	if t.WorkerSession != nil {
		ws := *t.WorkerSession
		out.WorkerSession = &ws
	}
	if t.Integration != nil {
		in := *t.Integration
		out.Integration = &in
	}
	out.CreatedAt = cloneTime(t.CreatedAt)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.UpdatedAt = cloneTime(t.UpdatedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// FormatKey builds the canonical "NN-slug" key.
func FormatKey(order int, slug string) string {
	return fmt.Sprintf("%02d-%s", order, slug)
}

// ParseKey splits a task key into its numeric order and slug.
func ParseKey(key string) (int, string, error) {
	prefix, slug, ok := strings.Cut(key, "-")
	if !ok || prefix == "" || slug == "" {
		return 0, "", errs.New(errs.KindInvalidArgument, "task", "key %q must look like NN-name", key)
	}
	order, err := strconv.Atoi(prefix)
	if err != nil || order < 0 {
		return 0, "", errs.New(errs.KindInvalidArgument, "task", "key %q has a non-numeric prefix", key)
	}
	return order, slug, nil
}

// Slugify lowercases a title, joins words with dashes and drops anything that
// is not a letter, digit or dash.
func Slugify(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	joined := strings.Join(fields, "-")
	var b strings.Builder
	for _, r := range joined {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NextOrder returns max(existing prefixes)+1, starting at 1.
func NextOrder(tasks []Task) int {
	max := 0
	for _, t := range tasks {
		if o := t.Order(); o > max {
			max = o
		}
	}
	return max + 1
}

// ValidateName checks a feature or task slug for use in paths and branch names.
func ValidateName(kind, name string) error {
	if name == "" {
		return errs.New(errs.KindInvalidArgument, kind, "name is required")
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") {
		return errs.New(errs.KindInvalidArgument, kind, "name %q is not allowed", name)
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			continue
		}
		return errs.New(errs.KindInvalidArgument, kind, "name %q may only contain a-z, 0-9, '-', '_' and '.'", name)
	}
	if strings.Contains(name, "..") {
		return errs.New(errs.KindInvalidArgument, kind, "name %q may not contain '..'", name)
	}
	return nil
}
