package task

import (
	"context"
	"sort"
	"time"
)

// Store is the durable home of task records. Implementations persist each
// update before returning.
type Store interface {
	Get(ctx context.Context, feature, key string) (Task, error)
	// List returns every task of a feature sorted by order, then key.
	List(ctx context.Context, feature string) ([]Task, error)
	// Create inserts a new record and fails with invalid_argument when the key
	// is taken.
	Create(ctx context.Context, t Task) (Task, error)
	// Update applies a partial patch as one read-modify-write.
	Update(ctx context.Context, feature, key string, patch Patch) (Task, error)
	Delete(ctx context.Context, feature, key string) error
	Close() error
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status           *Status
	Summary          *string
	Blocker          *Blocker
	ClearBlocker     bool
	Decision         *string
	WorkerSession    *WorkerSession
	BaseCommit       *string
	CommitSHA        *string
	Integration      *Integration
	ClearIntegration bool
	// DependsOn replaces the dependency list. Point it at a nil slice to fall
	// back to implicit ordering.
	DependsOn *[]string
}

// StatusPtr is a helper for building patches.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a helper for building patches.
func StringPtr(s string) *string { return &s }

// Apply mutates t according to the patch. Entering in_progress stamps
// StartedAt and entering done stamps CompletedAt, each only once.
func (p Patch) Apply(t *Task, now time.Time) {
	now = now.UTC()
	if p.Status != nil {
		next := *p.Status
		if next == StatusInProgress && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if next == StatusDone && t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		t.Status = next
	}
	if p.Summary != nil {
		t.Summary = *p.Summary
	}
	if p.ClearBlocker {
		t.Blocker = nil
	}
	if p.Blocker != nil {
		b := *p.Blocker
		t.Blocker = &b
	}
	if p.Decision != nil {
		t.Decision = *p.Decision
	}
	if p.WorkerSession != nil {
		ws := *p.WorkerSession
		t.WorkerSession = &ws
	}
	if p.BaseCommit != nil {
		t.BaseCommit = *p.BaseCommit
	}
	if p.CommitSHA != nil {
		t.CommitSHA = *p.CommitSHA
	}
	if p.ClearIntegration {
		t.Integration = nil
	}
	if p.Integration != nil {
		in := *p.Integration
		t.Integration = &in
	}
	if p.DependsOn != nil {
		if *p.DependsOn == nil {
			t.DependsOn = nil
		} else {
			t.DependsOn = append([]string{}, (*p.DependsOn)...)
		}
	}
	t.UpdatedAt = &now
}

func sortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		oi, oj := tasks[i].Order(), tasks[j].Order()
		if oi != oj {
			return oi < oj
		}
		return tasks[i].Key < tasks[j].Key
	})
}

func prepareCreate(t Task, now time.Time) (Task, error) {
	if _, _, err := ParseKey(t.Key); err != nil {
		return Task{}, err
	}
	if err := ValidateName("task", t.Key); err != nil {
		return Task{}, err
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Origin == "" {
		t.Origin = OriginManual
	}
	now = now.UTC()
	if t.CreatedAt == nil {
		t.CreatedAt = &now
	}
	t.UpdatedAt = &now
	return t.Clone(), nil
}
