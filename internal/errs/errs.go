// Package errs defines the error taxonomy shared by every control component.
// Callers branch on Kind rather than on message text.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInvalidState     Kind = "invalid_state"
	KindDependencyUnmet  Kind = "dependency_unmet"
	KindExternalProcess  Kind = "external_process"
	KindMergeConflict    Kind = "merge_conflict"
	KindFeatureImmutable Kind = "feature_immutable"
	KindInvalidArgument  Kind = "invalid_argument"
	KindWorkspaceCreate  Kind = "workspace_create"
)

// Sentinels usable with errors.Is.
var (
	NotFound         = &Error{Kind: KindNotFound}
	InvalidState     = &Error{Kind: KindInvalidState}
	DependencyUnmet  = &Error{Kind: KindDependencyUnmet}
	ExternalProcess  = &Error{Kind: KindExternalProcess}
	MergeConflict    = &Error{Kind: KindMergeConflict}
	FeatureImmutable = &Error{Kind: KindFeatureImmutable}
	InvalidArgument  = &Error{Kind: KindInvalidArgument}
	WorkspaceCreate  = &Error{Kind: KindWorkspaceCreate}
)

// Unmet names a dependency that blocks a task together with its status.
type Unmet struct {
	Task   string `json:"task"`
	Status string `json:"status"`
}

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	// Diagnostic carries raw output from an external process (stderr).
	Diagnostic string
	Unmet      []Unmet
	Conflicts  []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	if len(e.Unmet) > 0 {
		parts := make([]string, 0, len(e.Unmet))
		for _, u := range e.Unmet {
			parts = append(parts, fmt.Sprintf("%s (%s)", u.Task, u.Status))
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if len(e.Conflicts) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Conflicts, ", "))
	}
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Process reports a failed external command with its raw stderr.
func Process(op string, err error, stderr string) *Error {
	return &Error{Kind: KindExternalProcess, Op: op, Err: err, Diagnostic: strings.TrimSpace(stderr)}
}

// Unsatisfied reports unmet dependencies for task.
func Unsatisfied(op, task string, unmet []Unmet) *Error {
	return &Error{
		Kind:  KindDependencyUnmet,
		Op:    op,
		Msg:   fmt.Sprintf("task %s has unmet dependencies", task),
		Unmet: unmet,
	}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
