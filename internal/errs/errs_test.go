package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelsMatchByKind(t *testing.T) {
	err := New(KindNotFound, "task.get", "task %s not found", "01-a")
	wrapped := fmt.Errorf("engine: %w", err)

	assert.True(t, errors.Is(wrapped, NotFound))
	assert.False(t, errors.Is(wrapped, InvalidState))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorMessageCarriesDetails(t *testing.T) {
	err := Unsatisfied("start", "03-c", []Unmet{{Task: "01-a", Status: "in_progress"}, {Task: "02-b", Status: "pending"}})
	assert.Equal(t, "start: task 03-c has unmet dependencies: 01-a (in_progress), 02-b (pending)", err.Error())

	proc := Process("git merge", errors.New("exit status 1"), "fatal: refusing\n")
	assert.Equal(t, "git merge: exit status 1: fatal: refusing", proc.Error())
	require.True(t, Is(proc, KindExternalProcess))
	got, ok := As(fmt.Errorf("wrap: %w", proc))
	require.True(t, ok)
	assert.Equal(t, "fatal: refusing", got.Diagnostic)
}
