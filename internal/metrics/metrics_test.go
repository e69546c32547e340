package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := New(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	rec.ObserveTransition("pending", "in_progress")
	rec.ObserveTransition("pending", "in_progress")
	rec.ObserveGit("status", 5*time.Millisecond, nil)
	rec.ObserveGit("merge", time.Millisecond, errors.New("exit 1"))
	rec.ObserveMerge("squash", "merged")
	rec.ObserveRequest("/features/{feature}", "GET", 200, time.Millisecond)

	if got := testutil.ToFloat64(rec.transitions.WithLabelValues("pending", "in_progress")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(rec.gitCommands.WithLabelValues("merge", "error")); got != 1 {
		t.Fatalf("expected failed merge command, got %v", got)
	}
	if got := testutil.ToFloat64(rec.merges.WithLabelValues("squash", "merged")); got != 1 {
		t.Fatalf("expected one squash merge, got %v", got)
	}
	if got := testutil.ToFloat64(rec.httpRequests.WithLabelValues("/features/{feature}", "GET", "200")); got != 1 {
		t.Fatalf("expected one request, got %v", got)
	}
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	first.ObserveMerge("merge", "conflict")
	if got := testutil.ToFloat64(second.merges.WithLabelValues("merge", "conflict")); got != 1 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveTransition("a", "b")
	rec.ObserveGit("status", 0, nil)
	rec.ObserveMerge("merge", "merged")
	rec.ObserveRequest("/", "GET", 200, 0)
}
