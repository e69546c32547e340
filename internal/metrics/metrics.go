// Package metrics exposes Prometheus collectors for task transitions, git
// invocations, integrations, and HTTP requests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "control"

// Recorder owns the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	transitions  *prometheus.CounterVec
	gitCommands  *prometheus.CounterVec
	gitDuration  *prometheus.HistogramVec
	merges       *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors with reg, reusing collectors already
// registered under the same names. A nil reg means the default registerer.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions applied by the lifecycle engine.",
		}, []string{"from", "to"}),
		gitCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "git_commands_total",
			Help:      "git subprocesses run by the workspace manager.",
		}, []string{"subcommand", "result"}),
		gitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "git_command_duration_seconds",
			Help:      "Latency of git subprocesses.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subcommand"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Task branch integrations by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the control API.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests served by the control API.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	var err error
	if r.transitions, err = registerCounter(reg, r.transitions); err != nil {
		return nil, err
	}
	if r.gitCommands, err = registerCounter(reg, r.gitCommands); err != nil {
		return nil, err
	}
	if r.gitDuration, err = registerHistogram(reg, r.gitDuration); err != nil {
		return nil, err
	}
	if r.merges, err = registerCounter(reg, r.merges); err != nil {
		return nil, err
	}
	if r.httpRequests, err = registerCounter(reg, r.httpRequests); err != nil {
		return nil, err
	}
	if r.httpDuration, err = registerHistogram(reg, r.httpDuration); err != nil {
		return nil, err
	}
	return r, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(h); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return h, nil
}

// ObserveTransition counts a task status change.
func (r *Recorder) ObserveTransition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// ObserveGit records one git subprocess.
func (r *Recorder) ObserveGit(subcommand string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.gitCommands.WithLabelValues(subcommand, result).Inc()
	r.gitDuration.WithLabelValues(subcommand).Observe(elapsed.Seconds())
}

// ObserveMerge counts an integration attempt.
func (r *Recorder) ObserveMerge(strategy, outcome string) {
	if r == nil {
		return
	}
	r.merges.WithLabelValues(strategy, outcome).Inc()
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(route, method string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
