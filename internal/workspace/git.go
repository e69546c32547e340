package workspace

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/logging"
)

const instrumentationName = "github.com/kingrea/control/internal/workspace"

// gitRunner executes git subprocesses, tracing and timing each one.
type gitRunner struct {
	binary   string
	tracer   trace.Tracer
	observer Observer
	logger   *logging.Logger
}

func newGitRunner(logger *logging.Logger, observer Observer) *gitRunner {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &gitRunner{
		binary:   "git",
		tracer:   otel.Tracer(instrumentationName),
		observer: observer,
		logger:   logger,
	}
}

// run executes git in dir and returns trimmed stdout. Failures come back as
// external_process errors carrying stderr.
func (g *gitRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	sub := subcommand(args)
	ctx, span := g.tracer.Start(ctx, "git "+sub, trace.WithAttributes(
		attribute.String("git.subcommand", sub),
		attribute.String("git.dir", dir),
	))
	defer span.End()

	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	g.observer.ObserveGit(sub, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(stderr.String()))
		g.logger.Debug("git command failed",
			zap.String("dir", dir),
			zap.Strings("args", args),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err))
		return strings.TrimSpace(stdout.String()), errs.Process("git "+strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// lines runs git and splits stdout into non-empty lines.
func (g *gitRunner) lines(ctx context.Context, dir string, args ...string) ([]string, error) {
	out, err := g.run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-C" || arg == "-c" {
			i++
			continue
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		return arg
	}
	return "git"
}

func splitLines(raw string) []string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
