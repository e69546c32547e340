package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kingrea/control/internal/errs"
)

// Exit codes by error kind.
const (
	exitFailure      = 1
	exitUsage        = 2
	exitNotFound     = 3
	exitConflict     = 4
	exitImmutable    = 5
	exitExternalTool = 6
)

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
}

type errorOutput struct {
	Error      string       `json:"error"`
	Kind       errs.Kind    `json:"kind,omitempty"`
	Unmet      []errs.Unmet `json:"unmet,omitempty"`
	Conflicts  []string     `json:"conflicts,omitempty"`
	Diagnostic string       `json:"diagnostic,omitempty"`
}

func reportError(w io.Writer, err error, asJSON bool) {
	if asJSON {
		out := errorOutput{Error: err.Error(), Kind: errs.KindOf(err)}
		if e, ok := errs.As(err); ok {
			out.Unmet = e.Unmet
			out.Conflicts = e.Conflicts
			out.Diagnostic = e.Diagnostic
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	if e, ok := errs.As(err); ok {
		for _, u := range e.Unmet {
			fmt.Fprintf(w, "  waiting on %s (%s)\n", u.Task, u.Status)
		}
		for _, c := range e.Conflicts {
			fmt.Fprintf(w, "  conflict: %s\n", c)
		}
	}
}

func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInvalidArgument:
		return exitUsage
	case errs.KindNotFound:
		return exitNotFound
	case errs.KindInvalidState, errs.KindDependencyUnmet, errs.KindMergeConflict, errs.KindWorkspaceCreate:
		return exitConflict
	case errs.KindFeatureImmutable:
		return exitImmutable
	case errs.KindExternalProcess:
		return exitExternalTool
	default:
		return exitFailure
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
