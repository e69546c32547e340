// Package cli implements the control command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/control/internal/bootstrap"
)

// Version is stamped at build time.
var Version = "dev"

// app carries the global flags shared by every command.
type app struct {
	projectDir string
	jsonOut    bool
	verbose    bool
	out        io.Writer
	errOut     io.Writer
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "control",
		Short:         "Dependency-aware task scheduling in isolated git worktrees",
		Long:          `control schedules the tasks of an approved feature plan, gives each task its own git worktree and branch, and merges finished work back into the integration branch in dependency order.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&a.projectDir, "project", "C", "", "Project directory (defaults to the nearest directory containing .control)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print machine-readable JSON")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Mirror warnings to stderr")

	root.AddCommand(
		a.initCommand(),
		a.featureCommand(),
		a.taskCommand(),
		a.syncCommand(),
		a.statusCommand(),
		a.startCommand(),
		a.completeCommand(),
		a.heartbeatCommand(),
		a.discardCommand(),
		a.integrateCommand(),
		a.cleanupCommand(),
		a.logCommand(),
		a.serveCommand(),
		a.watchCommand(),
	)
	return root
}

// Execute runs the command line and reports errors the way --json asks for.
func Execute() int {
	root := NewRootCommand(os.Stdout, os.Stderr)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	jsonOut, _ := cmd.Flags().GetBool("json")
	reportError(os.Stderr, err, jsonOut)
	return exitCode(err)
}

func (a *app) resolveProject() (string, error) {
	if a.projectDir != "" {
		return a.projectDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return bootstrap.FindProjectDir(cwd)
}

// run opens the runtime for the duration of fn.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	dir, err := a.resolveProject()
	if err != nil {
		return err
	}
	rt, err := bootstrap.Open(cmd.Context(), bootstrap.Options{ProjectDir: dir, Stderr: a.verbose})
	if err != nil {
		return err
	}
	defer rt.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, rt)
}

func (a *app) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .control/ in the current git repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := a.projectDir
			if dir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = cwd
			}
			rt, err := bootstrap.Initialize(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer rt.Close()
			if a.jsonOut {
				return a.printJSON(map[string]string{"project": rt.Config.ProjectDir, "config": rt.Config.ProjectConfigPath()})
			}
			fmt.Fprintf(a.out, "Initialized control in %s\n", rt.Config.Layout.Root)
			return nil
		},
	}
}
