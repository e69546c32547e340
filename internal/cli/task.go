package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/control/internal/bootstrap"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/engine"
)

func (a *app) taskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and reorder tasks",
	}
	cmd.AddCommand(
		a.taskCreateCommand(),
		a.taskListCommand(),
		a.taskDepsCommand(),
		a.taskCancelCommand(),
	)
	return cmd
}

func (a *app) taskCreateCommand() *cobra.Command {
	var (
		order     int
		dependsOn []string
		noDeps    bool
	)
	cmd := &cobra.Command{
		Use:   "create <feature> <name>",
		Short: "Add a manual task that plan synchronization leaves alone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.CreateTaskRequest{Feature: args[0], Name: args[1], Order: order}
			switch {
			case noDeps:
				req.DependsOn = []string{}
			case cmd.Flags().Changed("depends-on"):
				req.DependsOn = dependsOn
			}
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				created, err := rt.Engine.CreateTask(ctx, req)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(created)
				}
				fmt.Fprintf(a.out, "Created %s/%s\n", created.Feature, created.Key)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&order, "order", 0, "Numeric prefix (default: next free)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Explicit dependencies (task keys)")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "Declare no dependencies at all")
	cmd.MarkFlagsMutuallyExclusive("depends-on", "no-deps")
	return cmd
}

func (a *app) taskListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <feature>",
		Short: "List tasks with their dependency state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				status, err := rt.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(status.Tasks)
				}
				return a.printTasks(status)
			})
		},
	}
}

func (a *app) taskDepsCommand() *cobra.Command {
	var implicit bool
	cmd := &cobra.Command{
		Use:   "deps <feature> <task> [dependency...]",
		Short: "Replace the dependencies of a pending task",
		Long:  "Replace the explicit dependency list of a pending task. With no dependencies the task depends on nothing; --implicit restores ordering by numeric prefix.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps := append([]string{}, args[2:]...)
			if implicit {
				if len(deps) > 0 {
					return fmt.Errorf("--implicit takes no dependencies")
				}
				deps = nil
			}
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				updated, err := rt.Engine.SetDependencies(ctx, args[0], args[1], deps)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(updated)
				}
				if updated.DependsOn == nil {
					fmt.Fprintf(a.out, "%s now follows implicit ordering\n", updated.Key)
				} else {
					fmt.Fprintf(a.out, "%s depends on %s\n", updated.Key, joinOrNone(updated.DependsOn))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&implicit, "implicit", false, "Depend on every lower-numbered task")
	return cmd
}

func (a *app) taskCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <feature> <task>",
		Short: "Cancel a task and remove its workspace and branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				updated, err := rt.Engine.Cancel(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return a.printTask(updated, fmt.Sprintf("Cancelled %s", updated.Key))
			})
		},
	}
}

func (a *app) printTasks(status engine.Status) error {
	if len(status.Tasks) == 0 {
		fmt.Fprintln(a.out, "No tasks.")
		return nil
	}
	w := a.table()
	fmt.Fprintln(w, "TASK\tSTATUS\tSTATE\tDEPENDS ON\tORIGIN\tINTEGRATED")
	for _, view := range status.Tasks {
		integrated := "-"
		if view.Integration != nil {
			integrated = shortSHA(view.Integration.SHA)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", view.Key, view.Status, view.State, joinOrNone(view.Dependencies), view.Origin, integrated)
	}
	return w.Flush()
}

func (a *app) printTask(t task.Task, message string) error {
	if a.jsonOut {
		return a.printJSON(t)
	}
	fmt.Fprintln(a.out, message)
	return nil
}
