package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/control/internal/bootstrap"
	"github.com/kingrea/control/internal/errs"
	"github.com/kingrea/control/internal/task"
	"github.com/kingrea/control/internal/workflow/engine"
	"github.com/kingrea/control/internal/workflow/scheduler"
	"github.com/kingrea/control/internal/workspace"
)

func (a *app) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <feature>",
		Short: "Create, update and remove tasks to match the approved plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				result, err := rt.Engine.Sync(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(result)
				}
				fmt.Fprintf(a.out, "Created: %s\n", joinOrNone(result.Created))
				fmt.Fprintf(a.out, "Updated: %s\n", joinOrNone(result.Updated))
				fmt.Fprintf(a.out, "Removed: %s\n", joinOrNone(result.Removed))
				fmt.Fprintf(a.out, "Kept:    %s\n", joinOrNone(result.Kept))
				fmt.Fprintf(a.out, "Manual:  %s\n", joinOrNone(result.Manual))
				return nil
			})
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <feature>",
		Short: "Show tasks, what is runnable and what to do next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				status, err := rt.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(status)
				}
				fmt.Fprintf(a.out, "Feature %s (%s)\n", status.Feature.Name, status.Feature.Status)
				if status.Hold != "" {
					fmt.Fprintf(a.out, "HOLD: %s\n", status.Hold)
				}
				fmt.Fprintln(a.out)
				if err := a.printTasks(status); err != nil {
					return err
				}
				fmt.Fprintln(a.out)
				fmt.Fprintf(a.out, "Runnable: %s\n", joinOrNone(status.Runnable))
				fmt.Fprintf(a.out, "Next:     %s\n", joinOrNone(status.Next))
				skipped := make([]string, 0, len(status.Skipped))
				for key := range status.Skipped {
					skipped = append(skipped, key)
				}
				sort.Strings(skipped)
				for _, key := range skipped {
					reason := status.Skipped[key]
					if reason.Reason == scheduler.SkipReasonNotReady {
						continue
					}
					fmt.Fprintf(a.out, "  held back %s: %s %s\n", key, reason.Reason, reason.Detail)
				}
				fmt.Fprintf(a.out, "Action:   %s\n", status.NextAction)
				return nil
			})
		},
	}
}

func (a *app) startCommand() *cobra.Command {
	var key, decision string
	cmd := &cobra.Command{
		Use:   "start <feature> <task>",
		Short: "Start a pending task or resume a blocked one in its worktree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				result, err := rt.Engine.Start(ctx, engine.StartRequest{
					Feature:        args[0],
					Task:           args[1],
					IdempotencyKey: key,
					Decision:       decision,
				})
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(result)
				}
				verb := "Started"
				switch {
				case result.Replayed:
					verb = "Replayed"
				case result.Resumed:
					verb = "Resumed"
				}
				fmt.Fprintf(a.out, "%s %s (attempt %d)\n", verb, result.Task.Key, attempt(result.Task))
				fmt.Fprintf(a.out, "Workspace: %s\n", result.Workspace.Path)
				fmt.Fprintf(a.out, "Branch:    %s\n", result.Workspace.Branch)
				if result.Task.WorkerSession != nil {
					fmt.Fprintf(a.out, "Key:       %s\n", result.Task.WorkerSession.IdempotencyKey)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key of the attempt being retried")
	cmd.Flags().StringVar(&decision, "decision", "", "Answer to the blocker when resuming")
	return cmd
}

func (a *app) completeCommand() *cobra.Command {
	var (
		outcome, summary, key                  string
		reason, recommendation, blockerContext string
		options                                []string
	)
	cmd := &cobra.Command{
		Use:   "complete <feature> <task>",
		Short: "Record the outcome of an in-progress attempt",
		Long:  "Record done, failed, partial or blocked. Done, failed and partial commit the worktree and write report.md; blocked records the question for a human.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.CompleteRequest{
				Feature:        args[0],
				Task:           args[1],
				Outcome:        task.Status(strings.ToLower(strings.TrimSpace(outcome))),
				Summary:        summary,
				IdempotencyKey: key,
			}
			if reason != "" || len(options) > 0 {
				req.Blocker = &task.Blocker{
					Reason:         reason,
					Options:        options,
					Recommendation: recommendation,
					Context:        blockerContext,
				}
			}
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				result, err := rt.Engine.Complete(ctx, req)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(result)
				}
				fmt.Fprintf(a.out, "%s is %s\n", result.Task.Key, result.Task.Status)
				if result.Commit != nil && result.Commit.Committed {
					fmt.Fprintf(a.out, "Commit: %s %s\n", shortSHA(result.Commit.SHA), result.Commit.Message)
				}
				if result.Diff != nil && result.Diff.HasDiff {
					fmt.Fprintf(a.out, "Diff:   %d file(s), +%d -%d\n", len(result.Diff.FilesChanged), result.Diff.Insertions, result.Diff.Deletions)
				}
				if result.ReportPath != "" {
					fmt.Fprintf(a.out, "Report: %s\n", result.ReportPath)
				}
				for _, w := range result.Warnings {
					fmt.Fprintf(a.errOut, "warning: %s\n", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "done, blocked, failed or partial")
	cmd.Flags().StringVar(&summary, "summary", "", "What the attempt did")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key of the attempt")
	cmd.Flags().StringVar(&reason, "reason", "", "Blocker question (blocked outcome)")
	cmd.Flags().StringArrayVar(&options, "option", nil, "Blocker option, repeat 2-4 times")
	cmd.Flags().StringVar(&recommendation, "recommendation", "", "Recommended option")
	cmd.Flags().StringVar(&blockerContext, "context", "", "Extra context for the blocker")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func (a *app) heartbeatCommand() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "heartbeat <feature> <task>",
		Short: "Refresh the heartbeat of the current attempt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				updated, err := rt.Engine.Heartbeat(ctx, args[0], args[1], key)
				if err != nil {
					return err
				}
				return a.printTask(updated, fmt.Sprintf("%s heartbeat recorded", updated.Key))
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key of the attempt")
	return cmd
}

func (a *app) discardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <feature> <task>",
		Short: "Throw away the task's worktree and branch and reset it to pending",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				updated, err := rt.Engine.Discard(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return a.printTask(updated, fmt.Sprintf("Discarded %s; it is pending again", updated.Key))
			})
		},
	}
}

func (a *app) integrateCommand() *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "integrate <feature> <task>",
		Short: "Merge a done task into the integration branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s workspace.Strategy
			if strategy != "" {
				parsed, err := workspace.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				s = parsed
			}
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				result, err := rt.Engine.Integrate(ctx, engine.IntegrateRequest{Feature: args[0], Task: args[1], Strategy: s})
				if err != nil {
					if errs.Is(err, errs.KindMergeConflict) && !a.jsonOut {
						fmt.Fprintf(a.errOut, "Merge of %s aborted; the integration branch is unchanged.\n", result.Merge.Branch)
					}
					return err
				}
				if a.jsonOut {
					return a.printJSON(result)
				}
				fmt.Fprintf(a.out, "Integrated %s via %s at %s (%d file(s))\n", result.Task.Key, result.Merge.Strategy, shortSHA(result.Merge.SHA), len(result.Merge.FilesChanged))
				if result.BranchDeleted {
					fmt.Fprintf(a.out, "Deleted branch %s\n", result.Merge.Branch)
				}
				for _, w := range result.Warnings {
					fmt.Fprintf(a.errOut, "warning: %s\n", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "merge, squash or rebase (default from config)")
	return cmd
}

func (a *app) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <feature>",
		Short: "Remove orphaned worktree directories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				result, err := rt.Engine.Cleanup(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(result)
				}
				fmt.Fprintf(a.out, "Removed: %s\n", joinOrNone(result.Removed))
				return nil
			})
		},
	}
}

func (a *app) logCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <feature>",
		Short: "Show the feature journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				entries, total, err := rt.Engine.Journal(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(map[string]any{"entries": entries, "total": total})
				}
				for _, entry := range entries {
					fmt.Fprintln(a.out, entry.String())
				}
				if total > len(entries) {
					fmt.Fprintf(a.out, "(%d of %d entries)\n", len(entries), total)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "lines", "n", 20, "Number of entries to show")
	return cmd
}

func attempt(t task.Task) int {
	if t.WorkerSession == nil {
		return 0
	}
	return t.WorkerSession.Attempt
}
