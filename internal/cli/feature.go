package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/control/internal/bootstrap"
	"github.com/kingrea/control/internal/feature"
)

func (a *app) featureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Manage feature lifecycle: planning, approved, executing, completed",
	}
	cmd.AddCommand(
		a.featureCreateCommand(),
		a.featureApproveCommand(),
		a.featureHoldCommand(),
		a.featureReleaseCommand(),
		a.featureCompleteCommand(),
		a.featureListCommand(),
		a.featureShowCommand(),
	)
	return cmd
}

func (a *app) featureCreateCommand() *cobra.Command {
	var ticket string
	cmd := &cobra.Command{
		Use:   "create <feature>",
		Short: "Register a feature in planning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				f, err := rt.Engine.CreateFeature(ctx, args[0], ticket)
				if err != nil {
					return err
				}
				return a.printFeature(f, fmt.Sprintf("Created feature %s. Write %s, then approve it.", f.Name, rt.Config.Layout.PlanPath(f.Name)))
			})
		},
	}
	cmd.Flags().StringVar(&ticket, "ticket", "", "External ticket reference")
	return cmd
}

func (a *app) featureApproveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <feature>",
		Short: "Approve the feature plan so tasks can be synchronized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				f, err := rt.Engine.ApproveFeature(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printFeature(f, fmt.Sprintf("Approved %s. Run control sync %s to create its tasks.", f.Name, f.Name))
			})
		},
	}
}

func (a *app) featureHoldCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <feature>",
		Short: "Stop dispatch, completion and integration until released",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if err := rt.Engine.HoldFeature(ctx, args[0], reason); err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(map[string]string{"feature": args[0], "hold": reason})
				}
				fmt.Fprintf(a.out, "Held %s: %s\n", args[0], reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the feature is held")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (a *app) featureReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <feature>",
		Short: "Lift a hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if err := rt.Engine.ReleaseFeature(ctx, args[0]); err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(map[string]string{"feature": args[0]})
				}
				fmt.Fprintf(a.out, "Released %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) featureCompleteCommand() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "complete <feature>",
		Short: "Seal a feature once every task is done or cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				f, err := rt.Engine.CompleteFeature(ctx, args[0], evidence)
				if err != nil {
					return err
				}
				return a.printFeature(f, fmt.Sprintf("Completed %s. Its tasks are now read-only.", f.Name))
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", fmt.Sprintf("Verification notes (at least %d characters)", feature.MinEvidenceLength))
	_ = cmd.MarkFlagRequired("evidence")
	return cmd
}

func (a *app) featureListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				features, err := rt.Gate.List(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					if features == nil {
						features = []feature.Feature{}
					}
					return a.printJSON(features)
				}
				if len(features) == 0 {
					fmt.Fprintln(a.out, "No features.")
					return nil
				}
				w := a.table()
				fmt.Fprintln(w, "FEATURE\tSTATUS\tTICKET\tCREATED\tHOLD")
				for _, f := range features {
					hold, _ := rt.Gate.HoldReason(f.Name)
					created := f.CreatedAt
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", f.Name, f.Status, orDash(f.Ticket), formatTime(&created), orDash(hold))
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) featureShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <feature>",
		Short: "Show a feature record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				f, err := rt.Gate.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(f)
				}
				created := f.CreatedAt
				fmt.Fprintf(a.out, "Feature:   %s\n", f.Name)
				fmt.Fprintf(a.out, "Status:    %s\n", f.Status)
				fmt.Fprintf(a.out, "Ticket:    %s\n", orDash(f.Ticket))
				fmt.Fprintf(a.out, "Created:   %s\n", formatTime(&created))
				fmt.Fprintf(a.out, "Approved:  %s\n", formatTime(f.ApprovedAt))
				fmt.Fprintf(a.out, "Executing: %s\n", formatTime(f.ExecutingAt))
				fmt.Fprintf(a.out, "Completed: %s\n", formatTime(f.CompletedAt))
				if hold, ok := rt.Gate.HoldReason(f.Name); ok {
					fmt.Fprintf(a.out, "Hold:      %s\n", hold)
				}
				if f.Evidence != "" {
					fmt.Fprintf(a.out, "Evidence:  %s\n", f.Evidence)
				}
				return nil
			})
		},
	}
}

func (a *app) printFeature(f feature.Feature, message string) error {
	if a.jsonOut {
		return a.printJSON(f)
	}
	fmt.Fprintln(a.out, message)
	return nil
}
