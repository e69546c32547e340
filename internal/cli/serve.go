package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/control/internal/api"
	"github.com/kingrea/control/internal/bootstrap"
	"github.com/kingrea/control/internal/tui"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCommand() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scheduling API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				settings := api.SettingsFromConfig(rt.Config)
				if cmd.Flags().Changed("host") {
					settings.Host = host
				}
				if cmd.Flags().Changed("port") {
					settings.Port = port
				}
				srv := api.NewServer(settings, rt.Engine,
					api.WithLogger(rt.Logger.Logger),
					api.WithObserver(rt.Metrics),
					api.WithGatherer(rt.Registry))
				if err := srv.Start(ctx); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Listening on %s\n", srv.BaseURL())

				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					rt.Logger.Warn("shutdown", zap.Error(err))
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Bind address (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port (overrides server.port)")
	return cmd
}

func (a *app) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <feature>",
		Short: "Open a live task board for a feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *bootstrap.Runtime) error {
				name := args[0]
				if _, err := rt.Gate.Get(ctx, name); err != nil {
					return err
				}
				opts := []tui.AppOption{}
				watcher, err := tui.Watch(rt.Config.Layout, name, rt.Logger.Logger)
				if err != nil {
					rt.Logger.Warn("file watching unavailable; polling only", zap.Error(err))
				} else {
					defer watcher.Close()
					opts = append(opts, tui.WithChanges(watcher.Changes()))
				}
				program := tea.NewProgram(
					tui.NewApp(rt.Engine, name, opts...),
					tea.WithAltScreen(),
					tea.WithContext(ctx),
				)
				if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
					return err
				}
				return nil
			})
		},
	}
}
