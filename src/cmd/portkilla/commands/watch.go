package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/dashboard"
	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/output"
)

const shutdownTimeout = 5 * time.Second

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh continuously and serve the local dashboard until interrupted",
		Long: `Runs the periodic scanner, watched-port notifications and the dashboard on a
loopback address. --interval overrides refresh_interval_seconds for this session;
0 disables periodic refresh.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runWatch(ctx, a, addr, interval, cmd.Flags().Changed("interval"))
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", dashboard.DefaultAddr, "Dashboard listen address")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Refresh interval override (e.g. 5s)")
	return cmd
}

func runWatch(parent context.Context, a *app, addr string, interval time.Duration, overrideInterval bool) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a.mgr.Start(ctx)
	refresh := a.cfg.RefreshInterval()
	if overrideInterval {
		refresh = interval
		a.mgr.SetRefreshInterval(interval)
	}

	srv := dashboard.New(a.mgr,
		dashboard.WithHistory(a.history),
		dashboard.WithMetrics(a.metrics),
	)
	url, err := srv.Start(addr)
	if err != nil {
		return err
	}

	output.PrintDefault(func() {
		output.Header("PortKilla")
		output.Label("Dashboard", output.URL(url))
		if refresh > 0 {
			output.Label("Refresh", refresh.String())
		} else {
			output.Label("Refresh", "manual")
		}
		output.Info("Press Ctrl+C to stop")
	})
	logging.Info("watching", "dashboard", url)

	<-ctx.Done()
	output.PrintDefault(func() {
		output.Newline()
		output.Info("Shutting down...")
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logging.Warn("dashboard shutdown", "err", err)
	}
	return nil
}
