// Package commands provides the command-line interface for portkilla.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/config"
	"github.com/mukes555/PortKilla/src/internal/docker"
	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/history"
	"github.com/mukes555/PortKilla/src/internal/killer"
	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/metrics"
	"github.com/mukes555/PortKilla/src/internal/output"
	"github.com/mukes555/PortKilla/src/internal/portmanager"
	"github.com/mukes555/PortKilla/src/internal/procinfo"
	"github.com/mukes555/PortKilla/src/internal/scanner"
	"github.com/mukes555/PortKilla/src/internal/testscan"
)

// scanTimeout bounds the initial refresh of one-shot commands.
const scanTimeout = 30 * time.Second

// All returns every sub-command in display order.
func All() []*cobra.Command {
	return []*cobra.Command{
		NewListCommand(),
		NewTestsCommand(),
		NewKillCommand(),
		NewKillAllCommand(),
		NewKillTestCommand(),
		NewProtectCommand(),
		NewWatchlistCommand(),
		NewHistoryCommand(),
		NewConfigCommand(),
		NewWatchCommand(),
		NewMCPCommand(),
		NewVersionCommand(),
	}
}

// app is the wired component graph shared by the commands.
type app struct {
	cfg     *config.Store
	runner  executor.Runner
	docker  *docker.Client
	history *history.Store
	metrics *metrics.Metrics
	mgr     *portmanager.Manager
}

// newApp loads preferences, opens the history database and wires the port manager.
func newApp() (*app, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, err
	}

	hist, err := history.Open(config.DataPath("history.db"), cfg.HistoryLimit())
	if err != nil {
		return nil, err
	}

	runner := executor.NewRunner()
	meta := procinfo.New(runner)
	dk := docker.New(runner)
	m := metrics.New()

	mgr := portmanager.New(
		scanner.New(runner, meta, scanner.WithContainers(dk)),
		testscan.New(runner),
		killer.New(runner, meta),
		portmanager.WithHistory(hist),
		portmanager.WithNotifier(output.NewDesktopNotifier(runner)),
		portmanager.WithPreferences(cfg),
		portmanager.WithMetrics(m),
	)

	return &app{cfg: cfg, runner: runner, docker: dk, history: hist, metrics: m, mgr: mgr}, nil
}

// scan runs one refresh so the snapshot reflects the machine right now.
func (a *app) scan(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	if err := a.mgr.Refresh(ctx, false); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// Close waits for pending history writes before closing the database.
func (a *app) Close() {
	a.mgr.Close()
	if err := a.history.Close(); err != nil {
		logging.Warn("failed to close history", "err", err)
	}
}

// withApp runs fn with a freshly wired app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
