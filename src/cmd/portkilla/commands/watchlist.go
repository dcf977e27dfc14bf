package commands

import (
	"context"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/output"
)

// NewWatchlistCommand creates the watchlist command and its sub-commands.
func NewWatchlistCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchlist",
		Short: "Manage ports that raise a notification when something starts listening",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show watched ports",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(_ context.Context, a *app) error {
					return printWatched(a.cfg.WatchedPorts())
				})
			},
		},
		&cobra.Command{
			Use:   "add <port>...",
			Short: "Watch one or more ports",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return updateWatched(cmd, args, func(ports []int, port int) []int {
					if slices.Contains(ports, port) {
						return ports
					}
					return append(ports, port)
				})
			},
		},
		&cobra.Command{
			Use:   "remove <port>...",
			Short: "Stop watching one or more ports",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return updateWatched(cmd, args, func(ports []int, port int) []int {
					return slices.DeleteFunc(ports, func(p int) bool { return p == port })
				})
			},
		},
	)
	return cmd
}

func updateWatched(cmd *cobra.Command, args []string, apply func([]int, int) []int) error {
	parsed := make([]int, 0, len(args))
	for _, arg := range args {
		port, err := parsePort(arg)
		if err != nil {
			return err
		}
		parsed = append(parsed, port)
	}
	return withApp(cmd, func(_ context.Context, a *app) error {
		ports := slices.Clone(a.cfg.WatchedPorts())
		for _, port := range parsed {
			ports = apply(ports, port)
		}
		if err := a.cfg.SetWatchedPorts(ports); err != nil {
			return err
		}
		return printWatched(a.cfg.WatchedPorts())
	})
}

func printWatched(ports []int) error {
	if ports == nil {
		ports = []int{}
	}
	return output.Print(map[string]any{"watchedPorts": ports}, func() {
		if len(ports) == 0 {
			output.Info("No watched ports")
			return
		}
		output.Section("👀", "Watched ports")
		for _, p := range ports {
			output.Item("%d", p)
		}
	})
}
