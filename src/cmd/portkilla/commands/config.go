package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/config"
	"github.com/mukes555/PortKilla/src/internal/output"
)

// NewConfigCommand creates the config command and its sub-commands.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change preferences",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the current preferences",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withConfig(func(s *config.Store) error {
					return printPreferences(s)
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a preference (refresh_interval_seconds, show_notifications, history_limit, protected, watched_ports)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConfig(func(s *config.Store) error {
					if err := s.Set(args[0], args[1]); err != nil {
						return err
					}
					return printPreferences(s)
				})
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the preferences file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path := config.Path()
				return output.Print(map[string]string{"path": path}, func() { fmt.Println(path) })
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore default preferences",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withConfig(func(s *config.Store) error {
					if err := s.Reset(); err != nil {
						return err
					}
					output.PrintDefault(func() { output.Success("Preferences reset to defaults") })
					return printPreferences(s)
				})
			},
		},
	)
	return cmd
}

// withConfig skips the rest of the app graph; preferences need no scanner or history.
func withConfig(fn func(*config.Store) error) error {
	s, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	return fn(s)
}

func printPreferences(s *config.Store) error {
	p := s.Preferences()
	return output.Print(p, func() {
		output.Label("refresh_interval_seconds", fmt.Sprint(p.RefreshIntervalSeconds))
		output.Label("show_notifications", fmt.Sprint(p.ShowNotifications))
		output.Label("history_limit", fmt.Sprint(p.HistoryLimit))
		output.Label("protected", strings.Join(p.Protected, ", "))
		ports := make([]string, 0, len(p.WatchedPorts))
		for _, port := range p.WatchedPorts {
			ports = append(ports, fmt.Sprint(port))
		}
		output.Label("watched_ports", strings.Join(ports, ", "))
	})
}
