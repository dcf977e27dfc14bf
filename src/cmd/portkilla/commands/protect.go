package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/output"
)

// ProtectResult is the JSON shape of the protect sub-commands.
type ProtectResult struct {
	Rules   []string `json:"rules"`
	Changed bool     `json:"changed"`
}

// NewProtectCommand creates the protect command and its sub-commands.
func NewProtectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protect",
		Short: "Manage protected process rules exempt from bulk kills",
		Long: `Protected rules are case-insensitive substrings of process names. Matching
processes are shown with a lock and skipped by kill-all.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show the protected rules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(_ context.Context, a *app) error {
					return printRules(a.mgr.ProtectedRules(), false)
				})
			},
		},
		&cobra.Command{
			Use:   "add <rule>",
			Short: "Protect processes whose name contains rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(_ context.Context, a *app) error {
					added, err := a.mgr.AddProtectedRule(args[0])
					if err != nil {
						return err
					}
					output.PrintDefault(func() {
						if added {
							output.Success("Protected %q", args[0])
						} else {
							output.Info("%q is already protected", args[0])
						}
					})
					return printRules(a.mgr.ProtectedRules(), added)
				})
			},
		},
		&cobra.Command{
			Use:   "remove <rule>",
			Short: "Remove a protected rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(_ context.Context, a *app) error {
					removed, err := a.mgr.RemoveProtectedRule(args[0])
					if err != nil {
						return err
					}
					if !removed {
						return fmt.Errorf("%q is not a protected rule", args[0])
					}
					output.PrintDefault(func() { output.Success("Removed %q", args[0]) })
					return printRules(a.mgr.ProtectedRules(), true)
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore the default protected rules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd, func(_ context.Context, a *app) error {
					if err := a.mgr.ResetProtectedRules(); err != nil {
						return err
					}
					output.PrintDefault(func() { output.Success("Protected rules reset to defaults") })
					return printRules(a.mgr.ProtectedRules(), true)
				})
			},
		},
	)
	return cmd
}

func printRules(rules []string, changed bool) error {
	return output.Print(ProtectResult{Rules: rules, Changed: changed}, func() {
		if len(rules) == 0 {
			output.Info("No protected rules")
			return
		}
		output.Section("🔒", "Protected")
		for _, r := range rules {
			output.Item("%s", r)
		}
	})
}
