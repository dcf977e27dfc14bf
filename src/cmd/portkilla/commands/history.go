package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/output"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent kills and watched-port detections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if clearAll {
					if err := a.history.Clear(ctx); err != nil {
						return err
					}
					return output.Print(map[string]bool{"cleared": true}, func() {
						output.Success("History cleared")
					})
				}

				entries, err := a.history.Entries(ctx)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []types.HistoryEntry{}
				}
				return output.Print(entries, func() {
					if len(entries) == 0 {
						output.Info("No history yet")
						return
					}
					fmt.Println(output.HistoryTable(entries))
				})
			})
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete all history entries")
	return cmd
}
