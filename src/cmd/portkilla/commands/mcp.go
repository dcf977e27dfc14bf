package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/mcpserver"
)

// NewMCPCommand creates the mcp command.
func NewMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve port inspection and kill tools over MCP (stdio)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.scan(ctx); err != nil {
					return err
				}
				return mcpserver.New(a.mgr, a.history, Version).ServeStdio()
			})
		},
	}
}
