package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/output"
)

// Version is set at build time with -ldflags "-X .../commands.Version=...".
var Version = "dev"

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the portkilla version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version": Version,
				"go":      runtime.Version(),
				"os":      runtime.GOOS + "/" + runtime.GOARCH,
			}
			return output.Print(info, func() {
				output.Label("portkilla", Version)
				output.Label("go", info["go"])
				output.Label("platform", info["os"])
			})
		},
	}
}
