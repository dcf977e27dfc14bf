package main

import (
	"fmt"
	"os"

	"github.com/mukes555/PortKilla/src/cmd/portkilla/commands"
	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/output"

	"github.com/spf13/cobra"
)

var (
	outputFormat   string
	debugMode      bool
	structuredLogs bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portkilla",
		Short: "PortKilla - find and stop whatever is holding your dev ports",
		Long: `PortKilla discovers listening TCP ports, attributes each to its owning process
(type, memory, project, container) and terminates processes safely, with protected-process
rules for bulk operations, test-runner cleanup, a kill history and a local dashboard.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetupLogger(debugMode, structuredLogs)

			if debugMode {
				logging.Debug("Starting portkilla",
					"version", commands.Version,
					"command", cmd.Name(),
					"args", args,
				)
			}

			return output.SetFormat(outputFormat)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "default", "Output format (default, json)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&structuredLogs, "structured-logs", false, "Enable structured JSON logging to stderr")

	rootCmd.AddCommand(commands.All()...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
