package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/output"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// PortsResult is the JSON shape of the list command.
type PortsResult struct {
	Ports       []types.ListeningPort `json:"ports"`
	TotalMemory string                `json:"totalMemory"`
	Error       string                `json:"error,omitempty"`
}

// TestsResult is the JSON shape of the tests command.
type TestsResult struct {
	Tests       []types.TestProcess `json:"tests"`
	TotalMemory string              `json:"totalMemory"`
}

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	var (
		typeFilter string
		killable   bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List listening TCP ports and their owning processes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var t types.ProcessType
			if typeFilter != "" {
				parsed, err := types.ParseProcessType(typeFilter)
				if err != nil {
					return err
				}
				t = parsed
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runList(ctx, a, t, killable)
			})
		},
	}
	cmd.Flags().StringVarP(&typeFilter, "type", "t", "", "Only show ports of this process type (nodejs, database, webserver, python, java, ruby, php, go, docker, ide-tool, other)")
	cmd.Flags().BoolVar(&killable, "killable", false, "Hide protected processes")
	return cmd
}

func runList(ctx context.Context, a *app, t types.ProcessType, killable bool) error {
	if err := a.scan(ctx); err != nil {
		return err
	}

	var ports []types.ListeningPort
	if killable {
		ports = a.mgr.KillablePorts(t)
	} else {
		ports = filterPorts(a.mgr.Snapshot().Ports, t)
	}
	result := PortsResult{Ports: ports, TotalMemory: types.Snapshot{Ports: ports}.TotalPortsMemory()}

	return output.Print(result, func() {
		if len(ports) == 0 {
			output.Info("No listening ports")
			return
		}
		fmt.Println(output.PortsTable(ports, a.mgr.IsProtected))
		output.Label("Ports", fmt.Sprintf("%d", len(ports)))
		output.Label("Memory", result.TotalMemory)
	})
}

// filterPorts keeps entries of type t; an empty t keeps everything.
func filterPorts(ports []types.ListeningPort, t types.ProcessType) []types.ListeningPort {
	out := make([]types.ListeningPort, 0, len(ports))
	for _, p := range ports {
		if t == "" || p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// NewTestsCommand creates the tests command.
func NewTestsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tests",
		Short: "List running test-runner processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.scan(ctx); err != nil {
					return err
				}
				snap := a.mgr.Snapshot()
				result := TestsResult{Tests: snap.Tests, TotalMemory: snap.TotalTestsMemory()}
				return output.Print(result, func() {
					if len(snap.Tests) == 0 {
						output.Info("No test processes running")
						return
					}
					fmt.Println(output.TestsTable(snap.Tests))
					output.Label("Memory", result.TotalMemory)
				})
			})
		},
	}
}
