package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mukes555/PortKilla/src/internal/output"
	"github.com/mukes555/PortKilla/src/internal/portmanager"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// KillResult is the JSON shape of the kill and kill-test commands.
type KillResult struct {
	Port      int    `json:"port,omitempty"`
	PID       int    `json:"pid"`
	Process   string `json:"process"`
	Container string `json:"container,omitempty"`
	Killed    bool   `json:"killed"`
}

// BulkKillResult is the JSON shape of the kill-all command.
type BulkKillResult struct {
	Summary string         `json:"summary"`
	Killed  []int          `json:"killed"`
	Failed  map[int]string `json:"failed"`
	Skipped []int          `json:"skippedPorts"`
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q: must be 1-65535", s)
	}
	return port, nil
}

// NewKillCommand creates the kill command.
func NewKillCommand() *cobra.Command {
	var (
		pid       int
		force     bool
		tree      bool
		container bool
	)
	cmd := &cobra.Command{
		Use:   "kill <port>",
		Short: "Terminate the process listening on a port",
		Long: `Sends SIGTERM (SIGKILL with --force) to the owner of the port, escalating and
falling back to kill -9 when needed, then waits up to one second for it to exit.
With --container the owning Docker container is stopped instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runKill(ctx, a, port, pid, force, tree, container)
			})
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "Owner pid when several processes share the port")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Send SIGKILL instead of SIGTERM")
	cmd.Flags().BoolVar(&tree, "tree", false, "Kill child processes first")
	cmd.Flags().BoolVar(&container, "container", false, "Stop the Docker container publishing the port")
	return cmd
}

func runKill(ctx context.Context, a *app, port, pid int, force, tree, container bool) error {
	if err := a.scan(ctx); err != nil {
		return err
	}

	target, err := a.mgr.ResolvePort(port, pid)
	if errors.Is(err, portmanager.ErrAmbiguousOwner) {
		owners := a.mgr.FindPort(port)
		output.PrintDefault(func() {
			output.Warning("Several processes listen on port %d:", port)
			for _, o := range owners {
				output.Item("%s (pid %d)", o.ProcessName, o.PID)
			}
		})
		return fmt.Errorf("%w: use --pid", err)
	}
	if err != nil {
		return err
	}

	if container {
		name, ok := a.docker.ContainerForPort(ctx, port)
		if !ok {
			return fmt.Errorf("no docker container publishes port %d", port)
		}
		if err := a.docker.StopContainer(ctx, name); err != nil {
			return err
		}
		return output.Print(KillResult{Port: port, PID: target.PID, Process: target.ProcessName, Container: name, Killed: true}, func() {
			output.Success("Stopped container %s (port %d)", name, port)
		})
	}

	if a.mgr.IsProtected(target.ProcessName) {
		output.PrintDefault(func() {
			output.Warning("%s is a protected process", target.ProcessName)
		})
	}

	if err := a.mgr.KillPort(ctx, target, force, tree); err != nil {
		return err
	}
	return output.Print(KillResult{Port: port, PID: target.PID, Process: target.ProcessName, Killed: true}, func() {
		output.Success("Killed %s (pid %d) on port %d", target.ProcessName, target.PID, port)
	})
}

// NewKillAllCommand creates the kill-all command.
func NewKillAllCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill-all [type]",
		Short: "Terminate every non-protected process of a type (all types when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t types.ProcessType
			if len(args) == 1 {
				parsed, err := types.ParseProcessType(args[0])
				if err != nil {
					return err
				}
				t = parsed
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.scan(ctx); err != nil {
					return err
				}
				res := a.mgr.KillAllPorts(ctx, t, force)
				if err := output.Print(newBulkKillResult(res), func() { printBulk(res) }); err != nil {
					return err
				}
				if res.FailedCount() > 0 {
					return fmt.Errorf("%d of %d processes could not be killed", res.FailedCount(), len(res.Requested))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Send SIGKILL instead of SIGTERM")
	return cmd
}

func newBulkKillResult(res portmanager.BulkResult) BulkKillResult {
	out := BulkKillResult{
		Summary: res.Summary(),
		Killed:  append([]int{}, res.Killed...),
		Failed:  make(map[int]string, len(res.Failed)),
		Skipped: []int{},
	}
	for pid, err := range res.Failed {
		out.Failed[pid] = err.Error()
	}
	for _, p := range res.Skipped {
		out.Skipped = append(out.Skipped, p.Port)
	}
	return out
}

func printBulk(res portmanager.BulkResult) {
	if len(res.Requested) == 0 && len(res.Skipped) == 0 {
		output.Info("Nothing to kill")
		return
	}
	for _, pid := range res.Killed {
		output.ItemSuccess("pid %d", pid)
	}
	failed := make([]int, 0, len(res.Failed))
	for pid := range res.Failed {
		failed = append(failed, pid)
	}
	slices.Sort(failed)
	for _, pid := range failed {
		output.ItemError("pid %d: %v", pid, res.Failed[pid])
	}
	for _, p := range res.Skipped {
		output.ItemWarning("%s on port %d skipped (protected)", p.ProcessName, p.Port)
	}
	output.Newline()
	if res.FailedCount() == 0 {
		output.Success("%s", res.Summary())
	} else {
		output.Warning("%s", res.Summary())
	}
}

// NewKillTestCommand creates the kill-test command.
func NewKillTestCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill-test <pid>",
		Short: "Terminate a running test-runner process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.scan(ctx); err != nil {
					return err
				}
				tests := a.mgr.Snapshot().Tests
				i := slices.IndexFunc(tests, func(t types.TestProcess) bool { return t.PID == pid })
				if i < 0 {
					return fmt.Errorf("no test process with pid %d", pid)
				}
				tp := tests[i]
				if err := a.mgr.KillTestProcess(ctx, tp, force); err != nil {
					return err
				}
				return output.Print(KillResult{PID: pid, Process: tp.ProcessName, Killed: true}, func() {
					output.Success("Killed test process %s (pid %d)", tp.ProcessName, pid)
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Send SIGKILL instead of SIGTERM")
	return cmd
}
