// Package procinfo resolves per-process metadata (command line, resident memory) and direct children.
//
// Lookups never fail: processes routinely exit between enumeration and lookup,
// so every method degrades to a placeholder instead of returning an error.
package procinfo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gopsProcess "github.com/shirou/gopsutil/v4/process"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// MemoryUnavailable is the human string reported when RSS cannot be read.
const MemoryUnavailable = "N/A"

// Metadata is the command line and resident memory of one process.
type Metadata struct {
	Command     string
	MemoryUsage string
	MemoryKB    int
}

// ChildLister finds direct children without the process-group tool.
type ChildLister func(ctx context.Context, pid int) ([]types.ChildProcessRef, error)

// Resolver answers metadata and tree queries through the ps/pgrep tools.
type Resolver struct {
	runner   executor.Runner
	fallback ChildLister
}

// New creates a Resolver. The gopsutil process table backs Children when pgrep is missing.
func New(runner executor.Runner) *Resolver {
	return &Resolver{runner: runner, fallback: gopsutilChildren}
}

// CommandLine returns the full command line of pid, or "" when it cannot be read.
func (r *Resolver) CommandLine(ctx context.Context, pid int) string {
	out, ok := r.ps(ctx, pid, "command=")
	if !ok {
		return ""
	}
	return strings.TrimSpace(out)
}

// Memory returns the formatted and raw resident set size of pid, or ("N/A", 0).
func (r *Resolver) Memory(ctx context.Context, pid int) (string, int) {
	out, ok := r.ps(ctx, pid, "rss=")
	if !ok {
		return MemoryUnavailable, 0
	}
	kb, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return MemoryUnavailable, 0
	}
	return FormatMemory(kb), kb
}

// Lookup resolves command line and memory with a single ps invocation.
func (r *Resolver) Lookup(ctx context.Context, pid int) Metadata {
	md := Metadata{MemoryUsage: MemoryUnavailable}

	out, ok := r.ps(ctx, pid, "rss=,command=")
	if !ok {
		return md
	}

	line := strings.TrimSpace(out)
	rss, command, _ := strings.Cut(line, " ")
	if kb, err := strconv.Atoi(rss); err == nil {
		md.MemoryKB = kb
		md.MemoryUsage = FormatMemory(kb)
	}
	md.Command = strings.TrimSpace(command)
	return md
}

func (r *Resolver) ps(ctx context.Context, pid int, columns string) (string, bool) {
	if pid <= 0 {
		return "", false
	}
	res, err := r.runner.Run(ctx, "ps", "-p", strconv.Itoa(pid), "-o", columns)
	if err != nil || res.ExitCode != 0 {
		logging.Debug("process lookup failed", "pid", pid, "columns", columns, "err", err)
		return "", false
	}
	return string(res.Stdout), true
}

// Children returns the direct children of pid. Failures yield an empty list.
func (r *Resolver) Children(ctx context.Context, pid int) []types.ChildProcessRef {
	if pid <= 0 {
		return nil
	}

	res, err := r.runner.Run(ctx, "pgrep", "-l", "-P", strconv.Itoa(pid))
	switch {
	case err == nil && res.ExitCode == 0:
		return ParseChildren(string(res.Stdout))
	case err == nil && res.ExitCode == 1:
		// pgrep: no processes matched
		return nil
	case errors.Is(err, executor.ErrNotFound) && r.fallback != nil:
		children, ferr := r.fallback(ctx, pid)
		if ferr != nil {
			logging.Debug("child lookup fallback failed", "pid", pid, "err", ferr)
			return nil
		}
		return children
	default:
		logging.Debug("child lookup failed", "pid", pid, "exit_code", res.ExitCode, "err", err)
		return nil
	}
}

// ParseChildren parses `pgrep -l` output ("<pid> <name>" per line).
func ParseChildren(output string) []types.ChildProcessRef {
	var children []types.ChildProcessRef
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidStr, name, _ := strings.Cut(line, " ")
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid <= 0 {
			continue
		}
		children = append(children, types.ChildProcessRef{PID: pid, Name: strings.TrimSpace(name)})
	}
	return children
}

func gopsutilChildren(ctx context.Context, pid int) ([]types.ChildProcessRef, error) {
	proc, err := gopsProcess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	kids, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, gopsProcess.ErrorNoChildren) {
			return nil, nil
		}
		return nil, fmt.Errorf("list children of %d: %w", pid, err)
	}

	refs := make([]types.ChildProcessRef, 0, len(kids))
	for _, k := range kids {
		name, _ := k.NameWithContext(ctx)
		refs = append(refs, types.ChildProcessRef{PID: int(k.Pid), Name: name})
	}
	return refs, nil
}

// FormatMemory renders a kilobyte count: "512KB", "12.5MB", "1.25GB".
func FormatMemory(kb int) string {
	mb := float64(kb) / 1024.0
	switch {
	case mb < 1:
		return fmt.Sprintf("%dKB", kb)
	case mb < 1024:
		return fmt.Sprintf("%.1fMB", mb)
	default:
		return fmt.Sprintf("%.2fGB", mb/1024.0)
	}
}
