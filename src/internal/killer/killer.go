// Package killer terminates processes: graceful signal, escalation, external fallback and tree kill.
package killer

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/types"
)

const (
	// maxTreeDepth bounds tree-kill recursion in case the OS reports a parentage cycle.
	maxTreeDepth = 32
	// bulkConcurrency bounds parallel kills in KillMany.
	bulkConcurrency = 8
)

// Signaler delivers a signal to a pid. Signal 0 probes for existence.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// ChildResolver lists direct children of a pid; failures yield an empty list.
type ChildResolver interface {
	Children(ctx context.Context, pid int) []types.ChildProcessRef
}

// Killer is the process termination engine.
type Killer struct {
	signaler Signaler
	children ChildResolver
	runner   executor.Runner
	self     int
}

// Option configures a Killer.
type Option func(*Killer)

// WithSignaler replaces direct signal delivery.
func WithSignaler(s Signaler) Option {
	return func(k *Killer) { k.signaler = s }
}

// New creates a Killer. runner executes the `kill -9` fallback; children resolves trees.
func New(runner executor.Runner, children ChildResolver, opts ...Option) *Killer {
	k := &Killer{
		signaler: defaultSignaler(),
		children: children,
		runner:   runner,
		self:     os.Getpid(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Kill terminates pid. With killTree, children are killed first, depth first and best effort.
// A process that is already gone counts as success.
func (k *Killer) Kill(ctx context.Context, pid int, force, killTree bool) error {
	if err := k.guard(pid); err != nil {
		return err
	}
	if killTree {
		k.killChildren(ctx, pid, force, map[int]bool{pid: true}, 1)
	}
	return k.killOne(ctx, pid, force)
}

func (k *Killer) guard(pid int) error {
	switch {
	case pid <= 1:
		return &KillError{Kind: PermissionDenied, PID: pid, Detail: "refusing to signal a system pid"}
	case pid == k.self:
		return &KillError{Kind: PermissionDenied, PID: pid, Detail: "refusing to signal own process"}
	}
	return nil
}

func (k *Killer) killChildren(ctx context.Context, parent int, force bool, visited map[int]bool, depth int) {
	if k.children == nil {
		return
	}
	if depth > maxTreeDepth {
		logging.Warn("process tree too deep, stopping descent", "pid", parent, "depth", depth)
		return
	}
	for _, child := range k.children.Children(ctx, parent) {
		if visited[child.PID] || k.guard(child.PID) != nil {
			continue
		}
		visited[child.PID] = true

		k.killChildren(ctx, child.PID, force, visited, depth+1)
		if err := k.killOne(ctx, child.PID, force); err != nil {
			logging.Debug("child kill failed", "parent", parent, "pid", child.PID, "name", child.Name, "err", err)
		}
	}
}

func (k *Killer) killOne(ctx context.Context, pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	logging.Debug("sending signal", "pid", pid, "signal", sig.String())
	firstErr := k.signaler.Signal(pid, sig)
	if firstErr == nil || isNoSuchProcess(firstErr) {
		return nil
	}

	if !force {
		logging.Debug("SIGTERM failed, escalating", "pid", pid, "err", firstErr)
		err := k.signaler.Signal(pid, syscall.SIGKILL)
		if err == nil || isNoSuchProcess(err) {
			return nil
		}
	}

	logging.Warn("direct signal failed, falling back to kill -9", "pid", pid, "err", firstErr)
	res, err := k.runner.Run(ctx, "kill", "-9", strconv.Itoa(pid))
	if err == nil && res.ExitCode == 0 {
		return nil
	}

	if isPermission(firstErr) {
		return &KillError{Kind: PermissionDenied, PID: pid, Err: firstErr}
	}
	detail := strings.TrimSpace(string(res.Stderr))
	if err != nil {
		detail = err.Error()
	} else if detail == "" {
		detail = "kill -9 exited with code " + strconv.Itoa(res.ExitCode)
	}
	return &KillError{Kind: Unknown, PID: pid, Detail: detail, Err: firstErr}
}

// IsRunning probes pid with signal 0. EPERM means it exists under another user.
func (k *Killer) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := k.signaler.Signal(pid, 0)
	return err == nil || isPermission(err)
}

// KillMany kills each pid independently. The map holds a nil error for every success.
func (k *Killer) KillMany(ctx context.Context, pids []int, force bool) map[int]error {
	results := make(map[int]error, len(pids))
	var mu sync.Mutex

	seen := make(map[int]bool, len(pids))
	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for _, pid := range pids {
		if seen[pid] {
			continue
		}
		seen[pid] = true
		g.Go(func() error {
			err := k.Kill(ctx, pid, force, false)
			mu.Lock()
			results[pid] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
