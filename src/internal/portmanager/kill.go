package portmanager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cenkalti/backoff/v4"

	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/metrics"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// BulkResult reports the outcome of a bulk kill per pid.
type BulkResult struct {
	// Requested is the deduplicated set of pids that were signalled.
	Requested []int
	// Killed holds the pids confirmed dead.
	Killed []int
	// Failed maps pids that could not be killed or did not exit to the reason.
	Failed map[int]error
	// Skipped holds the entries left alone because they are protected.
	Skipped []types.ListeningPort
}

// KilledCount returns the number of pids confirmed dead.
func (r BulkResult) KilledCount() int { return len(r.Killed) }

// FailedCount returns the number of pids that survived.
func (r BulkResult) FailedCount() int { return len(r.Failed) }

// Summary renders "Killed X of Y processes".
func (r BulkResult) Summary() string {
	return fmt.Sprintf("Killed %d of %d processes", len(r.Killed), len(r.Requested))
}

// KillablePorts returns the snapshot entries of type t (all types when t is empty)
// whose process is not protected.
func (m *Manager) KillablePorts(t types.ProcessType) []types.ListeningPort {
	snap := m.Snapshot()
	out := make([]types.ListeningPort, 0, len(snap.Ports))
	for _, p := range snap.Ports {
		if t != "" && p.Type != t {
			continue
		}
		if m.protected.IsProtected(p.ProcessName) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FindPort returns the snapshot entries bound to port.
func (m *Manager) FindPort(port int) []types.ListeningPort {
	snap := m.Snapshot()
	var out []types.ListeningPort
	for _, p := range snap.Ports {
		if p.Port == port {
			out = append(out, p)
		}
	}
	return out
}

// ResolvePort picks the entry to kill on port. pid 0 accepts any owner as
// long as a single pid owns the port.
func (m *Manager) ResolvePort(port, pid int) (types.ListeningPort, error) {
	entries := m.FindPort(port)
	if len(entries) == 0 {
		return types.ListeningPort{}, fmt.Errorf("port %d: %w", port, ErrPortNotListening)
	}
	if pid != 0 {
		i := slices.IndexFunc(entries, func(p types.ListeningPort) bool { return p.PID == pid })
		if i < 0 {
			return types.ListeningPort{}, fmt.Errorf("pid %d on port %d: %w", pid, port, ErrPortNotListening)
		}
		return entries[i], nil
	}
	for _, e := range entries[1:] {
		if e.PID != entries[0].PID {
			return types.ListeningPort{}, fmt.Errorf("port %d: %w", port, ErrAmbiguousOwner)
		}
	}
	return entries[0], nil
}

// KillPort terminates the owner of p and waits for it to exit. Once confirmed,
// every entry owned by the pid leaves the snapshot and a reconciling rescan is
// scheduled. A process still alive after the verification window yields
// ErrNotTerminated and leaves the snapshot untouched.
func (m *Manager) KillPort(ctx context.Context, p types.ListeningPort, force, killTree bool) error {
	logging.Info("killing port", "port", p.Port, "pid", p.PID, "process", p.ProcessName, "force", force, "tree", killTree)

	err := m.killer.Kill(ctx, p.PID, force, killTree)
	if err == nil {
		err = m.waitForExit(ctx, p.PID)
	}
	if err != nil {
		m.metrics.ObserveKill("port", killOutcome(err))
		m.mutate(func(s *types.Snapshot) {
			s.Toast = fmt.Sprintf("Failed to kill port %d: %v", p.Port, err)
		})
		return fmt.Errorf("kill port %d (pid %d): %w", p.Port, p.PID, err)
	}

	m.metrics.ObserveKill("port", metrics.KillConfirmed)
	m.mutate(func(s *types.Snapshot) {
		s.Ports = withoutPIDs(s.Ports, map[int]bool{p.PID: true})
		s.Toast = fmt.Sprintf("Killed process on port %d", p.Port)
	})
	m.record(p.Port, p.ProcessName, types.ActionKilled)
	m.scheduleRescan()
	return nil
}

// KillPorts kills the owners of ps in parallel. Protected entries are skipped.
// Only pids confirmed dead leave the snapshot; a reconciling rescan is always scheduled.
func (m *Manager) KillPorts(ctx context.Context, ps []types.ListeningPort, force bool) BulkResult {
	res := BulkResult{Failed: make(map[int]error)}

	var targets []types.ListeningPort
	for _, p := range ps {
		if m.protected.IsProtected(p.ProcessName) {
			res.Skipped = append(res.Skipped, p)
			continue
		}
		targets = append(targets, p)
		if !slices.Contains(res.Requested, p.PID) {
			res.Requested = append(res.Requested, p.PID)
		}
	}
	if len(res.Skipped) > 0 {
		logging.Info("skipping protected processes", "count", len(res.Skipped))
	}
	if len(res.Requested) == 0 {
		m.mutate(func(s *types.Snapshot) { s.Toast = "No killable processes" })
		return res
	}

	logging.Info("bulk kill", "pids", res.Requested, "force", force)
	outcomes := m.killer.KillMany(ctx, res.Requested, force)

	var signalled []int
	for _, pid := range res.Requested {
		if err := outcomes[pid]; err != nil {
			res.Failed[pid] = err
			continue
		}
		signalled = append(signalled, pid)
	}

	alive := m.waitForAll(ctx, signalled)
	dead := make(map[int]bool, len(signalled))
	for _, pid := range signalled {
		if alive[pid] {
			res.Failed[pid] = ErrNotTerminated
			continue
		}
		dead[pid] = true
		res.Killed = append(res.Killed, pid)
	}

	for pid, err := range res.Failed {
		logging.Warn("bulk kill left process running", "pid", pid, "err", err)
		m.metrics.ObserveKill("port", killOutcome(err))
	}
	for range res.Killed {
		m.metrics.ObserveKill("port", metrics.KillConfirmed)
	}

	summary := res.Summary()
	m.mutate(func(s *types.Snapshot) {
		s.Ports = withoutPIDs(s.Ports, dead)
		s.Toast = summary
	})
	for _, p := range targets {
		if dead[p.PID] {
			logging.Info("killed", "port", p.Port, "pid", p.PID, "process", p.ProcessName)
			m.record(p.Port, p.ProcessName, types.ActionKilled)
		}
	}
	m.notify("PortKilla", summary)
	m.scheduleRescan()
	return res
}

// KillAllPorts kills every killable entry of type t (all types when t is empty).
func (m *Manager) KillAllPorts(ctx context.Context, t types.ProcessType, force bool) BulkResult {
	return m.KillPorts(ctx, m.KillablePorts(t), force)
}

// KillTestProcess terminates a test runner and removes it from the snapshot once confirmed.
func (m *Manager) KillTestProcess(ctx context.Context, tp types.TestProcess, force bool) error {
	logging.Info("killing test process", "pid", tp.PID, "process", tp.ProcessName, "force", force)

	err := m.killer.Kill(ctx, tp.PID, force, false)
	if err == nil {
		err = m.waitForExit(ctx, tp.PID)
	}
	if err != nil {
		m.metrics.ObserveKill("test", killOutcome(err))
		m.mutate(func(s *types.Snapshot) {
			s.Toast = fmt.Sprintf("Failed to kill test: %v", err)
		})
		return fmt.Errorf("kill test process %d: %w", tp.PID, err)
	}

	m.metrics.ObserveKill("test", metrics.KillConfirmed)
	id := tp.ID()
	m.mutate(func(s *types.Snapshot) {
		s.Tests = slices.DeleteFunc(slices.Clone(s.Tests), func(t types.TestProcess) bool { return t.ID() == id })
		s.Toast = fmt.Sprintf("Killed test process: %s", tp.ProcessName)
	})
	m.scheduleRescan()
	return nil
}

// waitForExit polls pid until it is gone or the verification window closes.
func (m *Manager) waitForExit(ctx context.Context, pid int) error {
	if m.waitForAll(ctx, []int{pid})[pid] {
		return ErrNotTerminated
	}
	return nil
}

// waitForAll probes pids every pollInterval, at most livenessProbes times, and
// returns the set still alive at the end.
func (m *Manager) waitForAll(ctx context.Context, pids []int) map[int]bool {
	alive := make(map[int]bool, len(pids))
	for _, pid := range pids {
		alive[pid] = true
	}
	if len(pids) == 0 {
		return alive
	}

	probe := func() error {
		for pid := range alive {
			if !m.killer.IsRunning(pid) {
				delete(alive, pid)
			}
		}
		if len(alive) > 0 {
			return ErrNotTerminated
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.pollInterval), livenessProbes-1),
		ctx,
	)
	if err := backoff.Retry(probe, policy); err != nil {
		logging.Debug("liveness window closed", "alive", len(alive), "err", err)
	}
	return alive
}

func killOutcome(err error) string {
	if errors.Is(err, ErrNotTerminated) {
		return metrics.KillTimeout
	}
	return metrics.KillFailed
}

func withoutPIDs(ports []types.ListeningPort, pids map[int]bool) []types.ListeningPort {
	out := make([]types.ListeningPort, 0, len(ports))
	for _, p := range ports {
		if !pids[p.PID] {
			out = append(out, p)
		}
	}
	return out
}

// ProtectedRules returns the current protected substrings.
func (m *Manager) ProtectedRules() []string {
	return m.protected.Rules()
}

// IsProtected reports whether a process name matches a protected rule.
func (m *Manager) IsProtected(name string) bool {
	return m.protected.IsProtected(name)
}

// AddProtectedRule adds a rule and persists the set. It reports false for empty or duplicate rules.
func (m *Manager) AddProtectedRule(rule string) (bool, error) {
	if !m.protected.Add(rule) {
		return false, nil
	}
	return true, m.persistRules()
}

// RemoveProtectedRule removes a rule and persists the set. It reports false when the rule was absent.
func (m *Manager) RemoveProtectedRule(rule string) (bool, error) {
	if !m.protected.Remove(rule) {
		return false, nil
	}
	return true, m.persistRules()
}

// ResetProtectedRules restores the default rules and persists them.
func (m *Manager) ResetProtectedRules() error {
	m.protected.Reset()
	return m.persistRules()
}

func (m *Manager) persistRules() error {
	if m.prefs == nil {
		return nil
	}
	if err := m.prefs.SetProtectedRules(m.protected.Rules()); err != nil {
		return fmt.Errorf("failed to save protected rules: %w", err)
	}
	return nil
}
