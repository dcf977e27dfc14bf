package portmanager

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// Refresh runs both scanners and replaces the snapshot. It returns immediately
// with a nil error when another refresh is in flight.
//
// A port-scan failure keeps the previous port list and sets LastError; the
// returned error is that failure. A test-scan failure only keeps the previous
// test list and is logged.
func (m *Manager) Refresh(ctx context.Context, showToast bool) error {
	if !m.refreshing.CompareAndSwap(false, true) {
		m.metrics.RefreshSkipped()
		logging.Debug("refresh already in flight, skipping")
		return nil
	}
	defer m.refreshing.Store(false)

	m.mutate(func(s *types.Snapshot) { s.IsRefreshing = true })
	start := time.Now()

	var (
		ports         []types.ListeningPort
		tests         []types.TestProcess
		portErr, tErr error
		g             errgroup.Group
	)
	g.Go(func() error {
		ports, portErr = m.ports.Scan(ctx)
		return nil
	})
	g.Go(func() error {
		tests, tErr = m.tests.Scan(ctx)
		return nil
	})
	_ = g.Wait()

	m.metrics.ObserveScan("ports", portErr)
	m.metrics.ObserveScan("tests", tErr)
	m.metrics.ObserveRefresh(time.Since(start))
	if portErr != nil {
		logging.Warn("port scan failed", "err", portErr)
	}
	if tErr != nil {
		logging.Warn("test process scan failed", "err", tErr)
	}

	var detected []types.ListeningPort

	m.mu.Lock()
	if portErr == nil {
		if m.hasScanned {
			detected = newlyWatched(m.snap.Ports, ports, m.watched())
		}
		m.snap.Ports = ports
		m.hasScanned = true
	}
	if tErr == nil {
		m.snap.Tests = tests
	}
	if portErr == nil {
		m.snap.LastUpdated = time.Now()
		m.snap.LastError = ""
	} else {
		m.snap.LastError = fmt.Sprintf("Scan failed: %v", portErr)
	}
	m.snap.IsRefreshing = false
	if showToast {
		if portErr != nil {
			m.snap.Toast = m.snap.LastError
		} else {
			m.snap.Toast = fmt.Sprintf("Found %d ports and %d test processes", len(m.snap.Ports), len(m.snap.Tests))
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	for _, p := range detected {
		logging.Info("watched port became active", "port", p.Port, "process", p.ProcessName)
		m.notify("Watched port active", fmt.Sprintf("Watched port %d is now active (%s)", p.Port, p.ProcessName))
		m.record(p.Port, p.ProcessName, types.ActionDetected)
	}

	return portErr
}

func (m *Manager) watched() []int {
	if m.prefs == nil {
		return nil
	}
	return m.prefs.WatchedPorts()
}

// newlyWatched returns the first entry of each watched port that is active now but was not before.
func newlyWatched(prev, next []types.ListeningPort, watched []int) []types.ListeningPort {
	if len(watched) == 0 {
		return nil
	}
	before := make(map[int]bool, len(prev))
	for _, p := range prev {
		before[p.Port] = true
	}
	var out []types.ListeningPort
	for _, p := range next {
		if before[p.Port] || !slices.Contains(watched, p.Port) {
			continue
		}
		before[p.Port] = true
		out = append(out, p)
	}
	return out
}

// scheduleRescan arms the reconciling rescan, coalescing with one already pending.
func (m *Manager) scheduleRescan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.rescan != nil && m.rescan.Stop() {
		m.rescan.Reset(m.rescanDelay)
		return
	}
	m.rescan = time.AfterFunc(m.rescanDelay, func() {
		m.spawn(func() {
			if err := m.Refresh(context.Background(), false); err != nil {
				logging.Debug("reconciling rescan failed", "err", err)
			}
		})
	})
}

// Start launches the periodic refresh loop. It refreshes once immediately, then
// every RefreshInterval from the preferences (DefaultRefreshInterval without
// preferences). An interval of 0 leaves only manual refreshes. Start is a no-op
// when the loop is already running.
func (m *Manager) Start(ctx context.Context) {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.stop != nil {
		return
	}

	interval := DefaultRefreshInterval
	if m.prefs != nil {
		interval = m.prefs.RefreshInterval()
	}

	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.intervalCh = make(chan time.Duration, 1)
	m.done = make(chan struct{})
	go m.loop(ctx, interval, m.intervalCh, m.done)
}

// DefaultRefreshInterval applies when no preference store is configured.
const DefaultRefreshInterval = 2 * time.Second

// SetRefreshInterval reconfigures a running loop. 0 pauses periodic refresh.
func (m *Manager) SetRefreshInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.intervalCh == nil {
		return
	}
	select {
	case <-m.intervalCh:
	default:
	}
	m.intervalCh <- d
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, intervals <-chan time.Duration, done chan<- struct{}) {
	defer close(done)

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	reset := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
		logging.Debug("refresh interval set", "interval", d)
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	reset(interval)
	m.runScheduled(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-intervals:
			reset(d)
		case <-tick:
			m.runScheduled(ctx)
		}
	}
}

func (m *Manager) runScheduled(ctx context.Context) {
	if err := m.Refresh(ctx, false); err != nil {
		logging.Debug("scheduled refresh failed", "err", err)
	}
}

func (m *Manager) stopScheduler() {
	m.schedMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done, m.intervalCh = nil, nil, nil
	m.schedMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}
