// Package portmanager coordinates scans and kills and owns the authoritative snapshot.
//
// Snapshot mutations are serialized by one mutex. Scans and kills run on the
// caller's goroutine and only take the lock to publish their results; refresh is
// single-flight. History, notification and metrics sinks never block a caller.
package portmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/metrics"
	"github.com/mukes555/PortKilla/src/internal/rules"
	"github.com/mukes555/PortKilla/src/internal/types"
)

const (
	// DefaultRescanDelay is the wait before the reconciling rescan that follows a kill.
	DefaultRescanDelay = 2 * time.Second

	livenessInterval = 100 * time.Millisecond
	livenessProbes   = 10
	sinkTimeout      = 5 * time.Second
)

var (
	// ErrNotTerminated is returned when a signalled process is still alive after the verification window.
	ErrNotTerminated = errors.New("process did not terminate")
	// ErrPortNotListening is returned when no snapshot entry matches a port (and pid).
	ErrPortNotListening = errors.New("no process is listening")
	// ErrAmbiguousOwner is returned when several pids own a port and none was chosen.
	ErrAmbiguousOwner = errors.New("several processes own the port; choose a pid")
)

// PortScanner lists listening ports.
type PortScanner interface {
	Scan(ctx context.Context) ([]types.ListeningPort, error)
}

// TestScanner lists test-runner processes.
type TestScanner interface {
	Scan(ctx context.Context) ([]types.TestProcess, error)
}

// Killer terminates processes and probes liveness.
type Killer interface {
	Kill(ctx context.Context, pid int, force, killTree bool) error
	KillMany(ctx context.Context, pids []int, force bool) map[int]error
	IsRunning(pid int) bool
}

// Recorder receives history events.
type Recorder interface {
	Record(ctx context.Context, e types.HistoryEntry) error
}

// Notifier shows a user-facing notification.
type Notifier interface {
	Notify(title, body string) error
}

// Preferences is the subset of the preference store the manager reads and writes.
type Preferences interface {
	RefreshInterval() time.Duration
	ShowNotifications() bool
	WatchedPorts() []int
	ProtectedRules() []string
	SetProtectedRules(rules []string) error
}

// Manager is the port/process orchestrator.
type Manager struct {
	ports  PortScanner
	tests  TestScanner
	killer Killer

	history  Recorder
	notifier Notifier
	prefs    Preferences
	metrics  *metrics.Metrics

	rescanDelay  time.Duration
	pollInterval time.Duration
	protected    *rules.Set

	refreshing atomic.Bool

	mu         sync.Mutex
	snap       types.Snapshot
	hasScanned bool
	subs       map[int]chan types.Snapshot
	nextSub    int
	rescan     *time.Timer
	closed     bool
	bg         sync.WaitGroup

	schedMu    sync.Mutex
	intervalCh chan time.Duration
	stop       context.CancelFunc
	done       chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistory records kills and watchlist detections.
func WithHistory(r Recorder) Option {
	return func(m *Manager) { m.history = r }
}

// WithNotifier delivers watchlist and bulk-kill notifications.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithPreferences supplies the refresh interval, watchlist and persisted protected rules.
func WithPreferences(p Preferences) Option {
	return func(m *Manager) { m.prefs = p }
}

// WithMetrics records scan, refresh and kill metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRescanDelay overrides DefaultRescanDelay.
func WithRescanDelay(d time.Duration) Option {
	return func(m *Manager) { m.rescanDelay = d }
}

// New creates a Manager with an empty snapshot. Call Refresh or Start to populate it.
func New(ports PortScanner, tests TestScanner, k Killer, opts ...Option) *Manager {
	m := &Manager{
		ports:        ports,
		tests:        tests,
		killer:       k,
		rescanDelay:  DefaultRescanDelay,
		pollInterval: livenessInterval,
		snap: types.Snapshot{
			Ports: []types.ListeningPort{},
			Tests: []types.TestProcess{},
		},
		subs: make(map[int]chan types.Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}

	var initial []string
	if m.prefs != nil {
		initial = m.prefs.ProtectedRules()
	}
	m.protected = rules.NewSet(initial)
	return m
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone()
}

// Subscribe returns a channel that receives the latest snapshot after every change.
// Slow readers only miss intermediate states. The returned func unsubscribes.
func (m *Manager) Subscribe() (<-chan types.Snapshot, func()) {
	ch := make(chan types.Snapshot, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snap.Clone()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// DismissToast clears the transient message.
func (m *Manager) DismissToast() {
	m.mutate(func(s *types.Snapshot) { s.Toast = "" })
}

// mutate applies fn to the snapshot and publishes the result.
func (m *Manager) mutate(fn func(s *types.Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.snap)
	m.publishLocked()
}

func (m *Manager) publishLocked() {
	m.metrics.SetSnapshotSize(len(m.snap.Ports), len(m.snap.Tests))
	for _, ch := range m.subs {
		snap := m.snap.Clone()
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// spawn runs fn in the background unless the manager is closed.
func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.bg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.bg.Done()
		fn()
	}()
	return true
}

func (m *Manager) record(port int, name string, action types.HistoryAction) {
	if m.history == nil {
		return
	}
	entry := types.HistoryEntry{Port: port, ProcessName: name, Action: action, Timestamp: time.Now()}
	m.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := m.history.Record(ctx, entry); err != nil {
			logging.Warn("failed to record history", "port", port, "action", string(action), "err", err)
		}
	})
}

func (m *Manager) notify(title, body string) {
	if m.notifier == nil {
		return
	}
	if m.prefs != nil && !m.prefs.ShowNotifications() {
		return
	}
	m.spawn(func() {
		if err := m.notifier.Notify(title, body); err != nil {
			logging.Debug("notification failed", "title", title, "err", err)
		}
	})
}

// Close stops the scheduler and pending rescans, waits for background sinks
// and closes subscriber channels.
func (m *Manager) Close() {
	m.stopScheduler()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.rescan != nil {
		m.rescan.Stop()
	}
	m.mu.Unlock()

	m.bg.Wait()

	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
}
