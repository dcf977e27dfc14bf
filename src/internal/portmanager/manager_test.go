package portmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mukes555/PortKilla/src/internal/killer"
	"github.com/mukes555/PortKilla/src/internal/metrics"
	"github.com/mukes555/PortKilla/src/internal/types"
)

type fakeKiller struct {
	mu       sync.Mutex
	alive    map[int]bool
	killErr  map[int]error
	stubborn map[int]bool
	kills    []int
}

func newFakeKiller(pids ...int) *fakeKiller {
	k := &fakeKiller{alive: map[int]bool{}, killErr: map[int]error{}, stubborn: map[int]bool{}}
	for _, pid := range pids {
		k.alive[pid] = true
	}
	return k
}

func (k *fakeKiller) Kill(_ context.Context, pid int, _, _ bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kills = append(k.kills, pid)
	if err := k.killErr[pid]; err != nil {
		return err
	}
	if !k.stubborn[pid] {
		delete(k.alive, pid)
	}
	return nil
}

func (k *fakeKiller) KillMany(ctx context.Context, pids []int, force bool) map[int]error {
	out := make(map[int]error, len(pids))
	for _, pid := range pids {
		out[pid] = k.Kill(ctx, pid, force, false)
	}
	return out
}

func (k *fakeKiller) IsRunning(pid int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.alive[pid]
}

func (k *fakeKiller) revive(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.alive[pid] = true
}

// fakePorts reports the entries whose pid the fake killer still considers alive.
type fakePorts struct {
	k     *fakeKiller
	all   []types.ListeningPort
	calls atomic.Int32
	block chan struct{}

	mu  sync.Mutex
	err error
}

func (f *fakePorts) Scan(context.Context) ([]types.ListeningPort, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := []types.ListeningPort{}
	for _, p := range f.all {
		if f.k.IsRunning(p.PID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePorts) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeTests struct {
	k   *fakeKiller
	all []types.TestProcess
	err error
}

func (f *fakeTests) Scan(context.Context) ([]types.TestProcess, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []types.TestProcess{}
	for _, t := range f.all {
		if f.k.IsRunning(t.PID) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []types.HistoryEntry
}

func (r *fakeRecorder) Record(_ context.Context, e types.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRecorder) all() []types.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.HistoryEntry(nil), r.entries...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	bodies []string
}

func (n *fakeNotifier) Notify(_, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies = append(n.bodies, body)
	return nil
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.bodies...)
}

type fakePrefs struct {
	mu       sync.Mutex
	interval time.Duration
	notify   bool
	watched  []int
	rules    []string
	saveErr  error
}

func (p *fakePrefs) RefreshInterval() time.Duration { return p.interval }
func (p *fakePrefs) ShowNotifications() bool        { return p.notify }
func (p *fakePrefs) WatchedPorts() []int            { return p.watched }

func (p *fakePrefs) ProtectedRules() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules
}

func (p *fakePrefs) SetProtectedRules(rules []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.rules = rules
	return nil
}

var samplePorts = []types.ListeningPort{
	{Port: 3000, PID: 100, ProcessName: "node", Type: types.TypeNodeJS},
	{Port: 3001, PID: 100, ProcessName: "node", Type: types.TypeNodeJS},
	{Port: 5432, PID: 200, ProcessName: "postgres", Type: types.TypeDatabase},
	{Port: 8000, PID: 300, ProcessName: "python3", Type: types.TypePython},
	{Port: 9229, PID: 400, ProcessName: "Code Helper", Type: types.TypeIDETool},
}

type harness struct {
	m      *Manager
	killer *fakeKiller
	ports  *fakePorts
	tests  *fakeTests
	hist   *fakeRecorder
	notes  *fakeNotifier
	prefs  *fakePrefs
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	k := newFakeKiller(100, 200, 300, 400, 500)
	h := &harness{
		killer: k,
		ports:  &fakePorts{k: k, all: samplePorts},
		tests: &fakeTests{k: k, all: []types.TestProcess{
			{PID: 500, ProcessName: "node", Kind: types.TestJest},
		}},
		hist:  &fakeRecorder{},
		notes: &fakeNotifier{},
		prefs: &fakePrefs{notify: true},
	}
	base := []Option{
		WithHistory(h.hist),
		WithNotifier(h.notes),
		WithPreferences(h.prefs),
		WithRescanDelay(time.Hour),
	}
	h.m = New(h.ports, h.tests, k, append(base, opts...)...)
	h.m.pollInterval = time.Millisecond
	t.Cleanup(h.m.Close)
	return h
}

func ports(s types.Snapshot) []int {
	out := make([]int, 0, len(s.Ports))
	for _, p := range s.Ports {
		out = append(out, p.Port)
	}
	return out
}

func TestNewStartsEmpty(t *testing.T) {
	h := newHarness(t)
	snap := h.m.Snapshot()
	assert.NotNil(t, snap.Ports)
	assert.NotNil(t, snap.Tests)
	assert.Empty(t, snap.Ports)
	assert.True(t, snap.LastUpdated.IsZero())
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.m.Refresh(context.Background(), true))

	snap := h.m.Snapshot()
	assert.Equal(t, []int{3000, 3001, 5432, 8000, 9229}, ports(snap))
	assert.Len(t, snap.Tests, 1)
	assert.False(t, snap.IsRefreshing)
	assert.False(t, snap.LastUpdated.IsZero())
	assert.Empty(t, snap.LastError)
	assert.Equal(t, "Found 5 ports and 1 test processes", snap.Toast)
}

func TestRefreshFailureKeepsPreviousPorts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))
	updated := h.m.Snapshot().LastUpdated

	scanErr := errors.New("lsof exploded")
	h.ports.fail(scanErr)
	err := h.m.Refresh(context.Background(), false)
	require.ErrorIs(t, err, scanErr)

	snap := h.m.Snapshot()
	assert.Len(t, snap.Ports, 5)
	assert.Contains(t, snap.LastError, "lsof exploded")
	assert.Equal(t, updated, snap.LastUpdated)
	assert.False(t, snap.IsRefreshing)

	h.ports.fail(nil)
	require.NoError(t, h.m.Refresh(context.Background(), false))
	assert.Empty(t, h.m.Snapshot().LastError)
}

func TestRefreshTestScanFailureKeepsPorts(t *testing.T) {
	h := newHarness(t)
	h.tests.err = errors.New("ps failed")

	require.NoError(t, h.m.Refresh(context.Background(), false))
	snap := h.m.Snapshot()
	assert.Len(t, snap.Ports, 5)
	assert.Empty(t, snap.Tests)
}

func TestRefreshIsSingleFlight(t *testing.T) {
	h := newHarness(t, WithMetrics(metrics.New()))
	h.ports.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.m.Refresh(context.Background(), false) }()

	require.Eventually(t, func() bool { return h.m.Snapshot().IsRefreshing }, time.Second, time.Millisecond)

	before := h.m.Snapshot()
	require.NoError(t, h.m.Refresh(context.Background(), true))
	after := h.m.Snapshot()
	assert.Equal(t, before, after, "overlapping refresh must not touch the snapshot")
	assert.EqualValues(t, 1, h.ports.calls.Load())

	close(h.ports.block)
	require.NoError(t, <-done)
	assert.False(t, h.m.Snapshot().IsRefreshing)
}

func TestKillablePorts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))

	all := h.m.KillablePorts("")
	assert.Equal(t, []int{3000, 3001, 5432, 8000}, ports(types.Snapshot{Ports: all}), "Code Helper is protected")

	node := h.m.KillablePorts(types.TypeNodeJS)
	assert.Equal(t, []int{3000, 3001}, ports(types.Snapshot{Ports: node}))

	assert.Empty(t, h.m.KillablePorts(types.TypeIDETool))
}

func TestKillPortRemovesEveryEntryOfPID(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))

	err := h.m.KillPort(context.Background(), samplePorts[0], false, false)
	require.NoError(t, err)

	snap := h.m.Snapshot()
	assert.Equal(t, []int{5432, 8000, 9229}, ports(snap))
	assert.Equal(t, "Killed process on port 3000", snap.Toast)

	require.Eventually(t, func() bool { return len(h.hist.all()) == 1 }, time.Second, time.Millisecond)
	e := h.hist.all()[0]
	assert.Equal(t, 3000, e.Port)
	assert.Equal(t, types.ActionKilled, e.Action)
}

func TestKillPortSchedulesRescan(t *testing.T) {
	h := newHarness(t)
	h.m.rescanDelay = 50 * time.Millisecond
	require.NoError(t, h.m.Refresh(context.Background(), false))

	// another process rebinds the port before the rescan runs
	require.NoError(t, h.m.KillPort(context.Background(), samplePorts[2], false, false))
	h.killer.revive(200)

	require.Eventually(t, func() bool {
		return h.ports.calls.Load() >= 2 && len(h.m.Snapshot().Ports) == 5
	}, time.Second, time.Millisecond)
}

func TestKillPortTimeout(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))
	h.killer.stubborn[300] = true

	err := h.m.KillPort(context.Background(), samplePorts[3], false, false)
	require.ErrorIs(t, err, ErrNotTerminated)

	snap := h.m.Snapshot()
	assert.Len(t, snap.Ports, 5, "snapshot untouched on unconfirmed kill")
	assert.Contains(t, snap.Toast, "Failed to kill port 8000")
	assert.Empty(t, h.hist.all())
}

func TestKillPortKillError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))
	h.killer.killErr[200] = &killer.KillError{Kind: killer.PermissionDenied, PID: 200}

	err := h.m.KillPort(context.Background(), samplePorts[2], true, false)
	require.ErrorIs(t, err, killer.ErrPermissionDenied)
	assert.Len(t, h.m.Snapshot().Ports, 5)
}

func TestKillPortsReportsPartialSuccess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))
	h.killer.killErr[200] = &killer.KillError{Kind: killer.Unknown, PID: 200, Detail: "nope"}
	h.killer.stubborn[300] = true

	res := h.m.KillPorts(context.Background(), h.m.Snapshot().Ports, false)

	assert.Equal(t, []int{100, 200, 300}, res.Requested, "pids are deduplicated")
	assert.Equal(t, []int{100}, res.Killed)
	assert.Equal(t, 2, res.FailedCount())
	assert.ErrorIs(t, res.Failed[200], killer.ErrUnknown)
	assert.ErrorIs(t, res.Failed[300], ErrNotTerminated)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "Code Helper", res.Skipped[0].ProcessName)
	assert.NotContains(t, h.killer.kills, 400)

	snap := h.m.Snapshot()
	assert.Equal(t, []int{5432, 8000, 9229}, ports(snap))
	assert.Equal(t, "Killed 1 of 3 processes", snap.Toast)

	require.Eventually(t, func() bool {
		return len(h.hist.all()) == 2 && len(h.notes.all()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "Killed 1 of 3 processes", h.notes.all()[0])
}

func TestKillAllPortsByType(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))

	res := h.m.KillAllPorts(context.Background(), types.TypeDatabase, true)
	assert.Equal(t, []int{200}, res.Killed)
	assert.Equal(t, []int{3000, 3001, 8000, 9229}, ports(h.m.Snapshot()))
}

func TestKillPortsNothingKillable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))

	res := h.m.KillAllPorts(context.Background(), types.TypeIDETool, false)
	assert.Empty(t, res.Requested)
	assert.Empty(t, h.killer.kills)
	assert.Equal(t, "No killable processes", h.m.Snapshot().Toast)
}

func TestKillTestProcess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), false))
	tp := h.m.Snapshot().Tests[0]

	require.NoError(t, h.m.KillTestProcess(context.Background(), tp, false))
	snap := h.m.Snapshot()
	assert.Empty(t, snap.Tests)
	assert.Len(t, snap.Ports, 5)
	assert.Equal(t, "Killed test process: node", snap.Toast)
}

func TestWatchlistNeedsBaseline(t *testing.T) {
	h := newHarness(t)
	h.prefs.watched = []int{5432, 8080}
	h.killer.mu.Lock()
	delete(h.killer.alive, 200)
	h.killer.mu.Unlock()

	require.NoError(t, h.m.Refresh(context.Background(), false))
	h.killer.revive(200)
	require.NoError(t, h.m.Refresh(context.Background(), false))
	require.NoError(t, h.m.Refresh(context.Background(), false))

	require.Eventually(t, func() bool { return len(h.hist.all()) == 1 }, time.Second, time.Millisecond)
	e := h.hist.all()[0]
	assert.Equal(t, 5432, e.Port)
	assert.Equal(t, types.ActionDetected, e.Action)
	assert.Equal(t, []string{"Watched port 5432 is now active (postgres)"}, h.notes.all())
}

func TestWatchlistIgnoresFirstScan(t *testing.T) {
	h := newHarness(t)
	h.prefs.watched = []int{3000}

	require.NoError(t, h.m.Refresh(context.Background(), false))
	h.m.Close()
	assert.Empty(t, h.hist.all())
	assert.Empty(t, h.notes.all())
}

func TestNotificationsDisabled(t *testing.T) {
	h := newHarness(t)
	h.prefs.notify = false
	require.NoError(t, h.m.Refresh(context.Background(), false))

	res := h.m.KillAllPorts(context.Background(), types.TypePython, false)
	assert.Equal(t, []int{300}, res.Killed)
	h.m.Close()

	assert.Empty(t, h.notes.all())
	assert.Equal(t, "Killed 1 of 1 processes", h.m.Snapshot().Toast)
}

func TestSubscribeReceivesLatest(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.m.Subscribe()
	defer cancel()

	first := <-ch
	assert.Empty(t, first.Ports)

	require.NoError(t, h.m.Refresh(context.Background(), false))

	require.Eventually(t, func() bool {
		select {
		case s := <-ch:
			return len(s.Ports) == 5 && !s.IsRefreshing
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestDismissToast(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Refresh(context.Background(), true))
	require.NotEmpty(t, h.m.Snapshot().Toast)

	h.m.DismissToast()
	assert.Empty(t, h.m.Snapshot().Toast)
}

func TestProtectedRuleOpsPersist(t *testing.T) {
	h := newHarness(t)
	h.prefs.rules = []string{"code"}
	m := New(h.ports, h.tests, h.killer, WithPreferences(h.prefs))
	t.Cleanup(m.Close)

	assert.Equal(t, []string{"code"}, m.ProtectedRules())

	added, err := m.AddProtectedRule("  Postgres ")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"code", "postgres"}, h.prefs.ProtectedRules())

	added, err = m.AddProtectedRule("postgres")
	require.NoError(t, err)
	assert.False(t, added)

	removed, err := m.RemoveProtectedRule("code")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.True(t, m.IsProtected("postgres"))
	assert.False(t, m.IsProtected("Code Helper"))

	require.NoError(t, m.ResetProtectedRules())
	assert.Contains(t, h.prefs.ProtectedRules(), "code helper")
	assert.NotContains(t, h.prefs.ProtectedRules(), "postgres")
}

func TestProtectedRulePersistFailure(t *testing.T) {
	h := newHarness(t)
	h.prefs.saveErr = errors.New("disk full")

	added, err := h.m.AddProtectedRule("redis")
	assert.True(t, added)
	require.ErrorContains(t, err, "disk full")
}

func TestEmptyPersistedRulesMeansNoProtection(t *testing.T) {
	h := newHarness(t)
	h.prefs.rules = []string{}
	m := New(h.ports, h.tests, h.killer, WithPreferences(h.prefs))
	t.Cleanup(m.Close)
	require.NoError(t, m.Refresh(context.Background(), false))

	assert.Len(t, m.KillablePorts(""), 5)
}

func TestSchedulerRefreshesPeriodically(t *testing.T) {
	h := newHarness(t)
	h.prefs.interval = 5 * time.Millisecond

	h.m.Start(context.Background())
	require.Eventually(t, func() bool { return h.ports.calls.Load() >= 3 }, time.Second, time.Millisecond)

	h.m.SetRefreshInterval(0)
	time.Sleep(20 * time.Millisecond)
	paused := h.ports.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, h.ports.calls.Load(), "interval 0 pauses periodic refresh")

	h.m.Close()
	assert.Len(t, h.m.Snapshot().Ports, 5)
}

func TestManualOnlyIntervalRefreshesOnce(t *testing.T) {
	h := newHarness(t)

	h.m.Start(context.Background())
	require.Eventually(t, func() bool { return h.ports.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, h.ports.calls.Load())
}

func TestCloseClosesSubscribers(t *testing.T) {
	h := newHarness(t)
	ch, _ := h.m.Subscribe()
	<-ch

	h.m.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.m.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestResolvePort(t *testing.T) {
	h := newHarness(t)
	h.ports.all = append(samplePorts, types.ListeningPort{Port: 8000, PID: 301, ProcessName: "python3", Type: types.TypePython})
	h.killer.revive(301)
	require.NoError(t, h.m.Refresh(context.Background(), false))

	p, err := h.m.ResolvePort(3000, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, p.PID)

	_, err = h.m.ResolvePort(8000, 0)
	assert.ErrorIs(t, err, ErrAmbiguousOwner)

	p, err = h.m.ResolvePort(8000, 301)
	require.NoError(t, err)
	assert.Equal(t, 301, p.PID)

	_, err = h.m.ResolvePort(8000, 999)
	assert.ErrorIs(t, err, ErrPortNotListening)
	_, err = h.m.ResolvePort(1234, 0)
	assert.ErrorIs(t, err, ErrPortNotListening)
}
