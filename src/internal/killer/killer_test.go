//go:build !windows

package killer

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/types"
)

type sent struct {
	pid int
	sig syscall.Signal
}

type fakeSignaler struct {
	mu    sync.Mutex
	errs  map[sent]error
	calls []sent
}

func (f *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sent{pid, sig})
	return f.errs[sent{pid, sig}]
}

func (f *fakeSignaler) killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pids []int
	for _, c := range f.calls {
		if c.sig != 0 {
			pids = append(pids, c.pid)
		}
	}
	return pids
}

type fakeRunner struct {
	mu    sync.Mutex
	res   executor.Result
	err   error
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.res, f.err
}

type fakeTree map[int][]types.ChildProcessRef

func (t fakeTree) Children(_ context.Context, pid int) []types.ChildProcessRef {
	return t[pid]
}

func newTestKiller(sig *fakeSignaler, run *fakeRunner, tree fakeTree) *Killer {
	return New(run, tree, WithSignaler(sig))
}

func TestKillSendsTerm(t *testing.T) {
	sig := &fakeSignaler{}
	run := &fakeRunner{}
	k := newTestKiller(sig, run, nil)

	require.NoError(t, k.Kill(context.Background(), 500, false, false))
	assert.Equal(t, []sent{{500, syscall.SIGTERM}}, sig.calls)
	assert.Empty(t, run.calls)
}

func TestKillForceSendsKill(t *testing.T) {
	sig := &fakeSignaler{}
	k := newTestKiller(sig, &fakeRunner{}, nil)

	require.NoError(t, k.Kill(context.Background(), 500, true, false))
	assert.Equal(t, []sent{{500, syscall.SIGKILL}}, sig.calls)
}

func TestKillAlreadyDead(t *testing.T) {
	sig := &fakeSignaler{errs: map[sent]error{{500, syscall.SIGTERM}: unix.ESRCH}}
	run := &fakeRunner{}
	k := newTestKiller(sig, run, nil)

	require.NoError(t, k.Kill(context.Background(), 500, false, false))
	assert.Len(t, sig.calls, 1, "no escalation for a missing process")
	assert.Empty(t, run.calls)
}

func TestKillEscalates(t *testing.T) {
	sig := &fakeSignaler{errs: map[sent]error{{500, syscall.SIGTERM}: unix.EINVAL}}
	run := &fakeRunner{}
	k := newTestKiller(sig, run, nil)

	require.NoError(t, k.Kill(context.Background(), 500, false, false))
	assert.Equal(t, []sent{{500, syscall.SIGTERM}, {500, syscall.SIGKILL}}, sig.calls)
	assert.Empty(t, run.calls)
}

func TestKillFallsBackToCommand(t *testing.T) {
	sig := &fakeSignaler{errs: map[sent]error{
		{500, syscall.SIGTERM}: unix.EINVAL,
		{500, syscall.SIGKILL}: unix.EINVAL,
	}}
	run := &fakeRunner{}
	k := newTestKiller(sig, run, nil)

	require.NoError(t, k.Kill(context.Background(), 500, false, false))
	assert.Equal(t, [][]string{{"kill", "-9", "500"}}, run.calls)
}

func TestKillFallbackFailure(t *testing.T) {
	t.Run("unknown", func(t *testing.T) {
		sig := &fakeSignaler{errs: map[sent]error{{500, syscall.SIGKILL}: unix.EINVAL}}
		run := &fakeRunner{res: executor.Result{ExitCode: 1, Stderr: []byte("kill: 500: operation failed\n")}}
		k := newTestKiller(sig, run, nil)

		err := k.Kill(context.Background(), 500, true, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknown)

		var ke *KillError
		require.True(t, errors.As(err, &ke))
		assert.Equal(t, 500, ke.PID)
		assert.Equal(t, "kill: 500: operation failed", ke.Detail)
	})

	t.Run("permission denied", func(t *testing.T) {
		sig := &fakeSignaler{errs: map[sent]error{
			{500, syscall.SIGTERM}: unix.EPERM,
			{500, syscall.SIGKILL}: unix.EPERM,
		}}
		run := &fakeRunner{res: executor.Result{ExitCode: 1}}
		k := newTestKiller(sig, run, nil)

		err := k.Kill(context.Background(), 500, false, false)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.ErrorIs(t, err, unix.EPERM)
	})

	t.Run("fallback missing", func(t *testing.T) {
		sig := &fakeSignaler{errs: map[sent]error{{500, syscall.SIGKILL}: unix.EINVAL}}
		run := &fakeRunner{err: executor.ErrNotFound}
		k := newTestKiller(sig, run, nil)

		err := k.Kill(context.Background(), 500, true, false)
		assert.ErrorIs(t, err, ErrUnknown)
	})
}

func TestKillRefusesProtectedPIDs(t *testing.T) {
	sig := &fakeSignaler{}
	k := newTestKiller(sig, &fakeRunner{}, nil)

	for _, pid := range []int{-5, 0, 1, os.Getpid()} {
		err := k.Kill(context.Background(), pid, true, true)
		assert.ErrorIs(t, err, ErrPermissionDenied, "pid %d", pid)
	}
	assert.Empty(t, sig.calls)
}

func TestKillTreeOrder(t *testing.T) {
	tree := fakeTree{
		100: {{PID: 101, Name: "sh"}, {PID: 102, Name: "node"}},
		101: {{PID: 103, Name: "sleep"}},
		// a bogus cycle reported by the OS must not loop
		103: {{PID: 100, Name: "parent"}, {PID: 101, Name: "sh"}},
	}
	sig := &fakeSignaler{}
	k := newTestKiller(sig, &fakeRunner{}, tree)

	require.NoError(t, k.Kill(context.Background(), 100, true, true))
	assert.Equal(t, []int{103, 101, 102, 100}, sig.killed())
}

func TestKillTreeSwallowsChildErrors(t *testing.T) {
	tree := fakeTree{100: {{PID: 101, Name: "child"}}}
	sig := &fakeSignaler{errs: map[sent]error{{101, syscall.SIGKILL}: unix.EPERM}}
	run := &fakeRunner{res: executor.Result{ExitCode: 1}}
	k := newTestKiller(sig, run, tree)

	require.NoError(t, k.Kill(context.Background(), 100, true, true))
	assert.Contains(t, sig.killed(), 100)
}

func TestKillTreeDepthBound(t *testing.T) {
	tree := fakeTree{}
	for pid := 1000; pid < 1100; pid++ {
		tree[pid] = []types.ChildProcessRef{{PID: pid + 1}}
	}
	sig := &fakeSignaler{}
	k := newTestKiller(sig, &fakeRunner{}, tree)

	require.NoError(t, k.Kill(context.Background(), 1000, true, true))
	assert.Len(t, sig.killed(), maxTreeDepth+1)
}

func TestKillWithoutTreeIgnoresChildren(t *testing.T) {
	tree := fakeTree{100: {{PID: 101}}}
	sig := &fakeSignaler{}
	k := newTestKiller(sig, &fakeRunner{}, tree)

	require.NoError(t, k.Kill(context.Background(), 100, false, false))
	assert.Equal(t, []int{100}, sig.killed())
}

func TestIsRunning(t *testing.T) {
	sig := &fakeSignaler{errs: map[sent]error{
		{11, 0}: unix.EPERM,
		{12, 0}: unix.ESRCH,
		{13, 0}: unix.EINVAL,
	}}
	k := newTestKiller(sig, &fakeRunner{}, nil)

	assert.True(t, k.IsRunning(10))
	assert.True(t, k.IsRunning(11), "owned by another user")
	assert.False(t, k.IsRunning(12))
	assert.False(t, k.IsRunning(13))
	assert.False(t, k.IsRunning(0))
	assert.False(t, k.IsRunning(-1))
}

func TestKillMany(t *testing.T) {
	sig := &fakeSignaler{errs: map[sent]error{
		{201, syscall.SIGTERM}: unix.ESRCH,
		{202, syscall.SIGTERM}: unix.EPERM,
		{202, syscall.SIGKILL}: unix.EPERM,
	}}
	run := &fakeRunner{res: executor.Result{ExitCode: 1}}
	k := newTestKiller(sig, run, nil)

	got := k.KillMany(context.Background(), []int{200, 201, 202, 200}, false)

	require.Len(t, got, 3)
	assert.NoError(t, got[200])
	assert.NoError(t, got[201], "missing process counts as killed")
	assert.ErrorIs(t, got[202], ErrPermissionDenied)
}
