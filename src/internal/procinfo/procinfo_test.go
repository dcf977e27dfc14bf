package procinfo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/types"
)

type fakeRunner struct {
	results map[string]executor.Result
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (executor.Result, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return executor.Result{}, err
	}
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return executor.Result{ExitCode: 1}, nil
}

func TestFormatMemory(t *testing.T) {
	tests := []struct {
		kb   int
		want string
	}{
		{0, "0KB"},
		{512, "512KB"},
		{1023, "1023KB"},
		{1024, "1.0MB"},
		{12800, "12.5MB"},
		{1024 * 1024, "1.00GB"},
		{1310720, "1.25GB"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.kb), func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMemory(tt.kb))
		})
	}
}

func TestCommandLine(t *testing.T) {
	r := &fakeRunner{results: map[string]executor.Result{
		"ps -p 42 -o command=": {Stdout: []byte("/usr/local/bin/node server.js\n")},
	}}
	res := New(r)

	assert.Equal(t, "/usr/local/bin/node server.js", res.CommandLine(context.Background(), 42))
	assert.Equal(t, "", res.CommandLine(context.Background(), 43), "vanished process yields empty command")
	assert.Equal(t, "", res.CommandLine(context.Background(), 0))
}

func TestMemory(t *testing.T) {
	r := &fakeRunner{results: map[string]executor.Result{
		"ps -p 42 -o rss=": {Stdout: []byte("  20480\n")},
		"ps -p 44 -o rss=": {Stdout: []byte("garbage")},
	}}
	res := New(r)

	human, kb := res.Memory(context.Background(), 42)
	assert.Equal(t, "20.0MB", human)
	assert.Equal(t, 20480, kb)

	human, kb = res.Memory(context.Background(), 43)
	assert.Equal(t, MemoryUnavailable, human)
	assert.Zero(t, kb)

	human, kb = res.Memory(context.Background(), 44)
	assert.Equal(t, MemoryUnavailable, human)
	assert.Zero(t, kb)
}

func TestLookup(t *testing.T) {
	r := &fakeRunner{
		results: map[string]executor.Result{
			"ps -p 7 -o rss=,command=": {Stdout: []byte("  2048 /usr/bin/python3 -m http.server 8000\n")},
		},
		errs: map[string]error{
			"ps -p 8 -o rss=,command=": executor.ErrNotFound,
		},
	}
	res := New(r)

	md := res.Lookup(context.Background(), 7)
	assert.Equal(t, "/usr/bin/python3 -m http.server 8000", md.Command)
	assert.Equal(t, "2.0MB", md.MemoryUsage)
	assert.Equal(t, 2048, md.MemoryKB)

	md = res.Lookup(context.Background(), 8)
	assert.Equal(t, Metadata{MemoryUsage: MemoryUnavailable}, md)
}

func TestParseChildren(t *testing.T) {
	out := "101 sleep\n  102 node worker.js\n\nnotapid foo\n-3 bad\n"
	assert.Equal(t, []types.ChildProcessRef{
		{PID: 101, Name: "sleep"},
		{PID: 102, Name: "node worker.js"},
	}, ParseChildren(out))
	assert.Empty(t, ParseChildren(""))
}

func TestChildren(t *testing.T) {
	t.Run("pgrep output", func(t *testing.T) {
		r := &fakeRunner{results: map[string]executor.Result{
			"pgrep -l -P 10": {Stdout: []byte("11 sh\n12 sleep\n")},
		}}
		got := New(r).Children(context.Background(), 10)
		assert.Equal(t, []types.ChildProcessRef{{PID: 11, Name: "sh"}, {PID: 12, Name: "sleep"}}, got)
	})

	t.Run("no children", func(t *testing.T) {
		r := &fakeRunner{}
		assert.Empty(t, New(r).Children(context.Background(), 10))
	})

	t.Run("fallback when pgrep is missing", func(t *testing.T) {
		r := &fakeRunner{errs: map[string]error{
			"pgrep -l -P 10": fmt.Errorf("pgrep: %w", executor.ErrNotFound),
		}}
		res := New(r)
		res.fallback = func(_ context.Context, pid int) ([]types.ChildProcessRef, error) {
			require.Equal(t, 10, pid)
			return []types.ChildProcessRef{{PID: 99, Name: "child"}}, nil
		}
		assert.Equal(t, []types.ChildProcessRef{{PID: 99, Name: "child"}}, res.Children(context.Background(), 10))
	})

	t.Run("fallback failure degrades to empty", func(t *testing.T) {
		r := &fakeRunner{errs: map[string]error{
			"pgrep -l -P 10": executor.ErrNotFound,
		}}
		res := New(r)
		res.fallback = func(context.Context, int) ([]types.ChildProcessRef, error) {
			return nil, errors.New("no table")
		}
		assert.Empty(t, res.Children(context.Background(), 10))
	})

	t.Run("invalid pid", func(t *testing.T) {
		r := &fakeRunner{}
		assert.Empty(t, New(r).Children(context.Background(), -1))
		assert.Empty(t, r.calls)
	})
}
