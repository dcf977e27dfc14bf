package docker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mukes555/PortKilla/src/internal/executor"
)

type countingRunner struct {
	mu    sync.Mutex
	res   executor.Result
	err   error
	calls [][]string
}

func (r *countingRunner) Run(_ context.Context, name string, args ...string) (executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.res, r.err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestParsePorts(t *testing.T) {
	out := "0.0.0.0:5432->5432/tcp, :::5432->5432/tcp::pg-dev\n" +
		"0.0.0.0:80->80/tcp, 0.0.0.0:443->443/tcp::web\n" +
		"6379/tcp::redis-internal\n" +
		"127.0.0.1:8000-8002->8000-8002/tcp::range\n" +
		"::no-ports\n" +
		"garbage line\n" +
		"\n"

	got := ParsePorts(out)

	assert.Equal(t, map[int]string{
		5432: "pg-dev",
		80:   "web",
		443:  "web",
		8000: "range",
		8001: "range",
		8002: "range",
	}, got)
}

func TestContainerForPortUsesCache(t *testing.T) {
	r := &countingRunner{res: executor.Result{Stdout: []byte("0.0.0.0:5432->5432/tcp::pg-dev\n")}}
	c := New(r)
	ctx := context.Background()

	name, ok := c.ContainerForPort(ctx, 5432)
	require.True(t, ok)
	assert.Equal(t, "pg-dev", name)

	_, ok = c.ContainerForPort(ctx, 3000)
	assert.False(t, ok)

	assert.Equal(t, 1, r.count(), "second lookup within the TTL is served from cache")
	assert.Equal(t, []string{"docker", "ps", "--format", "{{.Ports}}::{{.Names}}"}, r.calls[0])
}

func TestMissingCLITripsBreaker(t *testing.T) {
	r := &countingRunner{err: executor.ErrNotFound}
	c := New(r)
	ctx := context.Background()

	_, ok := c.ContainerForPort(ctx, 5432)
	assert.False(t, ok)

	c.cache.Flush()
	_, ok = c.ContainerForPort(ctx, 5432)
	assert.False(t, ok)

	assert.Equal(t, 1, r.count(), "open breaker stops further docker invocations")
}

func TestRepeatedFailuresTripBreaker(t *testing.T) {
	r := &countingRunner{res: executor.Result{ExitCode: 1, Stderr: []byte("Cannot connect to the Docker daemon")}}
	c := New(r)
	ctx := context.Background()

	for range 5 {
		c.cache.Flush()
		_, ok := c.ContainerForPort(ctx, 80)
		assert.False(t, ok)
	}
	assert.Equal(t, 3, r.count())
}

func TestStopContainer(t *testing.T) {
	r := &countingRunner{}
	c := New(r)
	c.cache.SetDefault(portsKey, map[int]string{80: "web"})

	require.NoError(t, c.StopContainer(context.Background(), "web"))
	assert.Equal(t, []string{"docker", "stop", "web"}, r.calls[0])

	_, cached := c.cache.Get(portsKey)
	assert.False(t, cached)

	assert.Error(t, c.StopContainer(context.Background(), ""))

	r.res = executor.Result{ExitCode: 1, Stderr: []byte("No such container")}
	assert.Error(t, c.StopContainer(context.Background(), "ghost"))
}
