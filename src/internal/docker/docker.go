// Package docker maps published host ports to container names using the docker CLI.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/logging"
)

const (
	// CacheTTL is how long one `docker ps` result is reused.
	CacheTTL = 2 * time.Second

	portsKey = "ports"
	// maxRangeSpan caps expansion of published port ranges like 8000-8100.
	maxRangeSpan = 1024
)

// Client resolves container names. Safe for concurrent use.
type Client struct {
	runner  executor.Runner
	cache   *cache.Cache
	breaker *gobreaker.CircuitBreaker
	missing atomic.Bool
}

// New creates a Client. After the CLI is found missing, or fails three times in a row,
// lookups short-circuit to "no container" until the breaker half-opens.
func New(runner executor.Runner) *Client {
	c := &Client{
		runner: runner,
		cache:  cache.New(CacheTTL, 4*CacheTTL),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "docker",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return c.missing.Load() || counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Debug("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// ContainerForPort returns the container publishing port, if any.
func (c *Client) ContainerForPort(ctx context.Context, port int) (string, bool) {
	name, ok := c.portMap(ctx)[port]
	return name, ok
}

func (c *Client) portMap(ctx context.Context) map[int]string {
	if v, ok := c.cache.Get(portsKey); ok {
		return v.(map[int]string)
	}

	v, err := c.breaker.Execute(func() (interface{}, error) {
		res, err := c.runner.Run(ctx, "docker", "ps", "--format", "{{.Ports}}::{{.Names}}")
		if err != nil {
			if errors.Is(err, executor.ErrNotFound) {
				c.missing.Store(true)
			}
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("docker ps exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
		}
		c.missing.Store(false)
		return ParsePorts(string(res.Stdout)), nil
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Debug("docker lookup failed", "err", err)
		}
		empty := map[int]string{}
		c.cache.SetDefault(portsKey, empty)
		return empty
	}

	m := v.(map[int]string)
	c.cache.SetDefault(portsKey, m)
	return m
}

// StopContainer runs `docker stop name` and invalidates the port cache.
func (c *Client) StopContainer(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("container name is required")
	}
	res, err := c.runner.Run(ctx, "docker", "stop", name)
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to stop container %s: %s", name, strings.TrimSpace(string(res.Stderr)))
	}
	c.cache.Delete(portsKey)
	return nil
}

// ParsePorts parses `docker ps --format "{{.Ports}}::{{.Names}}"` output.
// A ports column looks like "0.0.0.0:5432->5432/tcp, :::5432->5432/tcp".
func ParsePorts(output string) map[int]string {
	m := make(map[int]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		// IPv6 ports contain "::" too; container names never do, so the last one separates
		sep := strings.LastIndex(line, "::")
		if sep < 0 {
			continue
		}
		portsCol, name := line[:sep], strings.TrimSpace(line[sep+2:])
		if name == "" {
			continue
		}

		for _, mapping := range strings.Split(portsCol, ",") {
			public, _, found := strings.Cut(strings.TrimSpace(mapping), "->")
			if !found {
				continue
			}
			colon := strings.LastIndex(public, ":")
			if colon < 0 {
				continue
			}
			for _, p := range expandRange(public[colon+1:]) {
				m[p] = name
			}
		}
	}
	return m
}

func expandRange(s string) []int {
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := strconv.Atoi(lo)
	if err != nil || start < 1 || start > 65535 {
		return nil
	}
	if !isRange {
		return []int{start}
	}
	end, err := strconv.Atoi(hi)
	if err != nil || end < start || end > 65535 || end-start > maxRangeSpan {
		return []int{start}
	}
	ports := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		ports = append(ports, p)
	}
	return ports
}
