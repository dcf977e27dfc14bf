// Package scanner enumerates listening TCP ports and attributes each to its owning process.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/procinfo"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// lookupConcurrency bounds parallel ps invocations during one scan.
const lookupConcurrency = 8

var (
	// ErrInvalidOutput matches a ScanError whose command output was not text.
	ErrInvalidOutput = errors.New("invalid scan output")
	// ErrCommandFailed matches a ScanError whose command could not run or exited non-zero.
	ErrCommandFailed = errors.New("scan command failed")
)

// ScanErrorKind distinguishes the scan failure modes.
type ScanErrorKind int

const (
	InvalidOutput ScanErrorKind = iota
	CommandFailed
)

// ScanError is returned by Scan. Both kinds are recoverable.
type ScanError struct {
	Kind ScanErrorKind
	// ExitCode is the command's exit status, or -1 when it never ran to completion.
	ExitCode int
	Err      error
}

func (e *ScanError) Error() string {
	switch e.Kind {
	case InvalidOutput:
		return "port scan produced invalid output"
	default:
		if e.Err != nil {
			return fmt.Sprintf("port scan command failed: %v", e.Err)
		}
		return fmt.Sprintf("port scan command failed with exit code %d", e.ExitCode)
	}
}

func (e *ScanError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *ScanError) Is(target error) bool {
	switch target {
	case ErrInvalidOutput:
		return e.Kind == InvalidOutput
	case ErrCommandFailed:
		return e.Kind == CommandFailed
	}
	return false
}

// MetadataResolver resolves command line and memory for a pid.
type MetadataResolver interface {
	Lookup(ctx context.Context, pid int) procinfo.Metadata
}

// ContainerResolver maps a published host port to a container name.
type ContainerResolver interface {
	ContainerForPort(ctx context.Context, port int) (string, bool)
}

// Scanner implements the listening-port scan.
type Scanner struct {
	runner     executor.Runner
	meta       MetadataResolver
	containers ContainerResolver
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithContainers enables container-name enrichment for container-owned ports.
func WithContainers(c ContainerResolver) Option {
	return func(s *Scanner) { s.containers = c }
}

// New creates a Scanner.
func New(runner executor.Runner, meta MetadataResolver, opts ...Option) *Scanner {
	s := &Scanner{runner: runner, meta: meta}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan lists every listening TCP port, enriched and sorted ascending by port.
func (s *Scanner) Scan(ctx context.Context) ([]types.ListeningPort, error) {
	res, err := s.runner.Run(ctx, "lsof", "-iTCP", "-sTCP:LISTEN", "-n", "-P")
	if err != nil {
		return nil, &ScanError{Kind: CommandFailed, ExitCode: -1, Err: err}
	}

	switch res.ExitCode {
	case 0:
	case 1:
		// lsof exits 1 when nothing matched or when some files were inaccessible;
		// whatever it printed is still usable.
		if len(strings.TrimSpace(string(res.Stdout))) == 0 {
			return []types.ListeningPort{}, nil
		}
		logging.Debug("lsof reported partial results", "stderr", strings.TrimSpace(string(res.Stderr)))
	default:
		return nil, &ScanError{Kind: CommandFailed, ExitCode: res.ExitCode}
	}

	if !utf8.Valid(res.Stdout) {
		return nil, &ScanError{Kind: InvalidOutput}
	}

	ports := ParseLsofOutput(string(res.Stdout))
	if err := s.enrich(ctx, ports); err != nil {
		return nil, &ScanError{Kind: CommandFailed, ExitCode: -1, Err: err}
	}
	return ports, nil
}

func (s *Scanner) enrich(ctx context.Context, ports []types.ListeningPort) error {
	var pids []int
	seen := make(map[int]bool)
	for _, p := range ports {
		if !seen[p.PID] {
			seen[p.PID] = true
			pids = append(pids, p.PID)
		}
	}

	var mu sync.Mutex
	meta := make(map[int]procinfo.Metadata, len(pids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for _, pid := range pids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			md := s.meta.Lookup(gctx, pid)
			mu.Lock()
			meta[pid] = md
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range ports {
		md := meta[ports[i].PID]
		ports[i].Command = md.Command
		ports[i].MemoryUsage = md.MemoryUsage
		ports[i].MemorySizeKB = md.MemoryKB
		ports[i].Type = Classify(ports[i].ProcessName, md.Command)
		ports[i].ProjectName = ExtractProjectName(md.Command)

		if s.containers != nil && ownsContainerPorts(ports[i]) {
			if name, ok := s.containers.ContainerForPort(ctx, ports[i].Port); ok {
				ports[i].ContainerName = name
			}
		}
	}
	return nil
}

func ownsContainerPorts(p types.ListeningPort) bool {
	return p.Type == types.TypeDocker || containsAny(strings.ToLower(p.ProcessName), dockerNames)
}

// ParseLsofOutput parses `lsof -iTCP -sTCP:LISTEN -n -P` output.
// Malformed lines are skipped. Entries are unique by (port, pid) and sorted by port;
// only the identity fields (port, pid, name, user) are filled in.
func ParseLsofOutput(output string) []types.ListeningPort {
	lines := strings.Split(output, "\n")
	seen := make(map[[2]int]bool)
	ports := []types.ListeningPort{}

	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}

		pid, err := strconv.Atoi(fields[1])
		if err != nil || pid < 0 {
			continue
		}
		port, ok := parsePort(fields[8])
		if !ok {
			continue
		}

		key := [2]int{port, pid}
		if seen[key] {
			continue
		}
		seen[key] = true

		ports = append(ports, types.ListeningPort{
			Port:        port,
			PID:         pid,
			ProcessName: unescapeLsofName(fields[0]),
			User:        fields[2],
		})
	}

	sort.SliceStable(ports, func(i, j int) bool {
		return ports[i].Port < ports[j].Port
	})
	return ports
}

// parsePort extracts the trailing port of an address like "*:3000", "127.0.0.1:5432" or "[::1]:8080".
func parsePort(addr string) (int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

// unescapeLsofName decodes the \xNN escapes lsof uses for non-printable and space bytes in COMMAND.
func unescapeLsofName(name string) string {
	if !strings.Contains(name, `\x`) {
		return name
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' && i+3 < len(name) && name[i+1] == 'x' {
			if v, err := strconv.ParseUint(name[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(name[i])
	}
	return b.String()
}
