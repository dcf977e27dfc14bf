// Package testscan finds running test-runner processes across the whole system.
package testscan

import (
	"context"
	"path"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/procinfo"
	"github.com/mukes555/PortKilla/src/internal/scanner"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// AppName is this tool's own process name; commands mentioning it are never reported.
const AppName = "portkilla"

// falsePositives exclude processes whose command incidentally matches a keyword.
var falsePositives = []string{
	AppName,
	"grep",
	"next dev",
	"next start",
	"react-scripts start",
	"run-driver",
	"ms-playwright-go",
}

type kindRule struct {
	kind     types.TestKind
	keywords []string
	match    func(command string) bool
}

// dedicatedKinds are checked in order before the generic keywords.
var dedicatedKinds = []kindRule{
	{kind: types.TestJest, keywords: []string{"jest"}},
	{kind: types.TestVitest, keywords: []string{"vitest"}},
	{kind: types.TestMocha, keywords: []string{"mocha"}},
	{kind: types.TestPytest, keywords: []string{"pytest", "py.test"}},
	{kind: types.TestCargo, keywords: []string{"cargo test", "cargo nextest"}},
	{kind: types.TestGo, keywords: []string{".test -test."}, match: isGoTest},
	{kind: types.TestSwift, keywords: []string{"swift test", "swift-test", "xctest"}},
}

var otherKeywords = []string{
	"jasmine",
	"karma",
	"react-scripts test",
	"cypress",
	"playwright",
	"puppeteer",
	"selenium",
	"webdriver",
	"nightwatch",
	"protractor",
	"testcafe",
}

// otherTokens are too short for substring matching ("java" contains "ava")
// and only match as whole command tokens.
var otherTokens = []string{"ava", "tape"}

// Scanner implements the system-wide test-process scan.
type Scanner struct {
	runner executor.Runner
}

// New creates a Scanner.
func New(runner executor.Runner) *Scanner {
	return &Scanner{runner: runner}
}

// Scan enumerates all processes and returns the recognised test runners.
// Failures are reported as *scanner.ScanError.
func (s *Scanner) Scan(ctx context.Context) ([]types.TestProcess, error) {
	res, err := s.runner.Run(ctx, "ps", "-A", "-o", "pid=,rss=,command=")
	if err != nil {
		return nil, &scanner.ScanError{Kind: scanner.CommandFailed, ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &scanner.ScanError{Kind: scanner.CommandFailed, ExitCode: res.ExitCode}
	}
	if !utf8.Valid(res.Stdout) {
		return nil, &scanner.ScanError{Kind: scanner.InvalidOutput}
	}
	return ParseProcessOutput(string(res.Stdout)), nil
}

// ParseProcessOutput parses `ps -A -o pid=,rss=,command=` output and keeps test runners only.
func ParseProcessOutput(output string) []types.TestProcess {
	procs := []types.TestProcess{}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil || kb < 0 {
			continue
		}
		command := commandField(line)

		kind, ok := ClassifyTest(command)
		if !ok {
			continue
		}
		procs = append(procs, types.TestProcess{
			PID:          pid,
			ProcessName:  ProcessName(command),
			Command:      command,
			MemoryUsage:  procinfo.FormatMemory(kb),
			MemorySizeKB: kb,
			Kind:         kind,
		})
	}
	return procs
}

// commandField returns everything after the first two whitespace-separated columns, spacing intact.
func commandField(line string) string {
	rest := strings.TrimLeftFunc(line, unicode.IsSpace)
	for range 2 {
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[i:], unicode.IsSpace)
	}
	return strings.TrimRightFunc(rest, unicode.IsSpace)
}

// ClassifyTest reports the test kind of a command line, or false when it is not a test runner.
func ClassifyTest(command string) (types.TestKind, bool) {
	c := strings.ToLower(command)
	if c == "" {
		return "", false
	}
	for _, fp := range falsePositives {
		if strings.Contains(c, fp) {
			return "", false
		}
	}

	for _, r := range dedicatedKinds {
		if r.match != nil && r.match(c) {
			return r.kind, true
		}
		for _, k := range r.keywords {
			if strings.Contains(c, k) {
				return r.kind, true
			}
		}
	}

	for _, k := range otherKeywords {
		if strings.Contains(c, k) {
			return types.TestOtherTest, true
		}
	}

	tokens := strings.FieldsFunc(c, func(r rune) bool {
		return unicode.IsSpace(r) || r == '/' || r == '='
	})
	for _, tok := range tokens {
		for _, k := range otherTokens {
			if tok == k {
				return types.TestOtherTest, true
			}
		}
	}
	return "", false
}

// isGoTest matches a `go` executable followed by the `test` sub-command.
// "cargo test" must not qualify, so the executable is compared as a whole token.
func isGoTest(command string) bool {
	fields := strings.Fields(command)
	for i := 0; i+1 < len(fields); i++ {
		if path.Base(fields[i]) == "go" && fields[i+1] == "test" {
			return true
		}
	}
	return false
}

// ProcessName is the final path segment of the command's executable.
func ProcessName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "Unknown"
	}
	name := path.Base(fields[0])
	if name == "" || name == "/" || name == "." {
		return "Unknown"
	}
	return name
}
