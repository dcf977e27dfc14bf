// Package types defines the data model shared by the scanners, the killer and the port manager.
package types

import (
	"fmt"
	"time"
)

// ProcessType classifies the process that owns a listening port.
type ProcessType string

const (
	TypeNodeJS    ProcessType = "nodejs"
	TypeDatabase  ProcessType = "database"
	TypeWebServer ProcessType = "webserver"
	TypePython    ProcessType = "python"
	TypeJava      ProcessType = "java"
	TypeRuby      ProcessType = "ruby"
	TypePHP       ProcessType = "php"
	TypeGo        ProcessType = "go"
	TypeDocker    ProcessType = "docker"
	TypeIDETool   ProcessType = "ide-tool"
	TypeOther     ProcessType = "other"
)

// AllProcessTypes lists every ProcessType in display order.
var AllProcessTypes = []ProcessType{
	TypeNodeJS, TypeDatabase, TypeWebServer, TypePython, TypeJava,
	TypeRuby, TypePHP, TypeGo, TypeDocker, TypeIDETool, TypeOther,
}

// Category is the coarse UI grouping of a ProcessType.
type Category string

const (
	CategoryWeb      Category = "web"
	CategoryDatabase Category = "database"
	CategoryIDETools Category = "ide-tools"
	CategoryOther    Category = "other"
)

// Category maps the type to its UI group. Every type has exactly one category.
func (t ProcessType) Category() Category {
	switch t {
	case TypeNodeJS, TypeWebServer, TypePython, TypeJava, TypeRuby, TypePHP, TypeGo:
		return CategoryWeb
	case TypeDatabase, TypeDocker:
		return CategoryDatabase
	case TypeIDETool:
		return CategoryIDETools
	default:
		return CategoryOther
	}
}

// DisplayName returns the human label used in tables.
func (t ProcessType) DisplayName() string {
	switch t {
	case TypeNodeJS:
		return "Node.js"
	case TypeDatabase:
		return "Database"
	case TypeWebServer:
		return "Web Server"
	case TypePython:
		return "Python"
	case TypeJava:
		return "Java"
	case TypeRuby:
		return "Ruby"
	case TypePHP:
		return "PHP"
	case TypeGo:
		return "Go"
	case TypeDocker:
		return "Docker"
	case TypeIDETool:
		return "IDE / Tool"
	default:
		return "Other"
	}
}

// ParseProcessType accepts the canonical names plus a few common aliases ("node", "db", "ide").
func ParseProcessType(s string) (ProcessType, error) {
	switch s {
	case "node", "js":
		return TypeNodeJS, nil
	case "db":
		return TypeDatabase, nil
	case "web":
		return TypeWebServer, nil
	case "ide":
		return TypeIDETool, nil
	}
	for _, t := range AllProcessTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown process type %q", s)
}

// ListeningPort is one listening TCP endpoint observed during a scan.
// Identity is the (Port, PID) pair.
type ListeningPort struct {
	Port          int         `json:"port"`
	PID           int         `json:"pid"`
	ProcessName   string      `json:"processName"`
	Command       string      `json:"command"`
	User          string      `json:"user"`
	MemoryUsage   string      `json:"memoryUsage"`
	MemorySizeKB  int         `json:"memorySizeKB"`
	Type          ProcessType `json:"type"`
	ProjectName   string      `json:"projectName,omitempty"`
	ContainerName string      `json:"containerName,omitempty"`
}

// ID returns the composite identity of the entry.
func (p ListeningPort) ID() string {
	return fmt.Sprintf("%d-%d", p.Port, p.PID)
}

// TestKind classifies a test-runner process.
type TestKind string

const (
	TestJest      TestKind = "jest"
	TestVitest    TestKind = "vitest"
	TestMocha     TestKind = "mocha"
	TestGo        TestKind = "go-test"
	TestCargo     TestKind = "cargo-test"
	TestSwift     TestKind = "swift-test"
	TestPytest    TestKind = "pytest"
	TestOtherTest TestKind = "other-test"
)

// TestProcess is a process recognised as a test runner. Identity is (PID, ProcessName).
type TestProcess struct {
	PID          int      `json:"pid"`
	ProcessName  string   `json:"processName"`
	Command      string   `json:"command"`
	MemoryUsage  string   `json:"memoryUsage"`
	MemorySizeKB int      `json:"memorySizeKB"`
	Kind         TestKind `json:"kind"`
}

// ID returns the composite identity of the entry.
func (t TestProcess) ID() string {
	return fmt.Sprintf("%d-%s", t.PID, t.ProcessName)
}

// ChildProcessRef is a direct child of some parent pid.
type ChildProcessRef struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// HistoryAction is the kind of event recorded in the history log.
type HistoryAction string

const (
	ActionDetected HistoryAction = "detected"
	ActionKilled   HistoryAction = "killed"
)

// HistoryEntry is one record of the kill/detect history.
type HistoryEntry struct {
	ID          int64         `json:"id,omitempty"`
	Port        int           `json:"port"`
	ProcessName string        `json:"processName"`
	Action      HistoryAction `json:"action"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Snapshot is the port manager's authoritative view. Values handed out are copies.
type Snapshot struct {
	Ports        []ListeningPort `json:"ports"`
	Tests        []TestProcess   `json:"tests"`
	LastUpdated  time.Time       `json:"lastUpdated"`
	IsRefreshing bool            `json:"isRefreshing"`
	LastError    string          `json:"lastError,omitempty"`
	Toast        string          `json:"toast,omitempty"`
}

// TotalPortsMemory sums memory of all listed ports.
func (s Snapshot) TotalPortsMemory() string {
	kb := 0
	for _, p := range s.Ports {
		kb += p.MemorySizeKB
	}
	return FormatMemoryTotal(kb)
}

// TotalTestsMemory sums memory of all listed test processes.
func (s Snapshot) TotalTestsMemory() string {
	kb := 0
	for _, t := range s.Tests {
		kb += t.MemorySizeKB
	}
	return FormatMemoryTotal(kb)
}

// FormatMemoryTotal formats an aggregate with spaced units ("512 KB", "1.5 MB", "2.00 GB").
func FormatMemoryTotal(kb int) string {
	mb := float64(kb) / 1024.0
	switch {
	case mb < 1:
		return fmt.Sprintf("%d KB", kb)
	case mb < 1024:
		return fmt.Sprintf("%.1f MB", mb)
	default:
		return fmt.Sprintf("%.2f GB", mb/1024.0)
	}
}

// Clone returns a deep copy so callers cannot alias the manager's slices.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Ports = append([]ListeningPort(nil), s.Ports...)
	out.Tests = append([]TestProcess(nil), s.Tests...)
	return out
}
