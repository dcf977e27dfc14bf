// Package executor runs the external introspection and control commands the scanners and killer depend on.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/mukes555/PortKilla/src/internal/logging"
)

// DefaultTimeout bounds a single external command invocation.
const DefaultTimeout = 10 * time.Second

// ErrNotFound is returned when the executable cannot be located.
var ErrNotFound = errors.New("executable not found")

// Result is the captured outcome of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a command and captures its output.
// A non-zero exit status is reported through Result.ExitCode, not as an error.
// An error means the command could not be started or was cut short by ctx.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	// Timeout applies when ctx carries no deadline. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewRunner returns an ExecRunner with the default timeout.
func NewRunner() *ExecRunner {
	return &ExecRunner{Timeout: DefaultTimeout}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	// #nosec G204 -- name is one of the fixed introspection tools, args are built from validated ints
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound):
		return res, fmt.Errorf("%s: %w", name, ErrNotFound)
	case ctx.Err() != nil:
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}

	logging.Debug("command finished",
		"cmd", name,
		"args", args,
		"exit_code", res.ExitCode,
		"duration", time.Since(start))

	return res, nil
}
