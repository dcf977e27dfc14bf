package output

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/mukes555/PortKilla/src/internal/executor"
	"github.com/mukes555/PortKilla/src/internal/logging"
)

const notifyTimeout = 5 * time.Second

// DesktopNotifier posts notifications through osascript on macOS and notify-send elsewhere.
// When neither tool is available the message is logged instead.
type DesktopNotifier struct {
	runner executor.Runner
	goos   string
}

// NewDesktopNotifier creates a notifier for the running OS.
func NewDesktopNotifier(runner executor.Runner) *DesktopNotifier {
	return &DesktopNotifier{runner: runner, goos: runtime.GOOS}
}

// Notify shows title and body.
func (n *DesktopNotifier) Notify(title, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	name, args := n.command(title, body)
	if name == "" {
		logging.Info(title, "body", body)
		return nil
	}

	res, err := n.runner.Run(ctx, name, args...)
	if err != nil {
		logging.Info(title, "body", body)
		return fmt.Errorf("notify via %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("notify via %s: exit code %d", name, res.ExitCode)
	}
	return nil
}

func (n *DesktopNotifier) command(title, body string) (string, []string) {
	switch n.goos {
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s", strconv.Quote(body), strconv.Quote(title))
		return "osascript", []string{"-e", script}
	case "linux", "freebsd", "openbsd", "netbsd":
		return "notify-send", []string{"--app-name=PortKilla", title, body}
	default:
		return "", nil
	}
}
