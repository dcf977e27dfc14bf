// Package output renders CLI results as styled text or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
)

// Format selects how commands print their results.
type Format string

const (
	FormatDefault Format = "default"
	FormatJSON    Format = "json"
)

var format atomic.Value

func init() {
	format.Store(FormatDefault)
}

// SetFormat sets the global output format. An empty string selects the default.
func SetFormat(f string) error {
	switch Format(f) {
	case "", FormatDefault:
		format.Store(FormatDefault)
	case FormatJSON:
		format.Store(FormatJSON)
	default:
		return fmt.Errorf("invalid output format %q (valid: default, json)", f)
	}
	return nil
}

// GetFormat returns the current output format.
func GetFormat() Format {
	return format.Load().(Format)
}

// IsJSON reports whether JSON output is selected.
func IsJSON() bool {
	return GetFormat() == FormatJSON
}

// PrintJSON writes v as indented JSON to stdout.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// PrintDefault runs fn only in default mode.
func PrintDefault(fn func()) {
	if !IsJSON() {
		fn()
	}
}

// Print writes v as JSON in JSON mode and runs fn otherwise.
func Print(v any, fn func()) error {
	if IsJSON() {
		return PrintJSON(v)
	}
	fn()
	return nil
}

// ANSI codes for callers composing raw strings.
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	urlStyle      = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("14"))
)

func line(s string) {
	fmt.Fprintln(os.Stdout, s)
}

// Header prints a bold title followed by an underline.
func Header(title string) {
	line(headerStyle.Render(title))
	line(mutedStyle.Render(strings.Repeat("─", lipgloss.Width(title))))
}

// Section prints an icon-prefixed section title.
func Section(icon, title string) {
	line(icon + " " + emphasisStyle.Render(title))
}

func Success(msg string, args ...any) { line(successStyle.Render("✓ " + sprintf(msg, args...))) }
func Error(msg string, args ...any)   { line(errorStyle.Render("✗ " + sprintf(msg, args...))) }
func Warning(msg string, args ...any) { line(warningStyle.Render("⚠ " + sprintf(msg, args...))) }
func Info(msg string, args ...any)    { line(infoStyle.Render("ℹ " + sprintf(msg, args...))) }

// Step prints an icon-prefixed progress line.
func Step(icon, msg string, args ...any) {
	line(icon + " " + sprintf(msg, args...))
}

func Item(msg string, args ...any) { line("  • " + sprintf(msg, args...)) }
func ItemSuccess(msg string, args ...any) {
	line("  " + successStyle.Render("✓") + " " + sprintf(msg, args...))
}
func ItemError(msg string, args ...any) {
	line("  " + errorStyle.Render("✗") + " " + sprintf(msg, args...))
}
func ItemWarning(msg string, args ...any) {
	line("  " + warningStyle.Render("⚠") + " " + sprintf(msg, args...))
}

// Divider prints a horizontal rule.
func Divider() {
	line(mutedStyle.Render(strings.Repeat("─", 60)))
}

func Newline() {
	line("")
}

// Label prints an aligned "name: value" pair.
func Label(name, value string) {
	line(fmt.Sprintf("  %-14s %s", mutedStyle.Render(name+":"), value))
}

func Highlight(msg string, args ...any) string { return infoStyle.Render(sprintf(msg, args...)) }
func Emphasize(msg string, args ...any) string { return emphasisStyle.Render(sprintf(msg, args...)) }
func Muted(msg string, args ...any) string     { return mutedStyle.Render(sprintf(msg, args...)) }

// URL styles a link.
func URL(u string) string {
	return urlStyle.Render(u)
}

// Count styles a number.
func Count(n int) string {
	return emphasisStyle.Render(fmt.Sprintf("%d", n))
}

func sprintf(msg string, args ...any) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
