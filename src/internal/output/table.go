package output

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mukes555/PortKilla/src/internal/types"
)

const commandWidth = 50

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	tableCellStyle   = lipgloss.NewStyle().PaddingRight(1)
	tableBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func render(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})
	return t.Render()
}

// PortsTable renders listening ports. isProtected marks rows exempt from bulk kills; it may be nil.
func PortsTable(ports []types.ListeningPort, isProtected func(name string) bool) string {
	rows := make([][]string, 0, len(ports))
	for _, p := range ports {
		name := p.ProcessName
		if isProtected != nil && isProtected(name) {
			name += " 🔒"
		}
		project := p.ProjectName
		if p.ContainerName != "" {
			project = "🐳 " + p.ContainerName
		}
		rows = append(rows, []string{
			strconv.Itoa(p.Port),
			strconv.Itoa(p.PID),
			name,
			p.Type.DisplayName(),
			p.MemoryUsage,
			project,
			truncate(p.Command, commandWidth),
		})
	}
	return render([]string{"Port", "PID", "Process", "Type", "Memory", "Project", "Command"}, rows)
}

// TestsTable renders test-runner processes.
func TestsTable(tests []types.TestProcess) string {
	rows := make([][]string, 0, len(tests))
	for _, t := range tests {
		rows = append(rows, []string{
			strconv.Itoa(t.PID),
			t.ProcessName,
			string(t.Kind),
			t.MemoryUsage,
			truncate(t.Command, commandWidth),
		})
	}
	return render([]string{"PID", "Process", "Kind", "Memory", "Command"}, rows)
}

// HistoryTable renders history entries in the order given.
func HistoryTable(entries []types.HistoryEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			string(e.Action),
			strconv.Itoa(e.Port),
			e.ProcessName,
		})
	}
	return render([]string{"Time", "Action", "Port", "Process"}, rows)
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) > maxLen {
		return string(r[:maxLen-3]) + "..."
	}
	return s
}
