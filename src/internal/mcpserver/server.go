// Package mcpserver exposes the port manager to MCP clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/portmanager"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// Manager is the port manager surface exposed as tools.
type Manager interface {
	Snapshot() types.Snapshot
	Refresh(ctx context.Context, showToast bool) error
	KillablePorts(t types.ProcessType) []types.ListeningPort
	ResolvePort(port, pid int) (types.ListeningPort, error)
	KillPort(ctx context.Context, p types.ListeningPort, force, killTree bool) error
	KillAllPorts(ctx context.Context, t types.ProcessType, force bool) portmanager.BulkResult
	KillTestProcess(ctx context.Context, tp types.TestProcess, force bool) error
	ProtectedRules() []string
	AddProtectedRule(rule string) (bool, error)
	RemoveProtectedRule(rule string) (bool, error)
}

// HistoryReader lists recorded history, newest first.
type HistoryReader interface {
	Entries(ctx context.Context) ([]types.HistoryEntry, error)
}

// Server wraps an MCP server with the PortKilla tool set.
type Server struct {
	mgr     Manager
	history HistoryReader
	mcp     *server.MCPServer
}

// New registers every tool. history may be nil.
func New(mgr Manager, history HistoryReader, version string) *Server {
	s := &Server{
		mgr:     mgr,
		history: history,
		mcp:     server.NewMCPServer("portkilla", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	logging.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcp)
}

func typeEnum() []string {
	out := make([]string, 0, len(types.AllProcessTypes))
	for _, t := range types.AllProcessTypes {
		out = append(out, string(t))
	}
	return out
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_ports",
		mcp.WithDescription("List listening TCP ports with owning process, type, memory and project"),
		mcp.WithString("type", mcp.Description("Only ports of this process type"), mcp.Enum(typeEnum()...)),
		mcp.WithBoolean("killable", mcp.Description("Exclude protected processes")),
	), s.handleListPorts)

	s.mcp.AddTool(mcp.NewTool("list_test_processes",
		mcp.WithDescription("List running test-runner processes (jest, vitest, pytest, go test, ...)"),
	), s.handleListTests)

	s.mcp.AddTool(mcp.NewTool("refresh",
		mcp.WithDescription("Rescan listening ports and test processes"),
	), s.handleRefresh)

	s.mcp.AddTool(mcp.NewTool("kill_port",
		mcp.WithDescription("Terminate the process listening on a port and verify it exited"),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("TCP port")),
		mcp.WithNumber("pid", mcp.Description("Owner pid when several processes share the port")),
		mcp.WithBoolean("force", mcp.Description("Send SIGKILL instead of SIGTERM")),
		mcp.WithBoolean("tree", mcp.Description("Kill child processes first")),
	), s.handleKillPort)

	s.mcp.AddTool(mcp.NewTool("kill_all",
		mcp.WithDescription("Terminate every non-protected process of a type (all types when omitted)"),
		mcp.WithString("type", mcp.Description("Process type"), mcp.Enum(typeEnum()...)),
		mcp.WithBoolean("force", mcp.Description("Send SIGKILL instead of SIGTERM")),
	), s.handleKillAll)

	s.mcp.AddTool(mcp.NewTool("kill_test_process",
		mcp.WithDescription("Terminate a test-runner process"),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("Process id")),
		mcp.WithBoolean("force", mcp.Description("Send SIGKILL instead of SIGTERM")),
	), s.handleKillTest)

	s.mcp.AddTool(mcp.NewTool("list_protected",
		mcp.WithDescription("List protected process-name substrings exempt from bulk kills"),
	), s.handleListProtected)

	s.mcp.AddTool(mcp.NewTool("protect",
		mcp.WithDescription("Add a protected process-name substring"),
		mcp.WithString("rule", mcp.Required()),
	), s.handleProtect)

	s.mcp.AddTool(mcp.NewTool("unprotect",
		mcp.WithDescription("Remove a protected process-name substring"),
		mcp.WithString("rule", mcp.Required()),
	), s.handleUnprotect)

	s.mcp.AddTool(mcp.NewTool("history",
		mcp.WithDescription("Recent kill and watched-port detection events, newest first"),
	), s.handleHistory)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func parseType(req mcp.CallToolRequest) (types.ProcessType, error) {
	raw := req.GetString("type", "")
	if raw == "" {
		return "", nil
	}
	return types.ParseProcessType(raw)
}

func (s *Server) handleListPorts(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := parseType(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var ports []types.ListeningPort
	if req.GetBool("killable", false) {
		ports = s.mgr.KillablePorts(t)
	} else {
		for _, p := range s.mgr.Snapshot().Ports {
			if t == "" || p.Type == t {
				ports = append(ports, p)
			}
		}
	}
	if ports == nil {
		ports = []types.ListeningPort{}
	}
	return jsonResult(ports)
}

func (s *Server) handleListTests(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.mgr.Snapshot().Tests)
}

func (s *Server) handleRefresh(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.mgr.Refresh(ctx, false); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap := s.mgr.Snapshot()
	return mcp.NewToolResultText(fmt.Sprintf("Found %d ports (%s) and %d test processes (%s)",
		len(snap.Ports), snap.TotalPortsMemory(), len(snap.Tests), snap.TotalTestsMemory())), nil
}

func (s *Server) handleKillPort(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, err := req.RequireInt("port")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := s.mgr.ResolvePort(port, req.GetInt("pid", 0))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.mgr.KillPort(ctx, target, req.GetBool("force", false), req.GetBool("tree", false)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Killed %s (pid %d) on port %d", target.ProcessName, target.PID, target.Port)), nil
}

func (s *Server) handleKillAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := parseType(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := s.mgr.KillAllPorts(ctx, t, req.GetBool("force", false))

	failed := make(map[int]string, len(res.Failed))
	for pid, ferr := range res.Failed {
		failed[pid] = ferr.Error()
	}
	skipped := make([]string, 0, len(res.Skipped))
	for _, p := range res.Skipped {
		skipped = append(skipped, fmt.Sprintf("%s:%d", p.ProcessName, p.Port))
	}
	return jsonResult(map[string]any{
		"summary": res.Summary(),
		"killed":  res.Killed,
		"failed":  failed,
		"skipped": skipped,
	})
}

func (s *Server) handleKillTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, err := req.RequireInt("pid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	for _, tp := range s.mgr.Snapshot().Tests {
		if tp.PID != pid {
			continue
		}
		if err := s.mgr.KillTestProcess(ctx, tp, req.GetBool("force", false)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Killed test process %s (pid %d)", tp.ProcessName, pid)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("no test process with pid %d", pid)), nil
}

func (s *Server) handleListProtected(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.mgr.ProtectedRules())
}

func (s *Server) handleProtect(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rule, err := req.RequireString("rule")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	added, err := s.mgr.AddProtectedRule(rule)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !added {
		return mcp.NewToolResultText(fmt.Sprintf("%q is already protected or empty", rule)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Protected %q", rule)), nil
}

func (s *Server) handleUnprotect(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rule, err := req.RequireString("rule")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	removed, err := s.mgr.RemoveProtectedRule(rule)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !removed {
		return mcp.NewToolResultError(fmt.Sprintf("%q is not a protected rule", rule)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed %q", rule)), nil
}

func (s *Server) handleHistory(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return jsonResult([]types.HistoryEntry{})
	}
	entries, err := s.history.Entries(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}
