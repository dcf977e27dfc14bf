// Package dashboard serves the local HTTP surface: a JSON API over the port
// manager, a websocket snapshot stream, a fallback HTML page and /metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/mukes555/PortKilla/src/internal/killer"
	"github.com/mukes555/PortKilla/src/internal/logging"
	"github.com/mukes555/PortKilla/src/internal/metrics"
	"github.com/mukes555/PortKilla/src/internal/portmanager"
	"github.com/mukes555/PortKilla/src/internal/types"
)

// DefaultAddr is the loopback address the watch daemon listens on.
const DefaultAddr = "127.0.0.1:7777"

const (
	writeTimeout  = 5 * time.Second
	actionTimeout = 30 * time.Second
)

// Manager is the port manager surface the dashboard drives.
type Manager interface {
	Snapshot() types.Snapshot
	Subscribe() (<-chan types.Snapshot, func())
	Refresh(ctx context.Context, showToast bool) error
	ResolvePort(port, pid int) (types.ListeningPort, error)
	KillPort(ctx context.Context, p types.ListeningPort, force, killTree bool) error
	KillAllPorts(ctx context.Context, t types.ProcessType, force bool) portmanager.BulkResult
	KillTestProcess(ctx context.Context, tp types.TestProcess, force bool) error
	ProtectedRules() []string
	AddProtectedRule(rule string) (bool, error)
	RemoveProtectedRule(rule string) (bool, error)
	DismissToast()
}

// HistoryReader lists recorded history, newest first.
type HistoryReader interface {
	Entries(ctx context.Context) ([]types.HistoryEntry, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	mgr     Manager
	history HistoryReader
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mux    *http.ServeMux
	server *http.Server

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopChan chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithHistory exposes GET /api/history.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics exposes GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit bounds mutating requests (refresh, kills, rule changes).
func WithRateLimit(l *rate.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// New creates a Server. Mutating endpoints allow 5 requests per second with a burst of 10 by default.
func New(mgr Manager, opts ...Option) *Server {
	s := &Server{
		mgr:      mgr,
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
		mux:      http.NewServeMux(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/refresh", s.limited(s.handleRefresh))
	s.mux.HandleFunc("POST /api/ports/{port}/kill", s.limited(s.handleKillPort))
	s.mux.HandleFunc("POST /api/kill-all", s.limited(s.handleKillAll))
	s.mux.HandleFunc("POST /api/tests/{pid}/kill", s.limited(s.handleKillTest))
	s.mux.HandleFunc("GET /api/protected", s.handleGetProtected)
	s.mux.HandleFunc("POST /api/protected", s.limited(s.handleAddProtected))
	s.mux.HandleFunc("DELETE /api/protected/{rule}", s.limited(s.handleRemoveProtected))
	s.mux.HandleFunc("DELETE /api/toast", s.handleDismissToast)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// killStatus maps a kill failure to an HTTP status.
func killStatus(err error) int {
	switch {
	case errors.Is(err, killer.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, portmanager.ErrNotTerminated):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.mgr.Refresh(ctx, true); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Snapshot())
}

// handleKillPort kills the owner of {port}. With several owning pids the
// caller must pick one through ?pid=.
func (s *Server) handleKillPort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid port %q", r.PathValue("port")))
		return
	}

	pid := 0
	if raw := r.URL.Query().Get("pid"); raw != "" {
		if pid, err = strconv.Atoi(raw); err != nil || pid <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid pid %q", raw))
			return
		}
	}

	target, err := s.mgr.ResolvePort(port, pid)
	switch {
	case errors.Is(err, portmanager.ErrPortNotListening):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, portmanager.ErrAmbiguousOwner):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.mgr.KillPort(ctx, target, queryBool(r, "force"), queryBool(r, "tree")); err != nil {
		writeError(w, killStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"port": target.Port, "pid": target.PID, "killed": true})
}

type bulkResponse struct {
	Requested []int          `json:"requested"`
	Killed    []int          `json:"killed"`
	Failed    map[int]string `json:"failed"`
	Skipped   []int          `json:"skipped"`
	Summary   string         `json:"summary"`
}

func newBulkResponse(res portmanager.BulkResult) bulkResponse {
	out := bulkResponse{
		Requested: append([]int{}, res.Requested...),
		Killed:    append([]int{}, res.Killed...),
		Failed:    make(map[int]string, len(res.Failed)),
		Skipped:   []int{},
		Summary:   res.Summary(),
	}
	for pid, err := range res.Failed {
		out.Failed[pid] = err.Error()
	}
	for _, p := range res.Skipped {
		out.Skipped = append(out.Skipped, p.Port)
	}
	return out
}

func (s *Server) handleKillAll(w http.ResponseWriter, r *http.Request) {
	var t types.ProcessType
	if raw := r.URL.Query().Get("type"); raw != "" {
		parsed, err := types.ParseProcessType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	res := s.mgr.KillAllPorts(ctx, t, queryBool(r, "force"))
	writeJSON(w, http.StatusOK, newBulkResponse(res))
}

func (s *Server) handleKillTest(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid pid %q", r.PathValue("pid")))
		return
	}

	tests := s.mgr.Snapshot().Tests
	i := slices.IndexFunc(tests, func(t types.TestProcess) bool { return t.PID == pid })
	if i < 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("no test process with pid %d", pid))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()
	if err := s.mgr.KillTestProcess(ctx, tests[i], queryBool(r, "force")); err != nil {
		writeError(w, killStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pid": pid, "killed": true})
}

func (s *Server) handleGetProtected(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"rules": s.mgr.ProtectedRules()})
}

func (s *Server) handleAddProtected(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rule string `json:"rule"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	added, err := s.mgr.AddProtectedRule(body.Rule)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"added": added, "rules": s.mgr.ProtectedRules()})
}

func (s *Server) handleRemoveProtected(w http.ResponseWriter, r *http.Request) {
	removed, err := s.mgr.RemoveProtectedRule(r.PathValue("rule"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, fmt.Errorf("rule %q not found", r.PathValue("rule")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true, "rules": s.mgr.ProtectedRules()})
}

func (s *Server) handleDismissToast(w http.ResponseWriter, _ *http.Request) {
	s.mgr.DismissToast()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []types.HistoryEntry{})
		return
	}
	entries, err := s.history.Entries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// event is the websocket message envelope.
type event struct {
	Type     string         `json:"type"`
	Snapshot types.Snapshot `json:"snapshot"`
}

// handleEvents streams every snapshot change over a websocket until the client
// goes away or the server stops. Only loopback origins are accepted.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		logging.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	updates, unsubscribe := s.mgr.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			_ = conn.Close(websocket.StatusGoingAway, "server stopping")
			return
		case snap, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "manager closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, event{Type: "snapshot", Snapshot: snap})
			cancel()
			if err != nil {
				logging.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

// handleIndex renders a minimal HTML view of the snapshot.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	snap := s.mgr.Snapshot()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>PortKilla</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: system-ui, -apple-system, sans-serif; max-width: 1200px; margin: 40px auto; padding: 20px; }
        h1 { color: #d13438; }
        table { border-collapse: collapse; width: 100%; }
        td, th { text-align: left; padding: 6px 10px; border-bottom: 1px solid #eee; }
        .muted { color: #666; font-size: 14px; }
    </style>
</head>
<body>
    <h1>PortKilla</h1>
`)
	fmt.Fprintf(w, "    <p class=\"muted\">%d ports (%s), %d test processes (%s)</p>\n",
		len(snap.Ports), html.EscapeString(snap.TotalPortsMemory()),
		len(snap.Tests), html.EscapeString(snap.TotalTestsMemory()))

	if len(snap.Ports) == 0 {
		fmt.Fprint(w, "    <p>No listening ports.</p>\n")
	} else {
		fmt.Fprint(w, "    <table>\n        <tr><th>Port</th><th>PID</th><th>Process</th><th>Type</th><th>Memory</th><th>Project</th></tr>\n")
		for _, p := range snap.Ports {
			fmt.Fprintf(w, "        <tr><td>%d</td><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
				p.Port, p.PID, html.EscapeString(p.ProcessName), html.EscapeString(p.Type.DisplayName()),
				html.EscapeString(p.MemoryUsage), html.EscapeString(p.ProjectName))
		}
		fmt.Fprint(w, "    </table>\n")
	}

	fmt.Fprint(w, `    <hr>
    <p class="muted"><a href="/api/snapshot">View JSON</a> | <a href="/api/history">History</a></p>
</body>
</html>`)
}

// Start listens on addr and serves in the background. When addr is taken it
// falls back to an ephemeral loopback port. It returns the base URL.
func (s *Server) Start(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return "", errors.New("dashboard already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logging.Warn("dashboard address unavailable, using an ephemeral port", "addr", addr, "err", err)
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", fmt.Errorf("failed to listen for dashboard: %w", err)
		}
	}

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("dashboard server error", "err", err)
		}
	}()
	s.started = true

	url := "http://" + ln.Addr().String()
	logging.Info("dashboard listening", "url", url)
	return url, nil
}

// Stop shuts the server down and closes open event streams. Safe to call
// multiple times; a stopped Server cannot be started again.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.stopped = true
	close(s.stopChan)
	return s.server.Shutdown(ctx)
}
