// Package status implements the optional HTTP status endpoint for a
// running federate: a JSON snapshot of the coordination state, a
// Prometheus-compatible /metrics exposition, and a health check. The
// endpoint is read-only and intended for local operators; it exposes
// instance-level counters and gauges without requiring an external
// dependency on the Prometheus Go client library.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wan-ninjas/lockstep/internal/federate"
)

// Source is the slice of the federate service the endpoint reads from.
type Source interface {
	Status() federate.Snapshot
	MetricsCounters() *federate.Metrics
}

// ServerConfig carries the status endpoint settings.
type ServerConfig struct {
	Listen string
	Source Source
	Logger *slog.Logger
}

// Server serves /healthz, /status and /metrics.
type Server struct {
	cfg       ServerConfig
	logger    *slog.Logger
	httpSrv   *http.Server
	startTime time.Time
}

// NewServer creates the status server; Start brings it up.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("status endpoint listening", slog.String("addr", s.cfg.Listen))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Source.Status()); err != nil {
		s.logger.Error("encoding status snapshot", slog.String("error", err.Error()))
	}
}

// handleMetrics exposes Prometheus-compatible metrics in text exposition
// format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.cfg.Source.MetricsCounters()
	snap := s.cfg.Source.Status()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP lockstep_messages_sent_total Total untimed messages sent to peers.\n")
	fmt.Fprintf(w, "# TYPE lockstep_messages_sent_total counter\n")
	fmt.Fprintf(w, "lockstep_messages_sent_total %d\n\n", m.MessagesSent.Load())

	fmt.Fprintf(w, "# HELP lockstep_timed_messages_sent_total Total timed messages sent to peers.\n")
	fmt.Fprintf(w, "# TYPE lockstep_timed_messages_sent_total counter\n")
	fmt.Fprintf(w, "lockstep_timed_messages_sent_total %d\n\n", m.TimedMessagesSent.Load())

	fmt.Fprintf(w, "# HELP lockstep_messages_received_total Total untimed messages received.\n")
	fmt.Fprintf(w, "# TYPE lockstep_messages_received_total counter\n")
	fmt.Fprintf(w, "lockstep_messages_received_total %d\n\n", m.MessagesReceived.Load())

	fmt.Fprintf(w, "# HELP lockstep_timed_messages_received_total Total timed messages received.\n")
	fmt.Fprintf(w, "# TYPE lockstep_timed_messages_received_total counter\n")
	fmt.Fprintf(w, "lockstep_timed_messages_received_total %d\n\n", m.TimedMessagesReceived.Load())

	fmt.Fprintf(w, "# HELP lockstep_nets_sent_total Total NEXT_EVENT_TIME requests sent to the RTI.\n")
	fmt.Fprintf(w, "# TYPE lockstep_nets_sent_total counter\n")
	fmt.Fprintf(w, "lockstep_nets_sent_total %d\n\n", m.NetsSent.Load())

	fmt.Fprintf(w, "# HELP lockstep_tags_received_total Total time advance grants received.\n")
	fmt.Fprintf(w, "# TYPE lockstep_tags_received_total counter\n")
	fmt.Fprintf(w, "lockstep_tags_received_total %d\n\n", m.TagsReceived.Load())

	fmt.Fprintf(w, "# HELP lockstep_ltcs_sent_total Total LOGICAL_TIME_COMPLETE messages sent.\n")
	fmt.Fprintf(w, "# TYPE lockstep_ltcs_sent_total counter\n")
	fmt.Fprintf(w, "lockstep_ltcs_sent_total %d\n\n", m.LTCsSent.Load())

	fmt.Fprintf(w, "# HELP lockstep_stops_received_total Total STOP messages received.\n")
	fmt.Fprintf(w, "# TYPE lockstep_stops_received_total counter\n")
	fmt.Fprintf(w, "lockstep_stops_received_total %d\n\n", m.StopsReceived.Load())

	fmt.Fprintf(w, "# HELP lockstep_last_granted_tag Most recent time advance grant in nanoseconds.\n")
	fmt.Fprintf(w, "# TYPE lockstep_last_granted_tag gauge\n")
	fmt.Fprintf(w, "lockstep_last_granted_tag %d\n\n", snap.LastGrantedTag)

	fmt.Fprintf(w, "# HELP lockstep_tag_pending Whether a NEXT_EVENT_TIME awaits its grant.\n")
	fmt.Fprintf(w, "# TYPE lockstep_tag_pending gauge\n")
	fmt.Fprintf(w, "lockstep_tag_pending %d\n\n", boolToInt(snap.TagPending))

	fmt.Fprintf(w, "# HELP lockstep_stop_requested Whether a federation stop is in progress.\n")
	fmt.Fprintf(w, "# TYPE lockstep_stop_requested gauge\n")
	fmt.Fprintf(w, "lockstep_stop_requested %d\n\n", boolToInt(snap.StopRequested))

	fmt.Fprintf(w, "# HELP lockstep_inbound_peers Connected inbound peers.\n")
	fmt.Fprintf(w, "# TYPE lockstep_inbound_peers gauge\n")
	fmt.Fprintf(w, "lockstep_inbound_peers %d\n\n", len(snap.InboundPeers))

	fmt.Fprintf(w, "# HELP lockstep_outbound_peers Connected outbound peers.\n")
	fmt.Fprintf(w, "# TYPE lockstep_outbound_peers gauge\n")
	fmt.Fprintf(w, "lockstep_outbound_peers %d\n\n", len(snap.OutboundPeers))

	fmt.Fprintf(w, "# HELP lockstep_goroutines Current number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE lockstep_goroutines gauge\n")
	fmt.Fprintf(w, "lockstep_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP lockstep_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE lockstep_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "lockstep_memory_alloc_bytes %d\n\n", mem.Alloc)

	uptime := time.Since(s.startTime).Seconds()
	fmt.Fprintf(w, "# HELP lockstep_uptime_seconds Time since the status server started.\n")
	fmt.Fprintf(w, "# TYPE lockstep_uptime_seconds gauge\n")
	fmt.Fprintf(w, "lockstep_uptime_seconds %f\n", uptime)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
