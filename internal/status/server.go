// Package status implements the optional read-only StatusServer, spec.md
// §2's ~5% component: a minimal HTTP surface exposing liveness and basic
// counters, grounded on web_interface.py's stats dashboard but trimmed to
// the JSON-only, no-template surface spec.md §1 scopes it to.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Stats is the mutable counter set exposed at /stats. Every field is
// updated from live traffic by Bridge, ConnectionManager, and
// TracerouteManager — see their stats wiring — so /stats reflects the
// running process rather than a static snapshot.
type Stats struct {
	packetsReceived  atomic.Int64
	packetsPublished atomic.Int64
	decodeFailures   atomic.Int64
	traceroutesSent  atomic.Int64

	mu                  sync.RWMutex
	connected           bool
	lastUpdate          time.Time
	nodesTracked        int
	tracerouteQueued    int
	tracerouteBackedOff int
}

// IncPacketsReceived records an inbound radio packet.
func (s *Stats) IncPacketsReceived() { s.packetsReceived.Add(1) }

// IncPacketsPublished records a successful MQTT publish.
func (s *Stats) IncPacketsPublished() { s.packetsPublished.Add(1) }

// IncDecodeFailures records a dropped, undecodable packet.
func (s *Stats) IncDecodeFailures() { s.decodeFailures.Add(1) }

// IncTraceroutesSent records a traceroute send attempt.
func (s *Stats) IncTraceroutesSent() { s.traceroutesSent.Add(1) }

// SetConnected updates the radio's last-known connection state.
func (s *Stats) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	s.lastUpdate = time.Now()
}

// SetNodesTracked updates the count NodeCache currently holds.
func (s *Stats) SetNodesTracked(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodesTracked = n
}

// SetTracerouteQueueSize updates the count of traceroute jobs waiting in the
// queue.
func (s *Stats) SetTracerouteQueueSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracerouteQueued = n
}

// SetTracerouteBackedOff updates the count of nodes presently serving out a
// traceroute failure backoff.
func (s *Stats) SetTracerouteBackedOff(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracerouteBackedOff = n
}

func (s *Stats) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"packetsReceived":     s.packetsReceived.Load(),
		"packetsPublished":    s.packetsPublished.Load(),
		"decodeFailures":      s.decodeFailures.Load(),
		"traceroutesSent":     s.traceroutesSent.Load(),
		"connected":           s.connected,
		"nodesTracked":        s.nodesTracked,
		"tracerouteQueued":    s.tracerouteQueued,
		"tracerouteBackedOff": s.tracerouteBackedOff,
		"lastUpdate":          s.lastUpdate,
	}
}

// Server is a read-only HTTP status endpoint. It never accepts writes to
// core state; this is strictly an observability surface.
type Server struct {
	addr   string
	stats  *Stats
	log    *log.Logger
	srv    *http.Server
}

// NewServer constructs a Server bound to addr (e.g. ":8080") sharing stats.
func NewServer(addr string, stats *Stats) *Server {
	s := &Server{addr: addr, stats: stats, log: log.With("component", "status")}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("status server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.snapshot())
}
