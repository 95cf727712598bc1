// Package health exposes optional HTTP status endpoints for the bridge:
// liveness, readiness, and a stats snapshot of the running session.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Snapshot is the point-in-time state reported on /stats. The provider
// reads the interface registry under its lock and must not block.
type Snapshot struct {
	SessionState   string           `json:"session_state"`
	SinkState      string           `json:"sink_state"`
	QueueDepth     int              `json:"queue_depth"`
	RecordsWritten uint64           `json:"records_written"`
	Interfaces     []InterfaceStats `json:"interfaces"`
}

// InterfaceStats mirrors one registry entry.
type InterfaceStats struct {
	ID        uint32 `json:"sw_if_index"`
	Name      string `json:"name"`
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
}

// Server provides health, readiness, and stats HTTP endpoints.
type Server struct {
	logger   *zap.Logger
	addr     string
	version  string
	snapshot func() Snapshot
	ready    atomic.Bool
	started  time.Time
	server   *http.Server
}

// NewServer creates a health server. snapshot is called on every /stats
// request.
func NewServer(addr, version string, snapshot func() Snapshot, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		version:  version,
		snapshot: snapshot,
		logger:   logger,
	}
}

// SetReady marks the bridge session as active.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start begins serving endpoints.
func (s *Server) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s.started = time.Now()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
