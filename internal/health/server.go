// Package health provides the relay's HTTP health and metrics endpoints.
package health

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/dgram-relay/internal/logging"
	"github.com/postalsys/dgram-relay/internal/recovery"
	"github.com/postalsys/dgram-relay/internal/sysinfo"
)

// StatsProvider provides relay statistics.
type StatsProvider interface {
	// IsRunning returns true while the event loop is serving.
	IsRunning() bool

	// Stats returns a snapshot of relay counters.
	Stats() Stats
}

// Stats contains relay health statistics.
type Stats struct {
	Sessions          int           `json:"sessions"`
	SessionsAdmitted  uint64        `json:"sessions_admitted"`
	SessionsCollected uint64        `json:"sessions_collected"`
	PacketsReceived   uint64        `json:"packets_received"`
	PacketsSent       uint64        `json:"packets_sent"`
	BytesReceived     uint64        `json:"bytes_received"`
	BytesSent         uint64        `json:"bytes_sent"`
	PacketsDropped    uint64        `json:"packets_dropped"`
	RetriesSent       uint64        `json:"retries_sent"`
	Uptime            time.Duration `json:"-"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// TLSConfig serves HTTPS when set.
	TLSConfig *tls.Config

	// Gatherer backs /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With(slog.String(logging.KeyComponent, "health")),
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLSConfig,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "health")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server stopped", slog.String(logging.KeyError, err.Error()))
		}
	}()

	s.logger.Info("health server listening",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", s.cfg.TLSConfig != nil))
	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth handles the basic health check endpoint.
// Returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with JSON stats while serving, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	response := map[string]any{
		"status":               "healthy",
		"running":              true,
		"version":              sysinfo.Version,
		"system":               sysinfo.Collect(),
		"uptime":               stats.Uptime.Round(time.Second).String(),
		"sessions":             stats.Sessions,
		"sessions_admitted":    stats.SessionsAdmitted,
		"sessions_collected":   stats.SessionsCollected,
		"packets_received":     stats.PacketsReceived,
		"packets_sent":         stats.PacketsSent,
		"packets_dropped":      stats.PacketsDropped,
		"retries_sent":         stats.RetriesSent,
		"bytes_received":       stats.BytesReceived,
		"bytes_sent":           stats.BytesSent,
		"bytes_received_human": humanize.Bytes(stats.BytesReceived),
		"bytes_sent_human":     humanize.Bytes(stats.BytesSent),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// handleReady handles the readiness probe endpoint.
// Returns 200 once the relay is serving.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}
