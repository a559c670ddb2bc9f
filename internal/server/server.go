// Package server provides the daqd HTTP status server.
//
// Endpoints:
//
//	GET /metrics           Prometheus text: engine, acquisition and process metrics
//	GET /status            JSON snapshot of engines, sources and history
//	GET /latest/{source}   JSON map key → most recent reading
//	GET /summary/{source}  JSON per-key statistics over the retained history
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/daqstore/config"
	"github.com/xtxerr/daqstore/internal/acquisition"
	"github.com/xtxerr/daqstore/internal/errors"
	"github.com/xtxerr/daqstore/internal/history"
	"github.com/xtxerr/daqstore/internal/logging"
	"github.com/xtxerr/daqstore/internal/storage"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "127.0.0.1:9464").
	Listen string

	// Engines are reported by /status and /metrics.
	Engines []*storage.Engine

	// Loop and History are optional.
	Loop    *acquisition.Loop
	History *history.Registry

	// RunID and Version identify the daemon in /status.
	RunID   string
	Version string
}

// =============================================================================
// Server
// =============================================================================

// Server serves the status endpoints.
type Server struct {
	cfg     Config
	started time.Time

	// concurrent /status requests share one snapshot
	group singleflight.Group

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// New creates a new server.
func New(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultStatusListen
	}
	return &Server{cfg: cfg, started: time.Now()}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /latest/{source}", s.handleLatest)
	mux.HandleFunc("GET /summary/{source}", s.handleSummary)
	return mux
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Listen)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.DefaultStatusReadTimeout,
	}

	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.mu.Unlock()

	log.Info("listening", "address", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultStatusReadTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown status server")
	}
	<-errc
	log.Info("stopped")
	return nil
}

// Addr returns the listening address, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, e := range s.cfg.Engines {
		e.WriteMetrics(w)
	}
	if s.cfg.Loop != nil {
		s.cfg.Loop.WriteMetrics(w)
	}
	metrics.WriteProcessMetrics(w)
}

// Status is the /status document.
type Status struct {
	RunID       string                    `json:"run_id,omitempty"`
	Version     string                    `json:"version,omitempty"`
	Uptime      string                    `json:"uptime"`
	Engines     []storage.Stats           `json:"engines"`
	Sources     []acquisition.SourceStats `json:"sources,omitempty"`
	StoreErrors int64                     `json:"store_errors"`
	History     []history.Source          `json:"history,omitempty"`
}

// Snapshot collects the current status.
func (s *Server) Snapshot() Status {
	st := Status{
		RunID:   s.cfg.RunID,
		Version: s.cfg.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Engines: make([]storage.Stats, 0, len(s.cfg.Engines)),
	}
	for _, e := range s.cfg.Engines {
		st.Engines = append(st.Engines, e.Stats())
	}
	if s.cfg.Loop != nil {
		st.Sources = s.cfg.Loop.Stats()
		st.StoreErrors = s.cfg.Loop.StoreErrors()
	}
	if s.cfg.History != nil {
		st.History = s.cfg.History.Sources()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	v, _, _ := s.group.Do("status", func() (any, error) {
		return s.Snapshot(), nil
	})
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	source := r.PathValue("source")
	latest, ok := s.cfg.History.Latest(source)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source "+source)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	summary, err := s.cfg.History.Summary(r.PathValue("source"))
	if errors.Is(err, errors.ErrSourceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
