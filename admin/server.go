// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

// Package admin exposes a mirror target's running state over plain HTTP:
// a liveness check, a snapshot of counters, and a live WebSocket stream of
// the outcomes the target counts (replays, duplicate drops, ack stages and
// idempotent administrative no-ops). None of it feeds back into replication
// decisions — it exists purely for an operator watching the link.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Config configures the admin HTTP server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
}

// Snapshotter reports the counters Stats exposes at /stats.
type Snapshotter interface {
	Snapshot() Stats
}

// Server serves the admin HTTP surface.
type Server struct {
	config Config
	stats  Snapshotter
	stream *EventStream
	logger *slog.Logger
	server *http.Server
}

// New constructs a Server. stream may be nil, in which case /events/stream
// responds 404.
func New(cfg Config, stats Snapshotter, stream *EventStream, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{config: cfg, stats: stats, stream: stream, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	if stream != nil {
		mux.HandleFunc("/events/stream", stream.handleWebSocket)
	}

	s.server = &http.Server{
		Addr:      cfg.Addr,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}
	return s
}

// Listen blocks serving the admin surface until ctx is cancelled, then
// shuts the HTTP server down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("admin_server_starting", slog.String("addr", s.config.Addr))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("admin_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("admin_server_shutdown_error", "error", err)
			return err
		}
		s.logger.Info("admin_server_stopped")
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.stats.Snapshot()); err != nil {
		s.logger.Error("admin_stats_encode_error", "error", err)
	}
}
