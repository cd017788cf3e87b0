// Package httpapi exposes the bridge's statistics as a small embedded
// HTTP control surface: a JSON stats endpoint and a liveness probe.
// It is "out of scope" as a streaming-plane component per the spec, but
// the ambient observability stack is carried regardless, in the
// teacher's own HTTP-server-lifecycle idiom.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ndibridge/bridge/stats"
)

// StatsProvider is implemented by the sender/receiver orchestrator to
// supply the current snapshot for /api/stats.
type StatsProvider interface {
	Snapshot() stats.Snapshot
}

// Server is a thin wrapper around http.Server exposing the bridge's
// stats endpoints.
type Server struct {
	log    *slog.Logger
	http   *http.Server
	source StatsProvider
}

// New builds a Server bound to addr. It does not start listening until
// Start is called.
func New(addr string, source StatsProvider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "httpapi")

	s := &Server{log: log, source: source}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/healthz", s.handleHealthz)

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Snapshot()); err != nil {
		s.log.Warn("failed to encode stats response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully with a 5-second timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("stats API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("httpapi: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
