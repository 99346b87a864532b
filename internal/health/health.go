// Package health serves the liveness endpoint. Requests are not logged; load
// balancers poll it every few seconds.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Stats is a point-in-time snapshot rendered by /healthz.
type Stats struct {
	Users     int       `json:"users"`
	Sessions  int       `json:"sessions"`
	Memories  int       `json:"memories"`
	LastSync  time.Time `json:"last_sync,omitzero"`
	SyncError string    `json:"sync_error,omitempty"`
}

// Server answers 200 "OK" on / and a JSON snapshot on /healthz.
type Server struct {
	srv   *http.Server
	stats func() Stats
	log   *slog.Logger
}

func New(port int, stats func() Stats, log *slog.Logger) *Server {
	s := &Server{stats: stats, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("health endpoint listening", "addr", s.srv.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			fmt.Fprint(w, "OK")
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	payload := struct {
		OK bool `json:"ok"`
		Stats
	}{OK: true, Stats: s.stats()}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("healthz encode failed", "error", err)
	}
}
