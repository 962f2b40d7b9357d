package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/sugawarayuuta/sonnet"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status        string  `json:"status"`
	Mode          string  `json:"mode"`
	Connections   int64   `json:"connections"`
	Subscriptions int64   `json:"subscriptions"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	QueueDepth    int     `json:"worker_queue_depth,omitempty"`
}

func (s *Server) serveHTTP(addr string, handler http.Handler, name string) (net.Addr, *http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s listen: %w", name, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, name+"HTTP", nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("listener", name).Msg("HTTP server failed")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("listener", name).Msg("HTTP listener started")
	return ln.Addr(), srv, nil
}

func (s *Server) wsMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

func (s *Server) adminMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/report", s.handleReport)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{
		Status:        "ok",
		Mode:          string(s.cfg.Mode),
		Connections:   s.active.Load(),
		Subscriptions: s.registry.SubscriptionCount(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if s.pool != nil {
		status.QueueDepth = s.pool.QueueDepth()
	}
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		http.Error(w, "report not available", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report, err := s.reporter.Report(ctx)
	if err != nil {
		monitoring.LogError(s.logger, err, "Report failed", nil)
		http.Error(w, "report failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		monitoring.LogError(s.logger, err, "Failed to encode response", nil)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
