package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusus/envy/errors"
)

// ReadinessCheck reports whether a dependency is healthy
type ReadinessCheck func(ctx context.Context) error

// Server exposes /metrics and /healthz on a dedicated port
type Server struct {
	port   int
	server *http.Server
	reg    *Registry
	checks map[string]ReadinessCheck
	logger *slog.Logger
	mu     sync.Mutex
}

// NewServer creates a metrics server; checks gate the /healthz response
func NewServer(port int, reg *Registry, checks map[string]ReadinessCheck, logger *slog.Logger) *Server {
	if port == 0 {
		port = 9090
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{port: port, reg: reg, checks: checks, logger: logger}
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "metrics server")
	}
	if s.reg == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Listener failure is terminal for observability only, not the
			// reconciliation path
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "%s: %v\n", name, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
