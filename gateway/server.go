// Package gateway is the HTTP surface of the control plane: job
// submission, queries, the approval endpoint, the worker callback ingress,
// and the per-job websocket stream. The gateway holds no job state of its
// own; every operation delegates to the engine or the store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/icarus-hq/icarus/core"
	"github.com/icarus-hq/icarus/logger"
	"github.com/icarus-hq/icarus/sentinel"
	"github.com/icarus-hq/icarus/status"
)

// ServerOpts provides a way to configure a Server.
type ServerOpts func(*Server)

// WithCORSOrigins sets the origins browsers may call us from.
func WithCORSOrigins(origins []string) ServerOpts {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithListLimits overrides the default and maximum page size of GET /jobs.
func WithListLimits(def, max int) ServerOpts {
	return func(s *Server) {
		s.defaultListLimit = def
		s.maxListLimit = max
	}
}

// Server serves the control plane API on one address.
type Server struct {
	logger   logger.Logger
	engine   *core.Engine
	sentinel sentinel.Source

	addr             string
	corsOrigins      []string
	defaultListLimit int
	maxListLimit     int

	httpServer *http.Server
}

func NewServer(l logger.Logger, engine *core.Engine, sent sentinel.Source, addr string, opts ...ServerOpts) *Server {
	s := &Server{
		logger:           l,
		engine:           engine,
		sentinel:         sent,
		addr:             addr,
		defaultListLimit: 50,
		maxListLimit:     200,
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// router mounts every endpoint with the middleware stack.
func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		s.requestLogger,
	)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}

	r.Get("/", s.getHealth)
	r.Get("/sentinel", s.getSentinel)
	r.Method("GET", "/metrics", promhttp.Handler())
	r.Get("/debug/status", status.Handle)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/spawn", s.postSpawn)
		r.Get("/", s.getJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", s.getJobStatus)
			r.Get("/telemetry", s.getJobTelemetry)
			r.Get("/audit", s.getJobAudit)
			r.Post("/approve", s.postApprove)
			r.Post("/callback", s.postCallback)
			r.Get("/stream", s.getStream)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding gateway to %s: %w", s.addr, err)
	}
	s.logger.Info("Gateway listening on http://%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Gateway stopped")
	return ctx.Err()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		defer func() {
			s.logger.Debug("Gateway:\t%s\t%s\t%s", r.Method, r.URL.Path, time.Since(t))
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response body with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsonEncode(w, v); err != nil {
		s.logger.Warn("Gateway: encoding response: %v", err)
	}
}

// writeError maps engine error kinds onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, core.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, core.ErrSaturated), errors.Is(err, core.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Gateway: %v", err)
	}
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
