// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the admission pipeline over HTTP: a forward-auth
// endpoint, an optional admitting reverse proxy, and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/hector-gate/pkg/admission"
	"github.com/kadirpekel/hector-gate/pkg/config"
	"github.com/kadirpekel/hector-gate/pkg/observability"
	"github.com/kadirpekel/hector-gate/pkg/ratelimit"
)

// AdmitPath is the forward-auth endpoint.
const AdmitPath = "/admit"

// Pinger is implemented by quota stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Config   *config.Config
	Pipeline *admission.Pipeline

	// Metrics and Tracer may be nil.
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Store backs the readiness check when it implements Pinger.
	Store ratelimit.Store

	Logger *slog.Logger
}

// Server is the HTTP front of the admission layer.
type Server struct {
	cfg      config.ServerConfig
	metrics  config.MetricsConfig
	ipCreds  bool
	pipeline *admission.Pipeline
	om       *observability.Metrics
	tracer   *observability.Tracer
	store    ratelimit.Store
	logger   *slog.Logger
	proxy    http.Handler

	handler    atomic.Pointer[http.Handler]
	httpServer *http.Server
}

// New builds the server and its initial router.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		cfg:      opts.Config.Server,
		metrics:  opts.Config.Observability.Metrics,
		ipCreds:  !opts.Config.Auth.IsEnabled(),
		pipeline: opts.Pipeline,
		om:       opts.Metrics,
		tracer:   opts.Tracer,
		store:    opts.Store,
		logger:   opts.Logger,
	}

	if s.cfg.Upstream != "" {
		proxy, err := newProxy(s.cfg.Upstream, s.logger)
		if err != nil {
			return nil, err
		}
		s.proxy = proxy
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// ServeHTTP dispatches to the current router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.handler.Load()).ServeHTTP(w, r)
}

// Reload rebuilds the router from the pipeline's current policies. Requests
// already being served finish on the old router.
func (s *Server) Reload() error {
	h, err := s.routes()
	if err != nil {
		return err
	}
	s.handler.Store(&h)
	return nil
}

func (s *Server) routes() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.ipCreds {
		r.Use(middleware.RealIP)
	}
	r.Use(observability.HTTPMiddleware(s.tracer, s.om))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.om != nil && s.metrics.IsEnabled() {
		r.Method(http.MethodGet, s.metrics.Endpoint, s.om.Handler())
	}

	httpOpts := admission.HTTPOptions{
		ExcludePaths:       s.cfg.ExcludePaths,
		ClientIPCredential: s.ipCreds,
		Logger:             s.logger,
	}
	forward := admission.Handler(s.pipeline, httpOpts)
	r.Get(AdmitPath, forward.ServeHTTP)
	r.Post(AdmitPath, forward.ServeHTTP)

	if s.proxy == nil {
		return r, nil
	}

	// Each configured pattern is mounted for every method so that the
	// route seen by the pipeline is "METHOD pattern". Methods without a
	// policy of their own fall back to the default policy.
	admit := admission.Middleware(s.pipeline, httpOpts)
	prefix := strings.TrimSuffix(s.cfg.ProxyPrefix, "/")
	mounted := make(map[string]bool)
	for _, route := range s.pipeline.Policies().Routes() {
		pattern, ok := httpPattern(route)
		if !ok || mounted[pattern] || !strings.HasPrefix(pattern, prefix+"/") {
			continue
		}
		if err := mount(r.With(admit), pattern, s.proxy); err != nil {
			return nil, fmt.Errorf("route %q: %w", route, err)
		}
		mounted[pattern] = true
	}
	if !mounted[prefix+"/*"] {
		r.With(admit).Handle(prefix+"/*", s.proxy)
	}
	if prefix != "" && !mounted[prefix] {
		r.With(admit).Handle(prefix, s.proxy)
	}

	return r, nil
}

// mount recovers chi's panics on malformed patterns.
func mount(r chi.Router, pattern string, h http.Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	r.Handle(pattern, h)
	return nil
}

var httpMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// httpPattern returns the path pattern of a "METHOD /pattern" route key.
// gRPC method names are not HTTP routes.
func httpPattern(route string) (string, bool) {
	method, pattern, found := strings.Cut(strings.TrimSpace(route), " ")
	if !found {
		return "", false
	}
	pattern = strings.TrimSpace(pattern)
	if !httpMethods[strings.ToUpper(method)] || !strings.HasPrefix(pattern, "/") {
		return "", false
	}
	return pattern, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("Readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("HTTP server starting", "address", ln.Addr().String(),
		"upstream", s.cfg.Upstream, "auth", !s.ipCreds)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("HTTP server shutting down")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		return nil
	}
}
