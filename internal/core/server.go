package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/api"
	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server runs the frontend and the metrics and admin HTTP endpoint.
type Server struct {
	cfg      *config.Config
	listener *Listener
	admin    *api.AdminAPI
	gatherer prometheus.Gatherer

	draining atomic.Bool
	wg       sync.WaitGroup

	httpServer *http.Server
	httpAddr   net.Addr
}

// NewServer creates a server. admin may be nil. Metrics are served from
// gatherer, or the default registry if it is nil.
func NewServer(cfg *config.Config, listener *Listener, admin *api.AdminAPI, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		listener: listener,
		admin:    admin,
		gatherer: gatherer,
	}
}

// Handler returns the HTTP handler for metrics, probes and the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler) // K8s Readiness Probe

	if s.admin != nil {
		adminMux := http.NewServeMux()
		s.admin.RegisterRoutes(adminMux)
		mux.Handle("/api/", middleware.CloudNativeMiddleware(adminMux))
	}
	return mux
}

// Start opens the frontend and, if enabled, the metrics server.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Metrics.Enabled {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", s.cfg.Metrics.ListenAddr)
		if err != nil {
			return err
		}

		s.httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.httpAddr = ln.Addr()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			xlog.Infof("Metrics server listening on %s", ln.Addr())
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				xlog.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	if err := s.listener.Start(ctx); err != nil {
		s.closeHTTP(ctx)
		return err
	}
	return nil
}

// HTTPAddr returns the address of the metrics server, or nil.
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// GracefulShutdown handles the shutdown process
func (s *Server) GracefulShutdown(ctx context.Context) {
	xlog.Infof("Entering Drain Mode...")

	// 1. Mark as Draining
	// This causes /ready to return 503, prompting K8s to remove this pod from endpoints
	s.draining.Store(true)

	// 2. Wait for K8s endpoints propagation
	if wait := s.cfg.Lifecycle.DrainWaitTime; wait > 0 {
		xlog.Infof("Waiting %v for K8s to deregister endpoints...", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}

	// 3. Stop accepting new connections
	s.listener.Stop()

	// 4. Wait for proxied connections to drain
	xlog.Infof("Waiting for active connections to drain...")
	if err := s.listener.Wait(ctx); err != nil {
		xlog.Warnf("Drain timed out, closing remaining connections: %v", err)
		s.listener.Abort()
		s.listener.Wait(context.Background())
	}

	// 5. Stop the HTTP server last so metrics stay available while draining
	s.closeHTTP(ctx)
	s.wg.Wait()
	xlog.Infof("Shutdown complete.")
}

func (s *Server) closeHTTP(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.httpServer.Close()
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler for K8s Readiness Probe
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		// In drain mode, return 503 to signal K8s to stop sending traffic
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
