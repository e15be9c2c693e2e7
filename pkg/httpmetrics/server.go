// Package httpmetrics exposes a Metrics registry over HTTP in Prometheus
// text exposition format.
package httpmetrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opd-ai/torscan/pkg/logger"
	"github.com/opd-ai/torscan/pkg/metrics"
)

// Server serves a Metrics registry's /metrics endpoint.
type Server struct {
	address string
	metrics *metrics.Metrics
	logger  *logger.Logger
	server  *http.Server

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates an HTTP metrics server bound to address (e.g.
// "127.0.0.1:9191"), serving m's registry.
func NewServer(address string, m *metrics.Metrics, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()

	s := &Server{
		address: address,
		metrics: m,
		logger:  log.Component("httpmetrics"),
		ctx:     ctx,
		cancel:  cancel,
	}

	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleIndex)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	s.logger.Info("metrics server listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics server shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	s.logger.Info("metrics server stopped")
	return nil
}

// GetAddress returns the actual listening address, resolved after Start.
func (s *Server) GetAddress() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body><h1>torscan</h1><p><a href="/metrics">/metrics</a></p></body></html>`)
}
