// Package statusapi serves the read-only operational endpoints: prometheus
// metrics, a health check, and JSON snapshots of pool and limiter state.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nipgate/nipgate/logger"
	"github.com/nipgate/nipgate/server/httpproxy"
)

// Options holds the status listener configuration.
type Options struct {
	Addr string

	// APIKey, when non-empty, is required in the X-API-Key header for the
	// /status routes. /metrics and /healthz stay open for scrapers.
	APIKey string
}

// Server is the status/metrics HTTP listener.
type Server struct {
	addr       string
	apiKey     string
	proxy      *httpproxy.Server
	httpServer *http.Server
}

// New creates the status server for a proxy instance.
func New(proxy *httpproxy.Server, options Options) (*Server, error) {
	if options.Addr == "" {
		return nil, fmt.Errorf("status listener address is required")
	}

	s := &Server{
		addr:   options.Addr,
		apiKey: options.APIKey,
		proxy:  proxy,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	status := router.PathPrefix("/status").Subrouter()
	status.Use(s.authMiddleware)
	status.HandleFunc("/pool", s.handlePool).Methods("GET")
	status.HandleFunc("/connections", s.handleConnections).Methods("GET")

	s.httpServer = &http.Server{
		Addr:              options.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Start binds and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status listener failed to bind %s: %w", s.addr, err)
	}

	logger.Info("Status API listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.proxy.PoolStats())
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.proxy.LimiterStats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Status API: failed to encode response", "error", err)
	}
}
