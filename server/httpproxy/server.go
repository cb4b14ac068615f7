// Package httpproxy implements the hostname-addressed HTTP reverse proxy.
// The destination of every request is decoded from the first label of its
// Host header; see package hostip for the encoding.
package httpproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nipgate/nipgate/logger"
	"github.com/nipgate/nipgate/pkg/metrics"
	"github.com/nipgate/nipgate/server"
	"github.com/nipgate/nipgate/server/hostip"
)

// ServerOptions holds the proxy server configuration.
type ServerOptions struct {
	Name                  string
	Debug                 bool
	HostSuffix            string
	DefaultPort           int
	Policy                hostip.Policy
	ConnectTimeout        time.Duration
	IdleTimeout           time.Duration
	ReadHeaderTimeout     time.Duration
	MaxIdleConnAge        time.Duration
	MaxIdlePerDestination int
	MaxConnections        int
	MaxConnectionsPerIP   int
	TrustedNetworks       []string
}

// Server accepts client connections and runs one ProxySession per
// connection until the context is canceled.
type Server struct {
	name              string
	addr              string
	hostname          string
	debug             bool
	appCtx            context.Context
	cancel            context.CancelFunc
	listener          net.Listener
	codec             *hostip.Codec
	pool              *ConnectionPool
	limiter           *server.ConnectionLimiter
	idleTimeout       time.Duration
	readHeaderTimeout time.Duration
	wg                sync.WaitGroup

	sessionsMutex  sync.Mutex
	activeSessions map[*ProxySession]struct{}
}

// New creates a proxy server. The hostname identifies this node in logs.
func New(appCtx context.Context, hostname, addr string, options ServerOptions) (*Server, error) {
	name := options.Name
	if name == "" {
		name = "nipgate"
	}
	if options.DefaultPort == 0 {
		options.DefaultPort = 80
	}
	if options.DefaultPort < 1 || options.DefaultPort > 65535 {
		return nil, fmt.Errorf("invalid default port %d", options.DefaultPort)
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = 10 * time.Second
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = 60 * time.Second
	}
	if options.ReadHeaderTimeout <= 0 {
		options.ReadHeaderTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(appCtx)

	s := &Server{
		name:     name,
		addr:     addr,
		hostname: hostname,
		debug:    options.Debug,
		appCtx:   ctx,
		cancel:   cancel,
		codec: &hostip.Codec{
			Suffix:      options.HostSuffix,
			DefaultPort: uint16(options.DefaultPort),
			Policy:      options.Policy,
		},
		pool:              NewConnectionPool(options.ConnectTimeout, options.MaxIdleConnAge, options.MaxIdlePerDestination),
		limiter:           server.NewConnectionLimiter(name, options.MaxConnections, options.MaxConnectionsPerIP, options.TrustedNetworks),
		idleTimeout:       options.IdleTimeout,
		readHeaderTimeout: options.ReadHeaderTimeout,
		activeSessions:    make(map[*ProxySession]struct{}),
	}

	return s, nil
}

// Start binds the configured address and serves until shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(listener)
}

// Serve runs the accept loop on an existing listener. It returns nil when
// the server context is canceled.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	logger.Info("HTTP proxy listening", "name", s.name, "addr", listener.Addr().String(), "host", s.hostname)

	s.pool.Run(s.appCtx)
	s.limiter.StartCleanup(s.appCtx)
	go s.monitorActiveSessions()

	// Unblock Accept on shutdown
	go func() {
		<-s.appCtx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				return nil
			default:
			}
			if server.IsConnectionError(err) {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues(s.name).Inc()
			logger.Warn("Connection rejected by limiter", "name", s.name, "remote", server.GetAddrString(conn.RemoteAddr()), "error", err)
			writeErrorResponse(conn, http.StatusServiceUnavailable, "server busy")
			conn.Close()
			continue
		}

		metrics.ConnectionsTotal.WithLabelValues(s.name).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(s.name).Inc()

		sess := newSession(s, conn, releaseConn)
		s.registerSession(sess)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Panic in proxy session",
						"name", s.name,
						"remote", server.GetAddrString(conn.RemoteAddr()),
						"panic", r,
						"stack", string(debug.Stack()))
					sess.close()
				}
			}()
			sess.handle()
		}()
	}
}

// Stop drains active sessions with a bounded wait, then closes the pool.
func (s *Server) Stop() error {
	logger.Info("Stopping HTTP proxy", "name", s.name)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All proxy sessions finished", "name", s.name)
	case <-time.After(30 * time.Second):
		logger.Warn("Timeout waiting for proxy sessions, forcing close", "name", s.name, "active", s.sessionCount())
		s.closeAllSessions()
	}

	s.pool.Close()
	return nil
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// PoolStats exposes connection pool state for the status API.
func (s *Server) PoolStats() PoolStats {
	return s.pool.Stats()
}

// LimiterStats exposes connection limiter state for the status API.
func (s *Server) LimiterStats() server.ConnectionStats {
	return s.limiter.GetStats()
}

func (s *Server) registerSession(sess *ProxySession) {
	s.sessionsMutex.Lock()
	s.activeSessions[sess] = struct{}{}
	s.sessionsMutex.Unlock()
}

func (s *Server) unregisterSession(sess *ProxySession) {
	s.sessionsMutex.Lock()
	delete(s.activeSessions, sess)
	s.sessionsMutex.Unlock()
}

func (s *Server) sessionCount() int {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()
	return len(s.activeSessions)
}

func (s *Server) closeAllSessions() {
	s.sessionsMutex.Lock()
	sessions := make([]*ProxySession, 0, len(s.activeSessions))
	for sess := range s.activeSessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMutex.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// monitorActiveSessions periodically logs the active session count.
func (s *Server) monitorActiveSessions() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.appCtx.Done():
			return
		case <-ticker.C:
			if count := s.sessionCount(); count > 0 {
				logger.Info("Active proxy sessions", "name", s.name, "count", count)
			}
		}
	}
}
