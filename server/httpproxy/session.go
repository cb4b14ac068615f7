package httpproxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nipgate/nipgate/pkg/metrics"
	"github.com/nipgate/nipgate/server"
	"github.com/nipgate/nipgate/server/hostip"
)

// ProxySession owns one client connection and dispatches the requests
// arriving on it. Each request runs the same sequence: parse the head,
// decode the destination from the Host label, borrow an upstream
// connection, relay, release.
type ProxySession struct {
	server.ProxySessionLogger

	proxy       *Server
	clientConn  net.Conn
	clientR     *bufio.Reader
	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time

	mu     sync.Mutex
	closed bool
}

func newSession(s *Server, conn net.Conn, releaseConn func()) *ProxySession {
	ctx, cancel := context.WithCancel(s.appCtx)
	sess := &ProxySession{
		proxy:       s,
		clientConn:  conn,
		clientR:     bufio.NewReaderSize(conn, 32*1024),
		ctx:         ctx,
		cancel:      cancel,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}
	sess.ProxySessionLogger = server.ProxySessionLogger{
		Protocol:   "http",
		ServerName: s.name,
		ClientConn: conn,
		Debug:      s.debug,
	}
	return sess
}

// handle runs the keep-alive request loop until the client disconnects,
// an error forces a close, or the server shuts down.
func (s *ProxySession) handle() {
	defer s.close()

	s.DebugLog("Client connected")

	requests := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.proxy.readHeaderTimeout > 0 {
			s.clientConn.SetReadDeadline(time.Now().Add(s.proxy.readHeaderTimeout))
		}

		req, err := readRequestHead(s.clientR)
		if err != nil {
			if server.IsConnectionError(err) {
				s.DebugLog("Client disconnected", "requests", requests)
			} else {
				s.WarnLog("Failed to parse request", "error", err)
				writeErrorResponse(s.clientConn, http.StatusBadRequest, "malformed request")
			}
			return
		}
		requests++

		if !s.handleRequest(req) {
			return
		}
	}
}

// handleRequest relays a single request. It returns true when the client
// connection may carry another request.
func (s *ProxySession) handleRequest(req *requestHead) bool {
	start := time.Now()

	dest, err := s.proxy.codec.Decode(req.Host)
	if err != nil {
		// The request body, if any, was never consumed, so the client
		// connection is not at a message boundary and must close.
		if errors.Is(err, hostip.ErrPolicyRejected) {
			metrics.DecodeFailures.WithLabelValues("policy").Inc()
			s.WarnLog("Destination rejected by policy", "host", req.Host, "error", err)
			writeErrorResponse(s.clientConn, http.StatusForbidden, "destination not allowed")
		} else {
			metrics.DecodeFailures.WithLabelValues("malformed").Inc()
			s.DebugLog("Host does not encode a destination", "host", req.Host, "error", err)
			writeErrorResponse(s.clientConn, http.StatusBadRequest, "hostname does not encode a destination")
		}
		return false
	}

	pc, err := s.proxy.pool.Acquire(s.ctx, dest)
	if err != nil {
		var connectErr *ConnectError
		if errors.As(err, &connectErr) && connectErr.Timeout {
			writeErrorResponse(s.clientConn, http.StatusGatewayTimeout, "upstream connection timed out")
		} else {
			writeErrorResponse(s.clientConn, http.StatusBadGateway, "upstream unreachable")
		}
		s.WarnLog("Upstream connect failed", "dest", dest.String(), "error", err)
		return false
	}

	// The borrowed connection must go back to the pool on every path,
	// including a panic inside the relay.
	released := false
	defer func() {
		if !released {
			s.proxy.pool.Release(pc, false)
		}
	}()

	relay := &streamRelay{
		clientConn:  s.clientConn,
		clientR:     s.clientR,
		upstream:    pc,
		idleTimeout: s.proxy.idleTimeout,
		log:         &s.ProxySessionLogger,
	}
	res := relay.run(s.ctx, req)

	s.proxy.pool.Release(pc, res.Outcome == OutcomeSuccess && res.UpstreamReusable)
	released = true

	outcome := res.Outcome.String()
	metrics.RelaySessionsTotal.WithLabelValues(outcome).Inc()
	metrics.RelayDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	metrics.BytesRelayed.WithLabelValues("client_to_upstream").Add(float64(res.BytesIn))
	metrics.BytesRelayed.WithLabelValues("upstream_to_client").Add(float64(res.BytesOut))

	if res.Outcome != OutcomeSuccess {
		if !res.HeaderSent {
			switch res.Outcome {
			case OutcomeTimeout:
				writeErrorResponse(s.clientConn, http.StatusGatewayTimeout, "upstream timed out")
			case OutcomeUpstreamAbort:
				writeErrorResponse(s.clientConn, http.StatusBadGateway, "upstream failed")
			}
		}
		if res.Outcome == OutcomeClientAbort {
			s.DebugLog("Client aborted request", "dest", dest.String(), "error", res.Err)
		} else {
			s.WarnLog("Relay failed", "dest", dest.String(), "outcome", outcome, "error", res.Err)
		}
		return false
	}

	s.DebugLog("Request relayed",
		"method", req.Method,
		"uri", req.RequestURI,
		"dest", dest.String(),
		"bytes_in", res.BytesIn,
		"bytes_out", res.BytesOut,
		"duration", time.Since(start))

	return !res.ClientClose
}

// close tears the session down exactly once: cancels the context, closes
// the client connection, releases the limiter slot and deregisters.
func (s *ProxySession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.clientConn.Close()
	if s.releaseConn != nil {
		s.releaseConn()
	}
	s.proxy.unregisterSession(s)
	metrics.ConnectionsCurrent.WithLabelValues(s.proxy.name).Dec()

	s.DebugLog("Session closed", "duration", time.Since(s.startTime))
}
