package httpproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nipgate/nipgate/logger"
	"github.com/nipgate/nipgate/pkg/metrics"
	"github.com/nipgate/nipgate/server/hostip"
)

// ConnectError reports a failed upstream dial. Timeout distinguishes a
// connect timeout (mapped to 504) from an active refusal or routing
// failure (mapped to 502).
type ConnectError struct {
	Dest    hostip.Destination
	Timeout bool
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("connect to %s timed out: %v", e.Dest, e.Err)
	}
	return fmt.Sprintf("connect to %s failed: %v", e.Dest, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// PooledConn is an upstream connection owned by exactly one borrower at a
// time. The buffered reader persists across reuses so bytes read ahead of a
// response boundary are never lost.
type PooledConn struct {
	conn      net.Conn
	br        *bufio.Reader
	dest      hostip.Destination
	idleSince time.Time
}

// Conn returns the underlying connection.
func (pc *PooledConn) Conn() net.Conn {
	return pc.conn
}

// Reader returns the buffered reader bound to the connection.
func (pc *PooledConn) Reader() *bufio.Reader {
	return pc.br
}

// Destination returns the address the connection is dialed to.
func (pc *PooledConn) Destination() hostip.Destination {
	return pc.dest
}

// Close closes the underlying connection.
func (pc *PooledConn) Close() error {
	return pc.conn.Close()
}

// ConnectionPool keeps idle upstream connections per destination and hands
// them out one borrower at a time. Borrowed connections are removed from
// the idle set entirely, so concurrent sessions can never share one.
type ConnectionPool struct {
	connectTimeout time.Duration
	maxIdleAge     time.Duration
	maxIdlePerDest int

	// dial is swappable for tests
	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu     sync.Mutex
	idle   map[string][]*PooledConn
	closed bool
}

// NewConnectionPool creates a pool. A maxIdleAge of zero disables idle
// expiry; maxIdlePerDest of zero or less falls back to a small default.
func NewConnectionPool(connectTimeout, maxIdleAge time.Duration, maxIdlePerDest int) *ConnectionPool {
	if maxIdlePerDest <= 0 {
		maxIdlePerDest = 4
	}
	p := &ConnectionPool{
		connectTimeout: connectTimeout,
		maxIdleAge:     maxIdleAge,
		maxIdlePerDest: maxIdlePerDest,
		idle:           make(map[string][]*PooledConn),
	}
	p.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: p.connectTimeout}
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return p
}

// Acquire returns a connection to dest, reusing the most recently parked
// idle connection when one exists, otherwise dialing a new one. Exactly one
// connect attempt is made; failures are returned as *ConnectError.
func (p *ConnectionPool) Acquire(ctx context.Context, dest hostip.Destination) (*PooledConn, error) {
	key := dest.String()
	now := time.Now()

	p.mu.Lock()
	for {
		list := p.idle[key]
		if len(list) == 0 {
			break
		}
		// LIFO keeps the freshest connection in rotation
		pc := list[len(list)-1]
		p.idle[key] = list[:len(list)-1]
		if p.maxIdleAge > 0 && now.Sub(pc.idleSince) > p.maxIdleAge {
			pc.conn.Close()
			metrics.PoolExpiredConnections.Inc()
			continue
		}
		p.updateIdleGaugeLocked()
		p.mu.Unlock()
		metrics.PoolAcquires.WithLabelValues("hit").Inc()
		return pc, nil
	}
	if len(p.idle[key]) == 0 {
		delete(p.idle, key)
	}
	p.updateIdleGaugeLocked()
	p.mu.Unlock()

	metrics.PoolAcquires.WithLabelValues("miss").Inc()

	conn, err := p.dial(ctx, key)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		if errors.Is(err, context.DeadlineExceeded) {
			timeout = true
		}
		if timeout {
			metrics.UpstreamConnectErrors.WithLabelValues("timeout").Inc()
		} else {
			metrics.UpstreamConnectErrors.WithLabelValues("refused").Inc()
		}
		return nil, &ConnectError{Dest: dest, Timeout: timeout, Err: err}
	}

	return &PooledConn{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 32*1024),
		dest: dest,
	}, nil
}

// Release returns a borrowed connection to the pool. Non-reusable
// connections are closed immediately. When the per-destination idle cap is
// reached the oldest idle connection is evicted.
func (p *ConnectionPool) Release(pc *PooledConn, reusable bool) {
	if pc == nil {
		return
	}
	if !reusable {
		pc.conn.Close()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.conn.Close()
		return
	}

	key := pc.dest.String()
	pc.idleSince = time.Now()
	list := p.idle[key]
	if len(list) >= p.maxIdlePerDest {
		oldest := list[0]
		list = list[1:]
		oldest.conn.Close()
	}
	p.idle[key] = append(list, pc)
	p.updateIdleGaugeLocked()
	p.mu.Unlock()
}

// Run starts the idle expiry sweeper. It returns immediately; the sweeper
// stops when ctx is canceled.
func (p *ConnectionPool) Run(ctx context.Context) {
	if p.maxIdleAge <= 0 {
		return
	}
	interval := p.maxIdleAge / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

func (p *ConnectionPool) sweep() {
	now := time.Now()
	expired := 0

	p.mu.Lock()
	for key, list := range p.idle {
		kept := list[:0]
		for _, pc := range list {
			if now.Sub(pc.idleSince) > p.maxIdleAge {
				pc.conn.Close()
				expired++
				continue
			}
			kept = append(kept, pc)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.updateIdleGaugeLocked()
	p.mu.Unlock()

	if expired > 0 {
		metrics.PoolExpiredConnections.Add(float64(expired))
		logger.Debug("Connection pool: expired idle connections", "count", expired)
	}
}

// Close closes all idle connections and rejects future parking. Borrowed
// connections are unaffected; their borrowers close them on release.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for key, list := range p.idle {
		for _, pc := range list {
			pc.conn.Close()
		}
		delete(p.idle, key)
	}
	p.updateIdleGaugeLocked()
}

// PoolStats is a snapshot of idle pool state for the status API.
type PoolStats struct {
	IdleTotal      int            `json:"idle_total"`
	IdlePerDest    map[string]int `json:"idle_per_destination"`
	MaxIdlePerDest int            `json:"max_idle_per_destination"`
	MaxIdleAge     string         `json:"max_idle_age"`
}

// Stats returns a snapshot of the idle set.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		IdlePerDest:    make(map[string]int),
		MaxIdlePerDest: p.maxIdlePerDest,
		MaxIdleAge:     p.maxIdleAge.String(),
	}
	for key, list := range p.idle {
		stats.IdlePerDest[key] = len(list)
		stats.IdleTotal += len(list)
	}
	return stats
}

func (p *ConnectionPool) updateIdleGaugeLocked() {
	total := 0
	for _, list := range p.idle {
		total += len(list)
	}
	metrics.PoolIdleConnections.Set(float64(total))
}
