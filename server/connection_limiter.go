package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nipgate/nipgate/logger"
)

// ConnectionLimiter enforces total and per-IP connection limits on the
// proxy listener. Connections from trusted networks bypass the per-IP
// limit but still count toward the total.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	name             string
	trustedNets      []*net.IPNet
}

// NewConnectionLimiter creates a limiter for the named listener. A limit of
// zero disables the corresponding check.
func NewConnectionLimiter(name string, maxConnections, maxPerIP int, trustedNetworks []string) *ConnectionLimiter {
	trustedNets, err := ParseTrustedNetworks(trustedNetworks)
	if err != nil {
		logger.Warn("Connection limiter: failed to parse trusted networks", "name", name, "error", err)
		trustedNets = []*net.IPNet{}
	}

	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		name:             name,
		trustedNets:      trustedNets,
	}
}

func (cl *ConnectionLimiter) isTrusted(remoteAddr net.Addr) bool {
	if len(cl.trustedNets) == 0 {
		return false
	}

	var ip net.IP
	switch addr := remoteAddr.(type) {
	case *net.TCPAddr:
		ip = addr.IP
	default:
		host, _, err := net.SplitHostPort(remoteAddr.String())
		if err != nil {
			return false
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return false
		}
	}

	for _, network := range cl.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}

	return false
}

// CanAccept reports whether a new connection from remoteAddr fits within
// the configured limits.
func (cl *ConnectionLimiter) CanAccept(remoteAddr net.Addr) error {
	if cl.maxConnections <= 0 && cl.maxPerIP <= 0 {
		return nil
	}

	if cl.maxConnections > 0 {
		current := cl.currentTotal.Load()
		if current >= int64(cl.maxConnections) {
			return fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	if cl.maxPerIP > 0 && !cl.isTrusted(remoteAddr) {
		ip := remoteIP(remoteAddr)

		cl.mu.RLock()
		ipCounter, exists := cl.perIPConnections[ip]
		cl.mu.RUnlock()

		if exists {
			current := ipCounter.Load()
			if current >= int64(cl.maxPerIP) {
				return fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
			}
		}
	}

	return nil
}

// Accept registers a new connection and returns a release function. The
// release function is safe to call exactly once on every path, including
// panic recovery.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if err := cl.CanAccept(remoteAddr); err != nil {
		return nil, err
	}

	ip := remoteIP(remoteAddr)
	trusted := cl.isTrusted(remoteAddr)
	total := cl.currentTotal.Add(1)

	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 && !trusted {
		cl.mu.Lock()
		var exists bool
		ipCounter, exists = cl.perIPConnections[ip]
		if !exists {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		cl.mu.Unlock()

		perIP := ipCounter.Add(1)
		logger.Debug("Connection limiter: connection accepted", "name", cl.name, "ip", ip, "total", total, "max_total", cl.maxConnections, "per_ip", perIP, "max_per_ip", cl.maxPerIP)
	} else {
		logger.Debug("Connection limiter: connection accepted", "name", cl.name, "ip", ip, "total", total, "max_total", cl.maxConnections, "trusted", trusted)
	}

	return func() {
		cl.currentTotal.Add(-1)

		if ipCounter != nil {
			remaining := ipCounter.Add(-1)
			if remaining <= 0 {
				cl.mu.Lock()
				if ipCounter.Load() <= 0 {
					delete(cl.perIPConnections, ip)
				}
				cl.mu.Unlock()
			}
		}

		logger.Debug("Connection limiter: connection released", "name", cl.name, "ip", ip, "total", cl.currentTotal.Load())
	}, nil
}

func remoteIP(remoteAddr net.Addr) string {
	ip, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String()
	}
	return ip
}

// GetStats returns current connection statistics.
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := ConnectionStats{
		Name:             cl.name,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64),
	}

	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}

	return stats
}

// StartCleanup starts a background goroutine that removes stale per-IP
// entries until the context is canceled.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
			cleaned++
		}
	}

	if cleaned > 0 {
		logger.Debug("Connection limiter: cleaned up stale IP entries", "name", cl.name, "count", cleaned)
	}
}

// ConnectionStats is a snapshot of limiter state for the status API.
type ConnectionStats struct {
	Name             string           `json:"name"`
	TotalConnections int64            `json:"total_connections"`
	MaxConnections   int64            `json:"max_connections"`
	MaxPerIP         int64            `json:"max_per_ip"`
	IPConnections    map[string]int64 `json:"ip_connections"`
}
