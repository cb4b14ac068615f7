package server

import (
	"fmt"
	"net"
	"strconv"
)

// GetAddrString returns a printable form of a net.Addr, tolerating nil.
func GetAddrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}

// GetHostPortFromAddr extracts the host and port from a net.Addr.
// If parsing fails, it returns best-effort values.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		// This can happen for addresses without a port.
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// ParseTrustedNetworks parses a list of CIDR strings or bare IPs into
// net.IPNet values. A bare IP is treated as a /32 (or /128 for IPv6).
func ParseTrustedNetworks(networks []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, n := range networks {
		if n == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(n)
		if err != nil {
			ip := net.ParseIP(n)
			if ip == nil {
				return nil, fmt.Errorf("invalid network %q: %w", n, err)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}
