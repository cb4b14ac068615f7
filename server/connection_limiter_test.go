package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(t *testing.T, host string) net.Addr {
	t.Helper()
	ip := net.ParseIP(host)
	require.NotNil(t, ip, "invalid test IP %q", host)
	return &net.TCPAddr{IP: ip, Port: 54321}
}

func TestConnectionLimiterTotalLimit(t *testing.T) {
	limiter := NewConnectionLimiter("test", 2, 0, nil)

	release1, err := limiter.Accept(tcpAddr(t, "192.0.2.1"))
	require.NoError(t, err)
	release2, err := limiter.Accept(tcpAddr(t, "192.0.2.2"))
	require.NoError(t, err)

	_, err = limiter.Accept(tcpAddr(t, "192.0.2.3"))
	require.Error(t, err, "third connection should exceed the total limit")

	release1()
	release3, err := limiter.Accept(tcpAddr(t, "192.0.2.3"))
	require.NoError(t, err, "released slot should be reusable")

	release2()
	release3()
	assert.Equal(t, int64(0), limiter.GetStats().TotalConnections)
}

func TestConnectionLimiterPerIPLimit(t *testing.T) {
	limiter := NewConnectionLimiter("test", 0, 1, nil)

	release1, err := limiter.Accept(tcpAddr(t, "192.0.2.1"))
	require.NoError(t, err)

	_, err = limiter.Accept(tcpAddr(t, "192.0.2.1"))
	require.Error(t, err, "second connection from the same IP should be rejected")

	// A different IP is unaffected
	release2, err := limiter.Accept(tcpAddr(t, "192.0.2.2"))
	require.NoError(t, err)

	release1()
	release2()
}

func TestConnectionLimiterTrustedBypassesPerIP(t *testing.T) {
	limiter := NewConnectionLimiter("test", 0, 1, []string{"10.0.0.0/8"})

	release1, err := limiter.Accept(tcpAddr(t, "10.1.2.3"))
	require.NoError(t, err)
	release2, err := limiter.Accept(tcpAddr(t, "10.1.2.3"))
	require.NoError(t, err, "trusted IP should bypass the per-IP limit")

	release1()
	release2()
}

func TestConnectionLimiterTrustedCountsTowardTotal(t *testing.T) {
	limiter := NewConnectionLimiter("test", 1, 0, []string{"10.0.0.0/8"})

	release1, err := limiter.Accept(tcpAddr(t, "10.1.2.3"))
	require.NoError(t, err)

	_, err = limiter.Accept(tcpAddr(t, "10.1.2.4"))
	require.Error(t, err, "trusted connections still count toward the total limit")

	release1()
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	limiter := NewConnectionLimiter("test", 0, 0, nil)

	for i := 0; i < 100; i++ {
		release, err := limiter.Accept(tcpAddr(t, "192.0.2.1"))
		require.NoError(t, err)
		defer release()
	}
}

func TestConnectionLimiterStats(t *testing.T) {
	limiter := NewConnectionLimiter("proxy", 10, 5, nil)

	release1, err := limiter.Accept(tcpAddr(t, "192.0.2.1"))
	require.NoError(t, err)
	release2, err := limiter.Accept(tcpAddr(t, "192.0.2.1"))
	require.NoError(t, err)

	stats := limiter.GetStats()
	assert.Equal(t, "proxy", stats.Name)
	assert.Equal(t, int64(2), stats.TotalConnections)
	assert.Equal(t, int64(10), stats.MaxConnections)
	assert.Equal(t, int64(5), stats.MaxPerIP)
	assert.Equal(t, int64(2), stats.IPConnections["192.0.2.1"])

	release1()
	release2()

	stats = limiter.GetStats()
	assert.Equal(t, int64(0), stats.TotalConnections)
	assert.NotContains(t, stats.IPConnections, "192.0.2.1", "empty per-IP entries should be dropped on release")
}

func TestParseTrustedNetworks(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
		wantErr bool
	}{
		{"empty", nil, 0, false},
		{"cidr", []string{"10.0.0.0/8", "192.168.0.0/16"}, 2, false},
		{"bare ipv4", []string{"203.0.113.7"}, 1, false},
		{"bare ipv6", []string{"2001:db8::1"}, 1, false},
		{"invalid", []string{"not-a-network"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nets, err := ParseTrustedNetworks(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, nets, tt.wantLen)
		})
	}
}
