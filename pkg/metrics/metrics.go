// Package metrics defines the prometheus metrics exported by nipgate.
// All metrics are registered on the default registry via promauto and
// exposed by the status listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts accepted client connections per listener.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nipgate_connections_total",
			Help: "Total number of accepted client connections",
		},
		[]string{"listener"},
	)

	// ConnectionsCurrent tracks currently open client connections.
	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nipgate_connections_current",
			Help: "Number of currently open client connections",
		},
		[]string{"listener"},
	)

	// ConnectionsRejected counts connections refused by the limiter.
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nipgate_connections_rejected_total",
			Help: "Connections rejected by the connection limiter",
		},
		[]string{"listener"},
	)

	// RelaySessionsTotal counts relayed requests by terminal outcome
	// (success, client_abort, upstream_abort, timeout).
	RelaySessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nipgate_relay_sessions_total",
			Help: "Relayed requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	// RelayDuration observes wall time per relayed request.
	RelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nipgate_relay_duration_seconds",
			Help:    "Duration of relayed requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"outcome"},
	)

	// BytesRelayed counts relayed payload bytes by direction
	// (client_to_upstream, upstream_to_client).
	BytesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nipgate_bytes_relayed_total",
			Help: "Payload bytes relayed by direction",
		},
		[]string{"direction"},
	)

	// DecodeFailures counts Host label decode rejections by reason
	// (malformed, policy).
	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nipgate_decode_failures_total",
			Help: "Host label decode rejections by reason",
		},
		[]string{"reason"},
	)

	// UpstreamConnectErrors counts failed upstream dials by kind
	// (timeout, refused).
	UpstreamConnectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nipgate_upstream_connect_errors_total",
			Help: "Failed upstream connection attempts by kind",
		},
		[]string{"kind"},
	)

	// PoolAcquires counts pool borrow operations by result (hit, miss).
	PoolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nipgate_pool_acquires_total",
			Help: "Connection pool borrow operations by result",
		},
		[]string{"result"},
	)

	// PoolIdleConnections tracks idle upstream connections held by the pool.
	PoolIdleConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nipgate_pool_idle_connections",
			Help: "Idle upstream connections currently held by the pool",
		},
	)

	// PoolExpiredConnections counts idle connections closed by age.
	PoolExpiredConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nipgate_pool_expired_connections_total",
			Help: "Idle upstream connections closed after exceeding max age",
		},
	)
)
