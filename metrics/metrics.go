// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted WebSocket connections by mode
	// ("wisp" or "wsproxy").
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wisp",
		Name:      "connections_total",
		Help:      "Accepted WebSocket connections.",
	}, []string{"mode"})

	// StreamsTotal counts stream establishment outcomes.
	StreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wisp",
		Name:      "streams_total",
		Help:      "Multiplexed stream outcomes.",
	}, []string{"outcome"})

	// ActiveStreams tracks streams currently present in stream tables.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wisp",
		Name:      "active_streams",
		Help:      "Streams currently open or connecting.",
	})

	// BytesTransferred counts proxied payload bytes by direction
	// ("ws_to_tcp" or "tcp_to_ws").
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wisp",
		Name:      "bytes_transferred_total",
		Help:      "Payload bytes moved between the WebSocket and TCP sides.",
	}, []string{"direction"})

	// DialDuration observes upstream TCP connect latency.
	DialDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wisp",
		Name:      "upstream_dial_seconds",
		Help:      "Upstream TCP dial latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Stream outcome label values.
const (
	OutcomeOpened        = "opened"
	OutcomeRejectedType  = "rejected_type"
	OutcomeConnectFailed = "connect_failed"
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
