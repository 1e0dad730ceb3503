// Package metrics provides Prometheus instrumentation for the presence and
// relay server: live connection counts, relay outcomes and latency, presence
// broadcasts and heartbeat evictions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay outcomes used as the "outcome" label of MessagesTotal.
const (
	OutcomeDelivered = "delivered" // persisted and written to at least one recipient connection
	OutcomeOffline   = "offline"   // persisted, recipient not connected
	OutcomeDropped   = "dropped"   // malformed or failed validation
	OutcomeLimited   = "limited"   // rejected by the rate limiter
	OutcomeFailed    = "failed"    // storage failure
)

var (
	// Connections tracks the current number of admitted WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaychat_connections",
		Help: "Current number of admitted WebSocket connections",
	})

	// MessagesTotal counts inbound chat frames by relay outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaychat_messages_total",
		Help: "Inbound chat messages by relay outcome",
	}, []string{"outcome"})

	// RelayLatency records time from frame receipt to recipient write.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaychat_relay_latency_seconds",
		Help:    "Time to validate, persist and deliver one message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PresenceBroadcasts counts roster broadcasts.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaychat_presence_broadcasts_total",
		Help: "Number of roster broadcasts sent",
	})

	// LivenessEvictions counts connections removed by heartbeat timeout.
	LivenessEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaychat_liveness_evictions_total",
		Help: "Connections removed because they missed a pong deadline",
	})

	// AttachmentBytes counts decoded attachment bytes written to the content store.
	AttachmentBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaychat_attachment_bytes_total",
		Help: "Attachment bytes written to the content store",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		MessagesTotal,
		RelayLatency,
		PresenceBroadcasts,
		LivenessEvictions,
		AttachmentBytes,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
