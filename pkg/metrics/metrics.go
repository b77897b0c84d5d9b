// Package metrics exposes Prometheus instruments for the live sync path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ichat_client"

var (
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Current live connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
	})

	DialAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dial_attempts_total",
		Help:      "Live connection dial attempts by result.",
	}, []string{"result"})

	Handshakes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Identity handshakes sent on established connections.",
	})

	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Inbound live channel frames by event name.",
	}, []string{"event"})

	MalformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Inbound frames dropped because they could not be decoded.",
	})

	MessagesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_appended_total",
		Help:      "Messages added to the channel view by origin.",
	}, []string{"origin"})

	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicates_suppressed_total",
		Help:      "Messages discarded because their id was already in the view.",
	})

	RosterSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "roster_size",
		Help:      "Identities in the last roster snapshot.",
	})
)

// Registry holds every instrument of this package.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ConnectionState,
		DialAttempts,
		Handshakes,
		FramesReceived,
		MalformedFrames,
		MessagesAppended,
		DuplicatesSuppressed,
		RosterSize,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
