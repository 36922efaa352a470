// Package metrics defines the Prometheus collectors of the broadcaster.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as values of the "reason" label of ClientsRejected.
const (
	ReasonFull     = "full"
	ReasonFiltered = "filtered"
	ReasonPreamble = "preamble"
	ReasonStopped  = "stopped"
)

// Registry metrics
var (
	// ClientsConnected tracks the number of occupied slots.
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stdin2tcp_clients_connected",
			Help: "Number of currently occupied client slots",
		},
	)

	// ClientsAdmitted counts admissions into a free slot.
	ClientsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stdin2tcp_clients_admitted_total",
			Help: "Total client connections admitted into a slot",
		},
	)

	// ClientsRejected counts accepted connections that were closed
	// without being admitted.
	ClientsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stdin2tcp_clients_rejected_total",
			Help: "Total accepted client connections closed without admission by reason",
		},
		[]string{"reason"},
	)

	// ClientsEvicted counts slots vacated after a failed write.
	ClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stdin2tcp_clients_evicted_total",
			Help: "Total client connections evicted after a failed write",
		},
	)
)

// Listener metrics
var (
	// AcceptErrors counts failed accept calls while running.
	AcceptErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stdin2tcp_accept_errors_total",
			Help: "Total failed accept calls on the listening socket",
		},
	)
)

// Broadcast metrics
var (
	// InputBytes counts bytes read from the input source.
	InputBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stdin2tcp_input_bytes_total",
			Help: "Total bytes read from the input source",
		},
	)

	// BroadcastDuration tracks how long writing one chunk to all slots takes.
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stdin2tcp_broadcast_duration_seconds",
			Help:    "Time spent writing one input chunk to all occupied slots",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)
