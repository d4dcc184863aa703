// Package metrics exposes the node's Prometheus instrumentation: frame
// and queue pressure on the mesh side, bridge and webhook outcomes on
// the gateway side.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FramesReceived counts inbound frames handed to the router's receive callback
	FramesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zombiemesh",
			Name:      "frames_received_total",
			Help:      "Total number of inbound mesh frames processed by the router",
		},
	)

	// FramesDropped counts inbound frames discarded before dispatch
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zombiemesh",
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound mesh frames dropped",
		},
		[]string{"reason"},
	)

	// AcksSent counts unicast acknowledgements emitted by the receive pipeline
	AcksSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zombiemesh",
			Name:      "acks_sent_total",
			Help:      "Total number of unicast acknowledgements sent",
		},
	)

	// MessagesBridged counts Zombiegrams handed to the gateway bridge
	MessagesBridged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zombiemesh",
			Name:      "messages_bridged_total",
			Help:      "Total number of Zombiegrams serialized for webhook fan-out",
		},
	)

	// WebhookPosts counts individual webhook POST attempts by outcome
	WebhookPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zombiemesh",
			Name:      "webhook_posts_total",
			Help:      "Total number of webhook POST attempts",
		},
		[]string{"result"},
	)

	// Ensure metrics are only registered once
	once sync.Once
)

// Init registers all metrics with the global Prometheus registry.
// This function is idempotent and can be called multiple times safely.
func Init() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(FramesReceived)
		prometheus.DefaultRegisterer.Register(FramesDropped)
		prometheus.DefaultRegisterer.Register(AcksSent)
		prometheus.DefaultRegisterer.Register(MessagesBridged)
		prometheus.DefaultRegisterer.Register(WebhookPosts)
	})
}

// RegisterPressureGauges wires the router's live pressure readings into
// the registry as gauge functions: outstanding retransmission-cache
// entries and queued-but-unsent outgoing messages. Called once at
// startup with closures over the router handle.
func RegisterPressureGauges(retransmissionPending, queueDepth func() int) {
	prometheus.DefaultRegisterer.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zombiemesh",
			Name:      "retransmission_pending",
			Help:      "Outstanding entries across all retransmission caches",
		},
		func() float64 { return float64(retransmissionPending()) },
	))
	prometheus.DefaultRegisterer.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zombiemesh",
			Name:      "outgoing_queue_depth",
			Help:      "Messages waiting in the outgoing queue for the next flush",
		},
		func() float64 { return float64(queueDepth()) },
	))
}
