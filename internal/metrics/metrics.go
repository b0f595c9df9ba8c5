// Package metrics provides Prometheus instrumentation for the room server.
// It exposes gauges for connection and room counts, counters for message
// throughput and dropped fan-out, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of registered connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of registered real-time connections",
	})

	// MessagesTotal counts messages handled by the delivery pipeline.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages handled by the delivery pipeline",
	}, []string{"type"}) // type = "sent", "delivered", "rejected", "failed"

	// MessageLatency records the time from send request to completed fan-out.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Send latency including persistence and fan-out, in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// ActiveRooms tracks rooms that currently have at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_rooms",
		Help: "Current number of rooms with at least one member",
	})

	// TypingExpired counts typing indicators cleared by the expiry timer.
	TypingExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_typing_expired_total",
		Help: "Typing indicators cleared because their window elapsed",
	})

	// FanoutDropped counts events that could not be handed to a connection.
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_dropped_total",
		Help: "Events dropped because the recipient queue was full or gone",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		ActiveRooms,
		TypingExpired,
		FanoutDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
