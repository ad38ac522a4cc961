// Package metrics provides Prometheus instrumentation for the chat relay:
// connection and presence gauges, message throughput counters and fanout
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded in MessagesTotal.
const (
	OutcomePersisted = "persisted"
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindred_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks users with at least one registered connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindred_online_users",
		Help: "Current number of users with at least one connection",
	})

	// ActiveChannels tracks match channels with at least one joined connection.
	ActiveChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindred_active_channels",
		Help: "Current number of match channels with joined connections",
	})

	// MessagesTotal counts messages by outcome: persisted, delivered (per
	// connection), dropped (per connection), rejected (before persistence).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_messages_total",
		Help: "Total number of chat messages by outcome",
	}, []string{"outcome"})

	// FanoutLatency records time from accepted send to last frame written.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kindred_fanout_latency_seconds",
		Help:    "Time to persist and fan out a message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SignalsTotal counts typing and read-receipt broadcasts by kind.
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_signals_total",
		Help: "Typing and read-receipt signals relayed",
	}, []string{"kind"}) // kind = "typing", "read"

	// NotificationsTotal counts created notifications by type.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_notifications_total",
		Help: "Notifications created by type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ActiveChannels,
		MessagesTotal,
		FanoutLatency,
		SignalsTotal,
		NotificationsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
