// Package metrics provides Prometheus instrumentation for the coordinator:
// connection and room gauges, pairing counters, and wait-time histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MatchQueueSize tracks the number of waiting users per category.
	MatchQueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "duet_match_queue_size",
		Help: "Current number of users waiting in the matching queue",
	}, []string{"category"})

	// MatchesTotal counts successful pairings.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_matches_total",
		Help: "Total number of pairings formed",
	})

	// ActiveRooms tracks rooms where at least one side is still present.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_active_rooms",
		Help: "Current number of rooms not yet closed",
	})

	// MatchWaitSeconds records how long the waiting side sat in the queue
	// before being paired.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_match_wait_seconds",
		Help:    "Time spent in the waiting queue before pairing",
		Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// CreditsUsedTotal counts credits debited, labeled by service.
	CreditsUsedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_credits_used_total",
		Help: "Total credits debited",
	}, []string{"service"})

	// MessagesTotal counts chat messages accepted into room logs.
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_room_messages_total",
		Help: "Total chat messages appended to rooms",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MatchQueueSize,
		MatchesTotal,
		ActiveRooms,
		MatchWaitSeconds,
		CreditsUsedTotal,
		MessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
