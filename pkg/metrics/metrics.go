// Package metrics holds the Prometheus instruments for the session and the
// graph store. They register on the default registry, served by
// pkg/web at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incident_trees_session_reconnect_attempts_total",
		Help: "Reconnect attempts scheduled after an unsolicited close",
	})

	ReconnectExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incident_trees_session_reconnect_exhausted_total",
		Help: "Sessions that gave up reconnecting after the attempt ceiling",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_trees_session_frames_received_total",
		Help: "Inbound frames by decode result",
	}, []string{"result"})

	SendsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incident_trees_session_sends_dropped_total",
		Help: "Outbound messages dropped because the session was not open or encoding failed",
	})

	SessionOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incident_trees_session_open",
		Help: "1 while the feed session is open",
	})
)

// Ingestion and store metrics
var (
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_trees_messages_ingested_total",
		Help: "Group messages by ingestion result",
	}, []string{"result"})

	Graphs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incident_trees_graphs",
		Help: "Incident graphs currently held",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "incident_trees_batch_alerts",
		Help:    "Alerts per reconciled batch",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
	})

	Retirements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_trees_retirements_total",
		Help: "Transient-flag retirements by outcome",
	}, []string{"outcome"})
)

// Push and feed metrics
var (
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "incident_trees_events_dropped_total",
		Help: "SSE events dropped because a subscriber was too slow",
	}, []string{"topic"})

	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "incident_trees_feed_clients",
		Help: "WebSocket clients connected to the alert feed",
	})

	FeedBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incident_trees_feed_broadcasts_total",
		Help: "Group messages broadcast by the alert feed",
	})
)
