// Package metrics holds the prometheus collectors shared by the sync engine
// and the reference server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ppsync"

var (
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "admissions_total",
		Help:      "Messages passed through admit, by result.",
	}, []string{"result"})

	DedupEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dedup",
		Name:      "evictions_total",
		Help:      "Keys evicted from the dedup recency set.",
	})

	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "queue_dropped_total",
		Help:      "Envelopes dropped because the pre-ready queue was full.",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "reconnect_attempts_total",
		Help:      "Push channel reconnect attempts.",
	})

	PushReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "push",
		Name:      "ready",
		Help:      "Number of push channels currently marked ready.",
	})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "errors_total",
		Help:      "Failed poll fetches.",
	})

	ReadFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "receipt",
		Name:      "status_lookups_total",
		Help:      "Read status lookups by source (all_read, cache, network).",
	}, []string{"source"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "http_requests_total",
		Help:      "Reference server requests by route and status.",
	}, []string{"route", "status"})

	GatewayConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Open websocket gateway connections.",
	})

	GatewayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "slow_consumer_kicks_total",
		Help:      "Gateway connections closed because their send buffer was full.",
	})
)
