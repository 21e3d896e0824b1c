// Package metrics defines the Prometheus metrics exported by minerd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xenohash"

var (
	// SharesTotal counts share outcomes by status.
	SharesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "round",
		Name:      "shares_total",
		Help:      "Number of submitted shares by outcome",
	}, []string{"status"})

	// RoundsFinalized counts committed rounds.
	RoundsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "round",
		Name:      "finalized_total",
		Help:      "Number of finalized rounds",
	})

	// FinalizeFailures counts failed finalize attempts by stage.
	FinalizeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "round",
		Name:      "finalize_failures_total",
		Help:      "Number of failed finalize attempts",
	}, []string{"stage"})

	// FinalizeLatency observes time spent in ledger calls while finalizing.
	FinalizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "round",
		Name:      "finalize_latency_seconds",
		Help:      "Latency of round finalization",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// RoundDuration observes how long rounds stay open.
	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "round",
		Name:      "duration_seconds",
		Help:      "Duration of finalized rounds",
		Buckets:   []float64{0.5, 1, 2, 4, 7.5, 10, 15, 30, 60, 120, 300},
	})

	// Difficulty is the difficulty of the open round.
	Difficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "round",
		Name:      "difficulty",
		Help:      "Difficulty of the open round",
	})

	// RoundNumber is the number of the open round.
	RoundNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "round",
		Name:      "number",
		Help:      "Number of the open round",
	})

	// MinersOnline is the number of mining sessions.
	MinersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "miners_online",
		Help:      "Number of sessions currently mining",
	})

	// Sessions is the number of open client connections.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "sessions",
		Help:      "Number of connected client sessions",
	})

	// AuthTotal counts authentication attempts by result.
	AuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "auth_total",
		Help:      "Number of authentication attempts",
	}, []string{"result"})

	// MessagesTotal counts inbound client frames by type.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Number of inbound client messages",
	}, []string{"type"})

	// BroadcastFailures counts failed deliveries by recipient kind.
	BroadcastFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "failures_total",
		Help:      "Number of failed event deliveries",
	}, []string{"recipient"})

	// BreakerState is 0 closed, 1 open, 2 half-open per breaker.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "collaborator",
		Name:      "breaker_state",
		Help:      "Circuit breaker state by backend",
	}, []string{"name"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
