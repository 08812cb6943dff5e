// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamAttempts *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	TTFT             *prometheus.HistogramVec
	CooldownsActive  prometheus.Gauge
	TokensProcessed  *prometheus.CounterVec
	CostUSD          *prometheus.CounterVec
	JournalQueueLen  *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"family", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchboard",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"family"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchboard",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchboard",
			Name:      "upstream_attempts",
			Help:      "Failover attempts consumed per request.",
			Buckets:   []float64{1, 2, 3, 4},
		}, []string{"alias"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "kind"}),

		TTFT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "switchboard",
			Name:                            "time_to_first_token_seconds",
			Help:                            "Time from dispatch to first client byte.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		CooldownsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "cooldowns_active",
			Help:      "Number of cooldown entries currently in effect.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "model", "type"}),

		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "cost_usd_total",
			Help:      "Accumulated request cost in USD.",
		}, []string{"provider", "model"}),

		JournalQueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "switchboard",
			Name:      "journal_queue_length",
			Help:      "Current number of queued journal records.",
		}, []string{"stream"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamAttempts,
		m.UpstreamErrors,
		m.TTFT,
		m.CooldownsActive,
		m.TokensProcessed,
		m.CostUSD,
		m.JournalQueueLen,
	)

	return m
}
