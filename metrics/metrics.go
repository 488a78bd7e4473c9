// Package metrics exposes Prometheus collectors for provider calls, upstream
// HTTP traffic, token usage, cost and rate limiting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// ProviderRequestsTotal counts orchestrated calls by provider, operation and outcome.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unillm_provider_requests_total",
			Help: "Provider calls",
		},
		[]string{"provider", "operation", "outcome"},
	)

	// ProviderLatency records orchestrated call latency in seconds.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unillm_provider_latency_seconds",
			Help:    "Provider call latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider", "operation"},
	)

	// UpstreamRequestsTotal counts raw HTTP exchanges with vendor APIs by status.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unillm_upstream_requests_total",
			Help: "Upstream HTTP requests",
		},
		[]string{"provider", "status"},
	)

	// UpstreamLatency records time to response headers for vendor APIs.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unillm_upstream_latency_seconds",
			Help:    "Upstream HTTP latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider"},
	)

	// TokensTotal counts tokens by direction (prompt/completion).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unillm_tokens_total",
			Help: "Token count",
		},
		[]string{"provider", "model", "direction"},
	)

	// CostTotal accumulates the computed cost of calls.
	CostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unillm_cost_total",
			Help: "Computed cost",
		},
		[]string{"provider", "model"},
	)

	// RateLimitRejectedTotal counts calls rejected by the local rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unillm_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(
		ProviderRequestsTotal,
		ProviderLatency,
		UpstreamRequestsTotal,
		UpstreamLatency,
		TokensTotal,
		CostTotal,
		RateLimitRejectedTotal,
	)
}

// ObserveUpstream records one vendor HTTP exchange.
func ObserveUpstream(provider, status string, d time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(provider, status).Inc()
	UpstreamLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveCall records one orchestrated provider call.
func ObserveCall(provider, operation string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ProviderRequestsTotal.WithLabelValues(provider, operation, outcome).Inc()
	ProviderLatency.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// ObserveUsage records token counts and cost for one call.
func ObserveUsage(provider, model string, prompt, completion int, cost float64) {
	if prompt > 0 {
		TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
	if cost > 0 {
		CostTotal.WithLabelValues(provider, model).Add(cost)
	}
}
