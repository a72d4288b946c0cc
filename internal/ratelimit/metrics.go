package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the upstream fetch path. Scraped via the shared
// /metrics endpoint.
var (
	upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fpl_upstream_requests_total",
		Help: "Upstream API requests by outcome (success, throttled, failed, exhausted)",
	}, []string{"outcome"})

	upstreamQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fpl_upstream_queue_depth",
		Help: "Queued upstream requests per priority lane",
	}, []string{"lane"})

	upstreamTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_upstream_tokens_available",
		Help: "Tokens currently available in the upstream admission bucket",
	})
)

func init() {
	prometheus.MustRegister(upstreamRequests)
	prometheus.MustRegister(upstreamQueueDepth)
	prometheus.MustRegister(upstreamTokens)
}
