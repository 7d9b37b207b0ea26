package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aitutor_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aitutor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aitutor_quota_rejections_total",
			Help: "Requests rejected by quota enforcement.",
		},
		[]string{"kind"}, // requests, tokens, burst
	)

	RelayStreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aitutor_relay_streams_total",
			Help: "Upstream completion streams by outcome.",
		},
		[]string{"outcome"}, // completed, failed, canceled
	)

	TokensAccountedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aitutor_tokens_accounted_total",
			Help: "Tokens committed to the usage ledger.",
		},
	)

	LedgerCommitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aitutor_ledger_commit_failures_total",
			Help: "Token commits dropped because the ledger was unavailable.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaRejectionsTotal,
		RelayStreamsTotal,
		TokensAccountedTotal,
		LedgerCommitFailuresTotal,
	)
}
