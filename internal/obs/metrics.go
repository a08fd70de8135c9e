package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthOutcomes counts facade results by operation and error kind ("ok" on success).
	AuthOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_auth_outcomes_total",
		Help: "Authentication operations by operation and outcome kind.",
	}, []string{"op", "kind"})

	RefreshRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_refresh_rotations_total",
		Help: "Refresh tokens successfully rotated.",
	})

	TokenReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_token_replays_total",
		Help: "Refresh token replays detected; each revokes a session.",
	})

	SweptRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_swept_rows_total",
		Help: "Expired sessions and revocation records deleted by the sweeper.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_rate_limited_total",
		Help: "Requests rejected by the login rate limiter.",
	}, []string{"scope"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authcore_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern, method and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "code"})

	KeySourceRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_trust_key_refreshes_total",
		Help: "Federated key source reloads by source and result.",
	}, []string{"source", "result"})
)
