package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	OAuthCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_completions_total",
			Help: "OAuth callback completions by provider and result",
		},
		[]string{"provider", "result"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "Token refresh attempts by provider and result",
		},
		[]string{"provider", "result"},
	)
	TokenRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "token_refresh_duration_seconds",
			Help:    "Duration of provider token refresh calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"provider"},
	)
	HealthCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_cache_lookups_total",
			Help: "Health cache reads by outcome",
		},
		[]string{"result"},
	)
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_probe_duration_seconds",
			Help:    "Duration of health probes in seconds",
			Buckets: prometheus.LinearBuckets(0, 0.5, 10),
		},
		[]string{"service", "status"},
	)
	AlertTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_transitions_total",
			Help: "Alert lifecycle transitions by transition and severity",
		},
		[]string{"transition", "severity"},
	)
	AlertDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_deliveries_total",
			Help: "Alert notification deliveries by notifier and result",
		},
		[]string{"notifier", "result"},
	)
)

func InitMetrics() {
	collectors := map[string]prometheus.Collector{
		"OAuthCompletions":     OAuthCompletions,
		"TokenRefreshes":       TokenRefreshes,
		"TokenRefreshDuration": TokenRefreshDuration,
		"HealthCacheLookups":   HealthCacheLookups,
		"ProbeDuration":        ProbeDuration,
		"AlertTransitions":     AlertTransitions,
		"AlertDeliveries":      AlertDeliveries,
	}
	for name, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
}
