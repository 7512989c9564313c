package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spotbot-io/spotbot/internal/bots/service"
)

var (
	spotbotRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotbot_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	spotbotRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotbot_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	spotbotReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotbot_reports_total",
		Help: "Total bot reports accepted by bot type.",
	}, []string{"bot_type"})

	spotbotVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotbot_verdicts_total",
		Help: "Total address checks by outcome.",
	}, []string{"outcome"})

	spotbotActivityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spotbot_activity_failures_total",
		Help: "Activity upserts that failed after the report was stored.",
	})

	spotbotCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotbot_verdict_cache_total",
		Help: "Verdict cache lookups by result.",
	}, []string{"result"})

	spotbotHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotbot_health_checks_total",
		Help: "Total dependency health probes by dependency and result.",
	}, []string{"dependency", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		spotbotRequestsTotal.WithLabelValues(method, path, status).Inc()
		spotbotRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordServiceEvent is passed to BotService.SetMetricsRecorder.
func RecordServiceEvent(event string) {
	switch event {
	case service.EventActivityFailure:
		spotbotActivityFailuresTotal.Inc()
	case service.EventCacheHit:
		spotbotCacheTotal.WithLabelValues("hit").Inc()
	case service.EventCacheMiss:
		spotbotCacheTotal.WithLabelValues("miss").Inc()
	case service.EventCacheFailure:
		spotbotCacheTotal.WithLabelValues("error").Inc()
	case service.EventCacheStale:
		spotbotCacheTotal.WithLabelValues("stale_skipped").Inc()
	}
}

// RecordHealthCheck records a dependency probe result.
func RecordHealthCheck(dependency string, success bool) {
	if success {
		spotbotHealthChecksTotal.WithLabelValues(dependency, "success").Inc()
	} else {
		spotbotHealthChecksTotal.WithLabelValues(dependency, "failure").Inc()
	}
}

func recordReport(botType string) {
	spotbotReportsTotal.WithLabelValues(botType).Inc()
}

func recordVerdict(isBot, allowlisted bool) {
	switch {
	case allowlisted:
		spotbotVerdictsTotal.WithLabelValues("allowlisted").Inc()
	case isBot:
		spotbotVerdictsTotal.WithLabelValues("bot").Inc()
	default:
		spotbotVerdictsTotal.WithLabelValues("clean").Inc()
	}
}
