package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgip",
			Subsystem: "registry",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgip",
			Subsystem: "registry",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgip",
			Subsystem: "registry",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route"})

		r.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgip",
			Subsystem: "registry",
			Name:      "runs_total",
			Help:      "Executed runs by terminal state",
		}, []string{"state"})

		r.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgip",
			Subsystem: "registry",
			Name:      "publishes_total",
			Help:      "Manifest publication attempts by outcome",
		}, []string{"outcome"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestLatency, r.rateLimitHits, r.runsTotal, r.publishTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						switch collector {
						case r.requestTotal:
							r.requestTotal = v
						case r.rateLimitHits:
							r.rateLimitHits = v
						case r.runsTotal:
							r.runsTotal = v
						case r.publishTotal:
							r.publishTotal = v
						}
					case *prometheus.HistogramVec:
						r.requestLatency = v
					}
				}
			}
		}
		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route}).Inc()
}

func (r *Router) recordRunState(state string) {
	if !r.metricsInitialized {
		return
	}
	r.runsTotal.With(prometheus.Labels{"state": state}).Inc()
}

func (r *Router) recordPublish(outcome string) {
	if !r.metricsInitialized {
		return
	}
	r.publishTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}
