package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics exposes request counters and latency for the escrow API.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the API instruments on the default registerer.
func NewHTTPMetrics(cfg Config) *HTTPMetrics {
	return NewHTTPMetricsWith(prometheus.DefaultRegisterer, cfg)
}

func NewHTTPMetricsWith(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{"service": sanitizeLabel(cfg.ServiceName, "escrow")}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "escrow_api_requests_total",
		Help:        "Counts API requests by method, route and status.",
		ConstLabels: constLabels,
	}, []string{"method", "route", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "escrow_api_duration_seconds",
		Help:        "API request latency per method and route.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	}, []string{"method", "route"})

	m := &HTTPMetrics{
		requests: registerCollector(registerer, requests).(*prometheus.CounterVec),
		duration: registerCollector(registerer, duration).(*prometheus.HistogramVec),
	}
	return m
}

// ObserveRequest records an API request and its latency.
func (m *HTTPMetrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	methodLabel := sanitizeLabel(strings.ToUpper(method), "unknown")
	routeLabel := sanitizeLabel(route, "unmatched")
	m.requests.WithLabelValues(methodLabel, routeLabel, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(methodLabel, routeLabel).Observe(elapsed.Seconds())
}

// GinMiddleware observes every request. The route template is used as the
// label so order ids never reach the metric series.
func (m *HTTPMetrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.ObserveRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// registerCollector returns the already-registered collector when the same
// instrument is registered twice, which happens across fx apps in tests.
func registerCollector(registerer prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := registerer.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
		panic(err)
	}
	return c
}

func sanitizeLabel(val, def string) string {
	val = strings.TrimSpace(val)
	if val == "" {
		return def
	}
	return val
}
