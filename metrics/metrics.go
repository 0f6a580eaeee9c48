// Package metrics collects Prometheus metrics for the relay and serves them
// for scraping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records relay metrics. It implements relay.Observer.
type Collector struct {
	callbacks       *prometheus.CounterVec
	callbackLatency prometheus.Histogram
	storeRetries    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	verifications   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_callbacks_total",
			Help: "Login callbacks handled, by outcome.",
		}, []string{"outcome"}),
		callbackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authrelay_callback_duration_seconds",
			Help:    "Time spent minting and storing a session.",
			Buckets: prometheus.DefBuckets,
		}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_store_retries_total",
			Help: "Session store operations retried after the store was unavailable.",
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_http_requests_total",
			Help: "HTTP responses, by route and status code.",
		}, []string{"route", "status_code"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authrelay_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrelay_token_verifications_total",
			Help: "Token verifications, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.callbacks,
		c.callbackLatency,
		c.storeRetries,
		c.httpRequests,
		c.rateLimited,
		c.verifications,
	)
	return c
}

// ObserveCallback records a handled callback.
func (c *Collector) ObserveCallback(outcome string, d time.Duration) {
	c.callbacks.WithLabelValues(outcome).Inc()
	c.callbackLatency.Observe(d.Seconds())
}

// ObserveStoreRetry records a retried store operation.
func (c *Collector) ObserveStoreRetry(op string) {
	c.storeRetries.WithLabelValues(op).Inc()
}

// RecordHTTPStatus records a response. Route should be the route pattern, not
// the raw path, to keep cardinality bounded.
func (c *Collector) RecordHTTPStatus(route string, statusCode int) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
}

// RecordRateLimited records a rejected request.
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// RecordVerification records a token check. Result is "valid" or an error
// reason.
func (c *Collector) RecordVerification(result string) {
	c.verifications.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
