// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts relayed messages by delivery outcome.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "messages_total",
		Help:      "Relayed messages by delivery outcome.",
	}, []string{"outcome"})

	// RevocationChecks counts revocation lookups by the layer that answered.
	RevocationChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "revocation_checks_total",
		Help:      "Revocation checks by answering layer.",
	}, []string{"source"})

	// CallbackAttempts counts outbound callback POSTs by result.
	CallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "callback_attempts_total",
		Help:      "Outbound callback attempts by result.",
	}, []string{"result"}) // success | retryable | rejected

	// RequestDuration observes HTTP handler latency per route.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "class"})
)

// RegisterLiveConnections publishes the hub's connection count as a gauge.
func RegisterLiveConnections(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "live_connections",
		Help:      "Open WebSocket subscriber connections.",
	}, func() float64 { return float64(count()) })
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
