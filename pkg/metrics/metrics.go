// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TurnsTotal counts routed turns by workflow arm.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_turns_total",
			Help: "Total conversational turns by route",
		},
		[]string{"route"},
	)

	// FirstContactsTotal counts seeded conversations.
	FirstContactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_first_contacts_total",
			Help: "Conversations created on first contact",
		},
		[]string{"channel"},
	)

	// LLMRequestDuration tracks generative model latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// StoreOperationsTotal tracks conversation store calls.
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Conversation store operations",
		},
		[]string{"operation", "status"},
	)

	// WhatsAppSendFailuresTotal counts outbound messages the platform rejected.
	WhatsAppSendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whatsapp_send_failures_total",
			Help: "Outbound WhatsApp messages that failed to send",
		},
	)

	// WebhookErrorsTotal counts webhook deliveries that failed internally.
	WebhookErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_errors_total",
			Help: "Webhook deliveries swallowed after an internal error",
		},
		[]string{"stage"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLM records metrics for one model completion.
func RecordLLM(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordStore records the outcome of a store operation.
func RecordStore(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationsTotal.WithLabelValues(operation, status).Inc()
}
