// Package metrics holds the Prometheus collectors of the payment service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storepay",
		Name:      "provider_requests_total",
		Help:      "Provider gateway calls by provider, operation and outcome.",
	}, []string{"provider", "operation", "outcome"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storepay",
		Name:      "provider_request_duration_seconds",
		Help:      "Provider gateway call latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "operation"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storepay",
		Name:      "status_transitions_total",
		Help:      "Committed aggregate status transitions.",
	}, []string{"aggregate", "event"})

	idempotency = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storepay",
		Name:      "idempotency_reservations_total",
		Help:      "Idempotency ledger reservations by operation and decision.",
	}, []string{"operation", "decision"})

	reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storepay",
		Name:      "reconciliations_total",
		Help:      "Reconciliation lookups by result.",
	}, []string{"result"})

	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storepay",
		Name:      "events_published_total",
		Help:      "Domain events relayed to the message broker.",
	})
)

// ObserveProviderCall records one gateway call.
func ObserveProviderCall(provider, operation, outcome string, elapsed time.Duration) {
	providerRequests.WithLabelValues(provider, operation, outcome).Inc()
	providerLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

// CountTransition records a committed domain event.
func CountTransition(aggregate, event string) {
	transitions.WithLabelValues(aggregate, event).Inc()
}

// CountReservation records an idempotency ledger decision.
func CountReservation(operation, decision string) {
	idempotency.WithLabelValues(operation, decision).Inc()
}

// CountReconciliation records a reconciliation result.
func CountReconciliation(result string) {
	reconciliations.WithLabelValues(result).Inc()
}

// AddPublished records relayed events.
func AddPublished(n int) {
	eventsPublished.Add(float64(n))
}
