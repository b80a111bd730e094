package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentSessionTotal counts payment session open attempts by provider and result.
	PaymentSessionTotal *prometheus.CounterVec
	// PaymentEventTotal counts payment gateway events by kind (authorized, failed, transport_error, duplicate).
	PaymentEventTotal *prometheus.CounterVec
	// SubmissionTotal counts order submissions by result.
	SubmissionTotal *prometheus.CounterVec
	// PageCountTotal counts page count extractions by document format and result.
	PageCountTotal *prometheus.CounterVec
	// OrderStatusTransitionTotal counts admin status changes.
	OrderStatusTransitionTotal *prometheus.CounterVec
	// SubmissionLatency records order service round trips in milliseconds.
	SubmissionLatency prometheus.Histogram
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentSessionTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_session_total",
			Help:      "Count of payment session open attempts by outcome.",
		}, []string{"provider", "result"}))
		PaymentEventTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_event_total",
			Help:      "Count of payment gateway events by kind.",
		}, []string{"provider", "kind"}))
		SubmissionTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_total",
			Help:      "Count of order submissions by outcome.",
		}, []string{"result"}))
		PageCountTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pagecount_total",
			Help:      "Count of page count extractions by format and outcome.",
		}, []string{"format", "result"}))
		OrderStatusTransitionTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_transition_total",
			Help:      "Count of order status transitions.",
		}, []string{"from", "to"}))
		SubmissionLatency = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_ms",
			Help:      "Latency of order service submissions in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}))
	})
}

// IncPaymentSession records a session open outcome when metrics are registered.
func IncPaymentSession(provider, result string) {
	if PaymentSessionTotal != nil {
		PaymentSessionTotal.WithLabelValues(provider, result).Inc()
	}
}

// IncPaymentEvent records a gateway event.
func IncPaymentEvent(provider, kind string) {
	if PaymentEventTotal != nil {
		PaymentEventTotal.WithLabelValues(provider, kind).Inc()
	}
}

// IncSubmission records a submission outcome.
func IncSubmission(result string) {
	if SubmissionTotal != nil {
		SubmissionTotal.WithLabelValues(result).Inc()
	}
}

// ObserveSubmission records the submission round trip.
func ObserveSubmission(ms float64) {
	if SubmissionLatency != nil {
		SubmissionLatency.Observe(ms)
	}
}

// IncPageCount records a page count extraction.
func IncPageCount(format, result string) {
	if PageCountTotal != nil {
		PageCountTotal.WithLabelValues(format, result).Inc()
	}
}

// IncStatusTransition records an order status change.
func IncStatusTransition(from, to string) {
	if OrderStatusTransitionTotal != nil {
		OrderStatusTransitionTotal.WithLabelValues(from, to).Inc()
	}
}
