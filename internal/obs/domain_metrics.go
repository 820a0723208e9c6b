package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts session initiation outcomes per gateway.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhooks by mapped action.
	PaymentWebhookTotal *prometheus.CounterVec
	// SignatureFailures counts webhook deliveries and payment proofs that
	// failed signature verification. Spoofed events are acknowledged but
	// tracked.
	SignatureFailures *prometheus.CounterVec
	// StatusPollAttempts records how many poll attempts a status check used
	// before reaching a terminal raw status or the attempt ceiling.
	StatusPollAttempts *prometheus.HistogramVec
	// RefundTotal counts refund outcomes per gateway.
	RefundTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific
// Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment session initiation outcomes.",
		}, []string{"gateway", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by mapped action.",
		}, []string{"gateway", "action"})
		SignatureFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_failures_total",
			Help:      "Count of webhook or payment proofs rejected by signature verification.",
		}, []string{"gateway"})
		StatusPollAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "status_poll_attempts",
			Help:      "Poll attempts used per status check.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"gateway"})
		RefundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_refund_total",
			Help:      "Count of refund outcomes.",
		}, []string{"gateway", "result"})

		mustRegisterCollector(reg, PaymentIntentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentIntentTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, SignatureFailures, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SignatureFailures = v
			}
		})
		mustRegisterCollector(reg, StatusPollAttempts, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				StatusPollAttempts = v
			}
		})
		mustRegisterCollector(reg, RefundTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RefundTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, replace func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			replace(are.ExistingCollector)
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
