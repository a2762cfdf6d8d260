package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// GatewayWebhookTotal counts inbound gateway webhook processing outcomes.
	GatewayWebhookTotal *prometheus.CounterVec
	// PriceDriftCorrections counts metadata price mirrors rewritten from root fields.
	PriceDriftCorrections prometheus.Counter
	// CouponValidationTotal counts coupon validation outcomes.
	CouponValidationTotal *prometheus.CounterVec
	// DispatchFailuresTotal counts isolated side-effect dispatch failures per target.
	DispatchFailuresTotal *prometheus.CounterVec
	// ProgramResolutionFallbacks counts program lookups that needed a fallback strategy.
	ProgramResolutionFallbacks *prometheus.CounterVec
	// UnresolvableProgramTotal counts checkout inputs no strategy could resolve.
	UnresolvableProgramTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		GatewayWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_webhook_total",
			Help:      "Count of processed payment gateway webhooks by outcome.",
		}, []string{"provider", "result"})
		PriceDriftCorrections = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_drift_corrections_total",
			Help:      "Number of metadata price mirrors corrected from the root fields.",
		})
		CouponValidationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coupon_validation_total",
			Help:      "Count of coupon validation outcomes.",
		}, []string{"result"})
		DispatchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Count of failed downstream side-effect dispatches.",
		}, []string{"target"})
		ProgramResolutionFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "program_resolution_fallbacks_total",
			Help:      "Count of program resolutions served by a fallback strategy.",
		}, []string{"strategy"})
		UnresolvableProgramTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolvable_program_total",
			Help:      "Count of checkout inputs that resolved to no program.",
		})

		mustRegisterCollector(reg, GatewayWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				GatewayWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, PriceDriftCorrections, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PriceDriftCorrections = v
			}
		})
		mustRegisterCollector(reg, CouponValidationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CouponValidationTotal = v
			}
		})
		mustRegisterCollector(reg, DispatchFailuresTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				DispatchFailuresTotal = v
			}
		})
		mustRegisterCollector(reg, ProgramResolutionFallbacks, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ProgramResolutionFallbacks = v
			}
		})
		mustRegisterCollector(reg, UnresolvableProgramTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				UnresolvableProgramTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
