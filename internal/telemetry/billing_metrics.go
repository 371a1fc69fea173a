// Package telemetry defines the service's Prometheus metrics. Metrics are
// owned by an injected registry with no package-level state; callers hold the
// collector instance and the same registry backs the pull endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BillingMetrics tracks billing lifecycle activity.
type BillingMetrics struct {
	// SubscriptionsCreated counts successful subscription creations.
	SubscriptionsCreated prometheus.Counter

	// SubscriptionsCanceled counts cancellations (immediate and webhook-driven).
	SubscriptionsCanceled prometheus.Counter

	// PlanChanges counts successful plan changes.
	PlanChanges prometheus.Counter

	// WebhooksReceived counts authenticated webhook events by kind.
	WebhooksReceived *prometheus.CounterVec

	// WebhooksApplied counts events that changed local state.
	WebhooksApplied prometheus.Counter

	// WebhooksStale counts events rejected by the staleness check.
	WebhooksStale prometheus.Counter

	// WebhooksFailed counts events whose application failed.
	WebhooksFailed prometheus.Counter

	// ReconcileRepairs counts subscription rows created from webhook metadata
	// because the synchronous path never committed them.
	ReconcileRepairs prometheus.Counter

	// InvoicesRecorded counts invoice rows appended from webhook events.
	InvoicesRecorded prometheus.Counter

	// ProviderLatency observes processor call latency by operation.
	ProviderLatency *prometheus.HistogramVec
}

// NewBillingMetrics creates and registers the billing metrics on reg.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	factory := promauto.With(reg)

	return &BillingMetrics{
		SubscriptionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_subscriptions_created_total",
			Help: "Total subscriptions created",
		}),
		SubscriptionsCanceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_subscriptions_canceled_total",
			Help: "Total subscriptions canceled",
		}),
		PlanChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_plan_changes_total",
			Help: "Total plan changes",
		}),
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhooks_received_total",
			Help: "Authenticated webhook events received by kind",
		}, []string{"kind"}),
		WebhooksApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_webhooks_applied_total",
			Help: "Webhook events that changed local state",
		}),
		WebhooksStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_webhooks_stale_total",
			Help: "Webhook events rejected as stale or replayed",
		}),
		WebhooksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_webhooks_failed_total",
			Help: "Webhook events whose application failed",
		}),
		ReconcileRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_reconcile_repairs_total",
			Help: "Subscription rows repaired from webhook metadata",
		}),
		InvoicesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "billing_invoices_recorded_total",
			Help: "Invoice rows recorded from webhook events",
		}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_provider_latency_seconds",
			Help:    "Payment processor call latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}
