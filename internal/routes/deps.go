package routes

import (
	"net/http"

	"github.com/labledger/labledger/internal/handler/api"
)

// BillingDeps contains dependencies for the billing API routes.
type BillingDeps struct {
	Handler *api.BillingHandler
}

// WebhookDeps contains dependencies for webhook routes.
type WebhookDeps struct {
	StripeHandler http.HandlerFunc
}

// SystemDeps contains dependencies for health and metrics routes.
type SystemDeps struct {
	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
}
