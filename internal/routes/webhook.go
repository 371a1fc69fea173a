package routes

import (
	"github.com/labledger/labledger/internal/router"
)

// RegisterWebhookRoutes registers webhook routes.
//
// Note: webhook routes have no authentication middleware. The handler
// verifies the processor's request signature itself.
func RegisterWebhookRoutes(r *router.Router, deps WebhookDeps) {
	r.Post("/billing/webhook", deps.StripeHandler)
}
