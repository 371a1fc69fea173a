package routes

import (
	"github.com/labledger/labledger/internal/router"
)

// RegisterBillingRoutes registers the billing API routes.
func RegisterBillingRoutes(r *router.Router, deps BillingDeps) {
	h := deps.Handler

	r.Get("/billing/plans", h.ListPlans)
	r.Get("/billing/subscription", h.GetCurrentSubscription)
	r.Post("/billing/subscriptions", h.CreateSubscription)
	r.Put("/billing/subscriptions/{id}", h.ChangePlan)
	r.Post("/billing/subscriptions/{id}/cancel", h.CancelSubscription)
	r.Get("/billing/invoices", h.ListInvoices)
	r.Get("/billing/payment-methods", h.ListPaymentMethods)
	r.Post("/billing/payment-methods", h.AttachPaymentMethod)
	r.Get("/billing/usage", h.GetUsage)
}
