// Package webhook receives processor webhook events and feeds them into the
// reconciliation path. The processor retries on any non-2xx response, so the
// handler acknowledges only after the event has been applied locally.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/labledger/labledger/internal/billing"
	"github.com/labledger/labledger/internal/domain"
	"github.com/labledger/labledger/internal/handler"
	"github.com/labledger/labledger/internal/service"
	"github.com/labledger/labledger/internal/telemetry"
)

// StripeHandler handles Stripe webhook events.
type StripeHandler struct {
	provider      billing.Provider
	subscriptions service.SubscriptionService
	webhookSecret string
	metrics       *telemetry.BillingMetrics
	logger        *slog.Logger
}

// NewStripeHandler creates a new Stripe webhook handler.
func NewStripeHandler(
	provider billing.Provider,
	subscriptions service.SubscriptionService,
	webhookSecret string,
	metrics *telemetry.BillingMetrics,
	logger *slog.Logger,
) *StripeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeHandler{
		provider:      provider,
		subscriptions: subscriptions,
		webhookSecret: webhookSecret,
		metrics:       metrics,
		logger:        logger,
	}
}

// HandleWebhook processes POST /billing/webhook.
//
// Response codes:
//   - 400: unreadable body, bad signature, or malformed payload. The
//     processor stops retrying these.
//   - 500: the event was valid but local application failed. The processor
//     retries with backoff until it succeeds.
//   - 200: the event was applied, was a stale replay, or is a kind this
//     service does not track.
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.read", "Error reading request body"))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.verify", "Missing Stripe-Signature header"))
		return
	}

	if err := h.provider.VerifyWebhookSignature(payload, signature, h.webhookSecret); err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		handler.ErrorResponse(w, r, domain.Errorf(domain.EUNAUTHORIZED, "webhook.verify", "Invalid signature"))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("webhook.parse", "Invalid JSON payload"))
		return
	}

	h.metrics.WebhooksReceived.WithLabelValues(string(event.Type)).Inc()
	h.logger.Info("webhook event received", "event_id", event.ID, "kind", event.Type)

	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		err = h.handleSubscriptionEvent(r, event)

	case "invoice.payment_succeeded",
		"invoice.payment_failed":
		err = h.handleInvoiceEvent(r, event)

	default:
		// Not tracked. Acknowledge so the processor stops redelivering.
		h.logger.Debug("ignoring webhook event kind", "event_id", event.ID, "kind", event.Type)
	}

	if err != nil {
		h.logger.Error("webhook application failed",
			"event_id", event.ID,
			"kind", event.Type,
			"error", err,
		)
		handler.ErrorResponse(w, r, domain.Internal(err, "webhook.apply", "failed to apply webhook event"))
		return
	}

	handler.RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *StripeHandler) handleSubscriptionEvent(r *http.Request, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		// Malformed object inside a signed event. Retrying cannot help.
		h.logger.Error("failed to parse subscription from webhook", "event_id", event.ID, "error", err)
		return nil
	}

	params := service.SubscriptionEventParams{
		EventID:                event.ID,
		Kind:                   string(event.Type),
		EventAt:                time.Unix(event.Created, 0),
		ProviderSubscriptionID: sub.ID,
		Status:                 string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		LaboratoryID:           sub.Metadata["laboratory_id"],
		PlanCode:               sub.Metadata["plan_code"],
	}
	if sub.Customer != nil {
		params.ProviderCustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		params.PeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		params.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
	}
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0)
		params.TrialStart = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0)
		params.TrialEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0)
		params.CanceledAt = &t
	}

	return h.subscriptions.SyncSubscriptionEvent(r.Context(), params)
}

func (h *StripeHandler) handleInvoiceEvent(r *http.Request, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		h.logger.Error("failed to parse invoice from webhook", "event_id", event.ID, "error", err)
		return nil
	}

	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
		// One-off invoice with no subscription parent. Not tracked.
		h.logger.Debug("ignoring invoice without subscription parent", "event_id", event.ID, "invoice_id", inv.ID)
		return nil
	}

	amount := inv.AmountDue
	if inv.AmountPaid > 0 {
		amount = inv.AmountPaid
	}

	params := service.InvoiceEventParams{
		EventID:                event.ID,
		Kind:                   string(event.Type),
		EventAt:                time.Unix(event.Created, 0),
		ProviderInvoiceID:      inv.ID,
		ProviderSubscriptionID: inv.Parent.SubscriptionDetails.Subscription.ID,
		AmountCents:            amount,
		Currency:               string(inv.Currency),
		Status:                 string(inv.Status),
	}
	if inv.DueDate > 0 {
		t := time.Unix(inv.DueDate, 0)
		params.DueDate = &t
	}
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		t := time.Unix(inv.StatusTransitions.PaidAt, 0)
		params.PaidAt = &t
	}

	return h.subscriptions.RecordInvoiceEvent(r.Context(), params)
}
