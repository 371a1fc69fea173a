package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/labledger/labledger/internal/billing"
	"github.com/labledger/labledger/internal/domain"
)

// SubscriptionService manages the subscription lifecycle: the synchronous
// writer operations, webhook reconciliation, and the provider sweep.
type SubscriptionService interface {
	// GetCurrentSubscription returns the laboratory's live subscription.
	GetCurrentSubscription(ctx context.Context, laboratoryID uuid.UUID) (*domain.Subscription, error)

	// CreateSubscription creates a subscription for a laboratory with no live
	// subscription. The external subscription is created first; local rows
	// commit only after the processor confirms.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*domain.Subscription, error)

	// ChangePlan swaps the subscription's plan with prorated billing and
	// copies the new plan's entitlement limits onto the subscription row.
	ChangePlan(ctx context.Context, params ChangePlanParams) (*domain.Subscription, error)

	// SetCancelAtPeriodEnd mirrors the processor's cancel flag. Status does
	// not change until the processor emits the deletion event at period end.
	SetCancelAtPeriodEnd(ctx context.Context, params SetCancelAtPeriodEndParams) (*domain.Subscription, error)

	// CancelImmediately cancels at the processor and stamps local CANCELED
	// state synchronously, without waiting for the webhook.
	CancelImmediately(ctx context.Context, laboratoryID, subscriptionID uuid.UUID) error

	// ListInvoices returns the laboratory's locally recorded invoices.
	ListInvoices(ctx context.Context, laboratoryID uuid.UUID) ([]domain.Invoice, error)

	// ListPaymentMethods lists the laboratory's saved payment methods.
	ListPaymentMethods(ctx context.Context, laboratoryID uuid.UUID) ([]billing.PaymentMethod, error)

	// AttachPaymentMethod attaches a payment method to the laboratory's
	// billing customer and makes it the default.
	AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*billing.PaymentMethod, error)

	// SyncSubscriptionEvent applies a subscription webhook event. Replayed
	// and stale events are acknowledged without changing state. Events for
	// subscriptions unknown locally create the missing row from the event's
	// laboratory metadata.
	SyncSubscriptionEvent(ctx context.Context, params SubscriptionEventParams) error

	// RecordInvoiceEvent appends an invoice row for an invoice webhook event,
	// keyed by the external invoice reference.
	RecordInvoiceEvent(ctx context.Context, params InvoiceEventParams) error

	// RefreshFromProvider re-reads one subscription from the processor and
	// applies its state. Backstop for missed webhook deliveries.
	RefreshFromProvider(ctx context.Context, providerSubscriptionID string) error
}

// CreateSubscriptionParams contains parameters for creating a subscription.
type CreateSubscriptionParams struct {
	LaboratoryID uuid.UUID

	// PlanCode selects the catalog plan (STARTER, PROFESSIONAL, ENTERPRISE).
	PlanCode string

	// PaymentMethodID is the processor payment method reference (pm_...).
	// Optional when a trial is granted.
	PaymentMethodID string

	// TrialDays overrides the default trial length. Nil means the default;
	// an explicit zero means no trial.
	TrialDays *int32
}

// ChangePlanParams contains parameters for a plan change.
type ChangePlanParams struct {
	LaboratoryID   uuid.UUID
	SubscriptionID uuid.UUID
	NewPlanCode    string
}

// SetCancelAtPeriodEndParams contains parameters for the cancel flag.
type SetCancelAtPeriodEndParams struct {
	LaboratoryID   uuid.UUID
	SubscriptionID uuid.UUID
	Flag           bool
}

// AttachPaymentMethodParams contains parameters for attaching a payment method.
type AttachPaymentMethodParams struct {
	LaboratoryID    uuid.UUID
	PaymentMethodID string
	SetDefault      bool
}

// SubscriptionEventParams carries the provider-authoritative fields of a
// subscription webhook event. The webhook handler extracts these from the
// raw processor payload; the service never sees SDK types.
type SubscriptionEventParams struct {
	EventID string
	Kind    string

	// EventAt is the processor's event creation time, used for staleness ordering.
	EventAt time.Time

	ProviderSubscriptionID string
	ProviderCustomerID     string

	// Status uses the processor's vocabulary ("trialing", "active", ...).
	Status string

	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialStart        *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time

	// LaboratoryID and PlanCode come from the subscription's metadata,
	// stamped at creation time. Used to repair locally missing rows.
	LaboratoryID string
	PlanCode     string
}

// InvoiceEventParams carries the fields of an invoice webhook event.
type InvoiceEventParams struct {
	EventID string
	Kind    string
	EventAt time.Time

	ProviderInvoiceID      string
	ProviderSubscriptionID string
	AmountCents            int64
	Currency               string
	Status                 string
	DueDate                *time.Time
	PaidAt                 *time.Time
}

// MapProviderStatus translates the processor's status vocabulary into the
// four local lifecycle states.
func MapProviderStatus(status string) domain.SubscriptionStatus {
	switch status {
	case "trialing":
		return domain.SubscriptionStatusTrial
	case "active":
		return domain.SubscriptionStatusActive
	case "canceled", "incomplete_expired":
		return domain.SubscriptionStatusCanceled
	default:
		// past_due, unpaid, incomplete, paused: payment needs attention.
		return domain.SubscriptionStatusPastDue
	}
}
