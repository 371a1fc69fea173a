package billing

import (
	"context"
	"time"
)

// Provider defines the interface to the external payment processor.
// The rest of the system treats the processor as a black box behind this
// interface; only the Stripe implementation knows SDK types.
type Provider interface {
	// CreateCustomer creates a customer record in the processor.
	// Metadata must include laboratory_id: it is the authoritative
	// cross-reference used to recover the laboratory when a webhook arrives
	// for a subscription we never stored locally.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetCustomerByEmail searches for an existing customer by billing email.
	// Returns nil, nil if no customer found (not an error).
	GetCustomerByEmail(ctx context.Context, email string) (*Customer, error)

	// CreateSubscription creates a recurring subscription on the processor.
	// The processor owns proration, trial clocks, and payment collection.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// GetSubscription retrieves the processor's current view of a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpdateSubscriptionPrice swaps the subscription's price with prorated
	// billing. Proration arithmetic is delegated to the processor.
	UpdateSubscriptionPrice(ctx context.Context, params UpdateSubscriptionPriceParams) (*Subscription, error)

	// SetCancelAtPeriodEnd flags or unflags cancellation at the period boundary.
	// Status does not change until the processor emits the deletion event.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, flag bool) (*Subscription, error)

	// CancelSubscription cancels immediately. The returned state carries the
	// cancellation timestamp.
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListPaymentMethods lists the customer's saved card payment methods.
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)

	// AttachPaymentMethod attaches a payment method to a customer and makes it
	// the default for invoices.
	AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*PaymentMethod, error)

	// VerifyWebhookSignature verifies that a webhook request is authentic.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// Customer represents a processor customer.
type Customer struct {
	ID        string
	Email     string
	Name      string
	Metadata  map[string]string
	CreatedAt time.Time
}

// CreateSubscriptionParams contains parameters for creating a subscription.
type CreateSubscriptionParams struct {
	// CustomerID is the processor customer reference (cus_...).
	CustomerID string

	// PriceID is the processor price reference for the plan (price_...).
	PriceID string

	// DefaultPaymentMethodID is set as the subscription's payment method (pm_...).
	// Optional during trials.
	DefaultPaymentMethodID string

	// TrialDays grants a trial of that many days. Zero means no trial.
	TrialDays int32

	// Metadata must include laboratory_id and plan_code for reconciliation.
	Metadata map[string]string

	// IdempotencyKey prevents duplicate subscriptions on retry.
	IdempotencyKey string
}

// UpdateSubscriptionPriceParams contains parameters for a prorated price swap.
type UpdateSubscriptionPriceParams struct {
	SubscriptionID string

	// ItemID is the subscription item whose price is replaced.
	ItemID string

	// NewPriceID is the processor price reference of the new plan.
	NewPriceID string

	// Metadata updates (plan_code must be refreshed alongside the price).
	Metadata map[string]string
}

// AttachPaymentMethodParams contains parameters for attaching a payment method.
type AttachPaymentMethodParams struct {
	CustomerID      string
	PaymentMethodID string

	// SetDefault makes the method the customer's default for invoices.
	SetDefault bool
}

// PaymentMethod represents a saved payment method.
type PaymentMethod struct {
	ID        string
	Type      string // "card"
	Brand     string
	Last4     string
	ExpMonth  int64
	ExpYear   int64
	IsDefault bool
}

// SubscriptionItem is the line item carrying the price on a subscription.
type SubscriptionItem struct {
	ID      string
	PriceID string
}

// Subscription is the processor's view of a subscription. Status uses the
// processor's vocabulary ("trialing", "active", "past_due", ...); mapping to
// local states happens in the service layer.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Items              []SubscriptionItem
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Metadata           map[string]string
	CreatedAt          time.Time
}

// PrimaryItem returns the first subscription item. Subscriptions here always
// carry exactly one price.
func (s *Subscription) PrimaryItem() *SubscriptionItem {
	if len(s.Items) == 0 {
		return nil
	}
	return &s.Items[0]
}
