package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when the processor API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrCustomerNotFound is returned when the customer does not exist at the processor.
	ErrCustomerNotFound = errors.New("billing: customer not found")

	// ErrSubscriptionNotFound is returned when the subscription does not exist at the processor.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")

	// ErrPaymentMethodNotFound is returned when the payment method does not exist.
	ErrPaymentMethodNotFound = errors.New("billing: payment method not found")

	// ErrDuplicateSubscription is returned when the processor rejects a second
	// subscription for an already-subscribed customer.
	ErrDuplicateSubscription = errors.New("billing: customer already has a subscription")

	// ErrProcessorUnavailable is returned when the processor call failed or
	// timed out. Callers must not commit any local state after this error.
	ErrProcessorUnavailable = errors.New("billing: payment processor unavailable")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g., "card_declined")
	DeclineCode   string // Card decline reason (if applicable)
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// IsDeclined returns true if error is due to card decline.
func (e *StripeError) IsDeclined() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

// IsTemporary returns true if error is likely transient and retryable.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error"
}
