package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Simulates successful processor flows without calling the Stripe API.
type MockProvider struct {
	// CreateCustomerFunc allows customizing customer creation behavior
	CreateCustomerFunc func(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetCustomerByEmailFunc allows customizing customer lookup behavior
	GetCustomerByEmailFunc func(ctx context.Context, email string) (*Customer, error)

	// CreateSubscriptionFunc allows customizing subscription creation behavior
	CreateSubscriptionFunc func(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// GetSubscriptionFunc allows customizing subscription retrieval behavior
	GetSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpdateSubscriptionPriceFunc allows customizing price swap behavior
	UpdateSubscriptionPriceFunc func(ctx context.Context, params UpdateSubscriptionPriceParams) (*Subscription, error)

	// SetCancelAtPeriodEndFunc allows customizing the cancel flag behavior
	SetCancelAtPeriodEndFunc func(ctx context.Context, subscriptionID string, flag bool) (*Subscription, error)

	// CancelSubscriptionFunc allows customizing immediate cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// VerifyWebhookSignatureFunc allows customizing webhook verification behavior
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) error

	// Customers stores created customers for retrieval
	Customers map[string]*Customer

	// Subscriptions stores created subscriptions for retrieval
	Subscriptions map[string]*Subscription

	// PaymentMethods stores attached payment methods per customer
	PaymentMethods map[string][]PaymentMethod

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Customers:      make(map[string]*Customer),
		Subscriptions:  make(map[string]*Subscription),
		PaymentMethods: make(map[string][]PaymentMethod),
		CallLog:        []string{},
	}
}

// CreateCustomer creates a mock customer.
func (m *MockProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateCustomer(%s)", params.Email))

	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}

	c := &Customer{
		ID:        "cus_" + uuid.New().String()[:8],
		Email:     params.Email,
		Name:      params.Name,
		Metadata:  params.Metadata,
		CreatedAt: time.Now(),
	}
	m.Customers[c.ID] = c
	return c, nil
}

// GetCustomerByEmail searches for a mock customer by email.
func (m *MockProvider) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetCustomerByEmail(%s)", email))

	if m.GetCustomerByEmailFunc != nil {
		return m.GetCustomerByEmailFunc(ctx, email)
	}

	for _, c := range m.Customers {
		if c.Email == email {
			return c, nil
		}
	}
	return nil, nil
}

// CreateSubscription creates a mock subscription.
func (m *MockProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateSubscription(%s, %s)", params.CustomerID, params.PriceID))

	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, params)
	}

	now := time.Now()
	sub := &Subscription{
		ID:         "sub_" + uuid.New().String()[:8],
		CustomerID: params.CustomerID,
		Status:     "active",
		Items: []SubscriptionItem{
			{ID: "si_" + uuid.New().String()[:8], PriceID: params.PriceID},
		},
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Metadata:           params.Metadata,
		CreatedAt:          now,
	}
	if params.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, int(params.TrialDays))
		sub.Status = "trialing"
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
	}
	m.Subscriptions[sub.ID] = sub
	return sub, nil
}

// GetSubscription retrieves a mock subscription.
func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// UpdateSubscriptionPrice swaps a mock subscription's price.
func (m *MockProvider) UpdateSubscriptionPrice(ctx context.Context, params UpdateSubscriptionPriceParams) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("UpdateSubscriptionPrice(%s, %s)", params.SubscriptionID, params.NewPriceID))

	if m.UpdateSubscriptionPriceFunc != nil {
		return m.UpdateSubscriptionPriceFunc(ctx, params)
	}

	sub, exists := m.Subscriptions[params.SubscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	if len(sub.Items) > 0 {
		sub.Items[0].PriceID = params.NewPriceID
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{}
	}
	for k, v := range params.Metadata {
		sub.Metadata[k] = v
	}
	return sub, nil
}

// SetCancelAtPeriodEnd flags a mock subscription for period-end cancellation.
func (m *MockProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, flag bool) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("SetCancelAtPeriodEnd(%s, %t)", subscriptionID, flag))

	if m.SetCancelAtPeriodEndFunc != nil {
		return m.SetCancelAtPeriodEndFunc(ctx, subscriptionID, flag)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	sub.CancelAtPeriodEnd = flag
	return sub, nil
}

// CancelSubscription cancels a mock subscription immediately.
func (m *MockProvider) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CancelSubscription(%s)", subscriptionID))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, subscriptionID)
	}

	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	now := time.Now()
	sub.Status = "canceled"
	sub.CanceledAt = &now
	return sub, nil
}

// ListPaymentMethods lists mock payment methods for a customer.
func (m *MockProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ListPaymentMethods(%s)", customerID))
	return m.PaymentMethods[customerID], nil
}

// AttachPaymentMethod attaches a mock payment method to a customer.
func (m *MockProvider) AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*PaymentMethod, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("AttachPaymentMethod(%s, %s)", params.CustomerID, params.PaymentMethodID))

	pm := PaymentMethod{
		ID:        params.PaymentMethodID,
		Type:      "card",
		Brand:     "visa",
		Last4:     "4242",
		IsDefault: params.SetDefault,
	}
	m.PaymentMethods[params.CustomerID] = append(m.PaymentMethods[params.CustomerID], pm)
	return &pm, nil
}

// VerifyWebhookSignature verifies a mock webhook signature.
func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	m.CallLog = append(m.CallLog, "VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}
	return nil
}

// SimulatePastDue moves a mock subscription to past_due status.
// Used in tests to simulate a failed renewal payment.
func (m *MockProvider) SimulatePastDue(subscriptionID string) error {
	sub, exists := m.Subscriptions[subscriptionID]
	if !exists {
		return ErrSubscriptionNotFound
	}
	sub.Status = "past_due"
	return nil
}

// Compile-time check that both providers satisfy the interface.
var (
	_ Provider = (*MockProvider)(nil)
	_ Provider = (*StripeProvider)(nil)
)
