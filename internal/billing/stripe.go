package billing

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider using the Stripe SDK.
type StripeProvider struct {
	config  StripeConfig
	timeout time.Duration
}

// NewStripeProvider creates a new Stripe billing provider.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 30
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	stripe.Key = config.APIKey
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(int64(config.MaxRetries)),
	}))

	return &StripeProvider{
		config:  config,
		timeout: time.Duration(config.TimeoutSeconds) * time.Second,
	}, nil
}

// CreateCustomer creates a Stripe customer.
func (s *StripeProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cp := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
		Name:  stripe.String(params.Name),
	}
	cp.Context = ctx
	for k, v := range params.Metadata {
		cp.AddMetadata(k, v)
	}

	cust, err := customer.New(cp)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return toCustomer(cust), nil
}

// GetCustomerByEmail searches for an existing customer by billing email.
// Returns nil, nil when no customer matches.
func (s *StripeProvider) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	lp := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	lp.Context = ctx
	lp.Limit = stripe.Int64(1)

	it := customer.List(lp)
	for it.Next() {
		return toCustomer(it.Customer()), nil
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeError(err)
	}
	return nil, nil
}

// CreateSubscription creates a Stripe subscription.
func (s *StripeProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sp := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	sp.Context = ctx
	if params.DefaultPaymentMethodID != "" {
		sp.DefaultPaymentMethod = stripe.String(params.DefaultPaymentMethodID)
		sp.PaymentBehavior = stripe.String("allow_incomplete")
	}
	if params.TrialDays > 0 {
		sp.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	if params.IdempotencyKey != "" {
		sp.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}

	sub, err := subscription.New(sp)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return toSubscription(sub), nil
}

// GetSubscription retrieves a Stripe subscription.
func (s *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	gp := &stripe.SubscriptionParams{}
	gp.Context = ctx

	sub, err := subscription.Get(subscriptionID, gp)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return toSubscription(sub), nil
}

// UpdateSubscriptionPrice swaps the subscription item's price with prorations.
func (s *StripeProvider) UpdateSubscriptionPrice(ctx context.Context, params UpdateSubscriptionPriceParams) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	up := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(params.ItemID),
				Price: stripe.String(params.NewPriceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	up.Context = ctx
	for k, v := range params.Metadata {
		up.AddMetadata(k, v)
	}

	sub, err := subscription.Update(params.SubscriptionID, up)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return toSubscription(sub), nil
}

// SetCancelAtPeriodEnd flags or unflags cancellation at the period boundary.
func (s *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, flag bool) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	up := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(flag),
	}
	up.Context = ctx

	sub, err := subscription.Update(subscriptionID, up)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return toSubscription(sub), nil
}

// CancelSubscription cancels a Stripe subscription immediately.
func (s *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cp := &stripe.SubscriptionCancelParams{}
	cp.Context = ctx

	sub, err := subscription.Cancel(subscriptionID, cp)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return toSubscription(sub), nil
}

// ListPaymentMethods lists the customer's saved card payment methods.
func (s *StripeProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cust, err := customer.Get(customerID, nil)
	if err != nil {
		return nil, wrapStripeError(err)
	}
	defaultID := ""
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		defaultID = cust.InvoiceSettings.DefaultPaymentMethod.ID
	}

	lp := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String("card"),
	}
	lp.Context = ctx

	var methods []PaymentMethod
	it := paymentmethod.List(lp)
	for it.Next() {
		pm := it.PaymentMethod()
		m := PaymentMethod{
			ID:        pm.ID,
			Type:      string(pm.Type),
			IsDefault: pm.ID == defaultID,
		}
		if pm.Card != nil {
			m.Brand = string(pm.Card.Brand)
			m.Last4 = pm.Card.Last4
			m.ExpMonth = pm.Card.ExpMonth
			m.ExpYear = pm.Card.ExpYear
		}
		methods = append(methods, m)
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeError(err)
	}

	return methods, nil
}

// AttachPaymentMethod attaches a payment method to a customer.
func (s *StripeProvider) AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*PaymentMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ap := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(params.CustomerID),
	}
	ap.Context = ctx

	pm, err := paymentmethod.Attach(params.PaymentMethodID, ap)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	if params.SetDefault {
		up := &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
				DefaultPaymentMethod: stripe.String(pm.ID),
			},
		}
		up.Context = ctx
		if _, err := customer.Update(params.CustomerID, up); err != nil {
			return nil, wrapStripeError(err)
		}
	}

	m := &PaymentMethod{
		ID:        pm.ID,
		Type:      string(pm.Type),
		IsDefault: params.SetDefault,
	}
	if pm.Card != nil {
		m.Brand = string(pm.Card.Brand)
		m.Last4 = pm.Card.Last4
		m.ExpMonth = pm.Card.ExpMonth
		m.ExpYear = pm.Card.ExpYear
	}
	return m, nil
}

// VerifyWebhookSignature verifies a Stripe webhook signature.
func (s *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	_, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ErrInvalidWebhookSignature
	}
	return nil
}

func toCustomer(c *stripe.Customer) *Customer {
	return &Customer{
		ID:        c.ID,
		Email:     c.Email,
		Name:      c.Name,
		Metadata:  c.Metadata,
		CreatedAt: time.Unix(c.Created, 0),
	}
}

// toSubscription converts the SDK subscription. Period boundaries live on the
// subscription item since the basil API versions.
func toSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
		CreatedAt:         time.Unix(sub.Created, 0),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			si := SubscriptionItem{ID: item.ID}
			if item.Price != nil {
				si.PriceID = item.Price.ID
			}
			out.Items = append(out.Items, si)
		}
		if len(sub.Items.Data) > 0 {
			out.CurrentPeriodStart = time.Unix(sub.Items.Data[0].CurrentPeriodStart, 0)
			out.CurrentPeriodEnd = time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0)
		}
	}
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0)
		out.TrialStart = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0)
		out.TrialEnd = &t
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0)
		out.CanceledAt = &t
	}
	return out
}

// wrapStripeError converts SDK errors into the package's error types.
// Network-level failures become ErrProcessorUnavailable so callers know no
// local state may be committed.
func wrapStripeError(err error) error {
	if err == nil {
		return nil
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// No structured response from Stripe: connection failure or timeout.
		return &StripeError{
			Message:       err.Error(),
			OriginalError: errors.Join(ErrProcessorUnavailable, err),
		}
	}

	wrapped := &StripeError{
		Message:       stripeErr.Msg,
		Code:          string(stripeErr.Code),
		DeclineCode:   string(stripeErr.DeclineCode),
		RequestID:     stripeErr.RequestID,
		OriginalError: err,
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeResourceMissing:
		wrapped.OriginalError = errors.Join(ErrSubscriptionNotFound, err)
	case stripe.ErrorCodeRateLimit:
		wrapped.OriginalError = errors.Join(ErrProcessorUnavailable, err)
	}
	if stripeErr.Type == stripe.ErrorTypeAPI {
		wrapped.OriginalError = errors.Join(ErrProcessorUnavailable, err)
	}

	return wrapped
}
