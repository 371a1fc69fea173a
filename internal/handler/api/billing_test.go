package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labledger/labledger/internal/billing"
	"github.com/labledger/labledger/internal/domain"
	"github.com/labledger/labledger/internal/plan"
	"github.com/labledger/labledger/internal/service"
)

// stubSubscriptionService lets each test inject just the method it exercises.
type stubSubscriptionService struct {
	getCurrentFunc func(ctx context.Context, laboratoryID uuid.UUID) (*domain.Subscription, error)
	createFunc     func(ctx context.Context, params service.CreateSubscriptionParams) (*domain.Subscription, error)
	changePlanFunc func(ctx context.Context, params service.ChangePlanParams) (*domain.Subscription, error)
	setCancelFunc  func(ctx context.Context, params service.SetCancelAtPeriodEndParams) (*domain.Subscription, error)
	cancelNowFunc  func(ctx context.Context, laboratoryID, subscriptionID uuid.UUID) error
	invoicesFunc   func(ctx context.Context, laboratoryID uuid.UUID) ([]domain.Invoice, error)
	methodsFunc    func(ctx context.Context, laboratoryID uuid.UUID) ([]billing.PaymentMethod, error)
	attachFunc     func(ctx context.Context, params service.AttachPaymentMethodParams) (*billing.PaymentMethod, error)
}

func (s *stubSubscriptionService) GetCurrentSubscription(ctx context.Context, laboratoryID uuid.UUID) (*domain.Subscription, error) {
	return s.getCurrentFunc(ctx, laboratoryID)
}

func (s *stubSubscriptionService) CreateSubscription(ctx context.Context, params service.CreateSubscriptionParams) (*domain.Subscription, error) {
	return s.createFunc(ctx, params)
}

func (s *stubSubscriptionService) ChangePlan(ctx context.Context, params service.ChangePlanParams) (*domain.Subscription, error) {
	return s.changePlanFunc(ctx, params)
}

func (s *stubSubscriptionService) SetCancelAtPeriodEnd(ctx context.Context, params service.SetCancelAtPeriodEndParams) (*domain.Subscription, error) {
	return s.setCancelFunc(ctx, params)
}

func (s *stubSubscriptionService) CancelImmediately(ctx context.Context, laboratoryID, subscriptionID uuid.UUID) error {
	return s.cancelNowFunc(ctx, laboratoryID, subscriptionID)
}

func (s *stubSubscriptionService) ListInvoices(ctx context.Context, laboratoryID uuid.UUID) ([]domain.Invoice, error) {
	return s.invoicesFunc(ctx, laboratoryID)
}

func (s *stubSubscriptionService) ListPaymentMethods(ctx context.Context, laboratoryID uuid.UUID) ([]billing.PaymentMethod, error) {
	return s.methodsFunc(ctx, laboratoryID)
}

func (s *stubSubscriptionService) AttachPaymentMethod(ctx context.Context, params service.AttachPaymentMethodParams) (*billing.PaymentMethod, error) {
	return s.attachFunc(ctx, params)
}

func (s *stubSubscriptionService) SyncSubscriptionEvent(ctx context.Context, params service.SubscriptionEventParams) error {
	return nil
}

func (s *stubSubscriptionService) RecordInvoiceEvent(ctx context.Context, params service.InvoiceEventParams) error {
	return nil
}

func (s *stubSubscriptionService) RefreshFromProvider(ctx context.Context, providerSubscriptionID string) error {
	return nil
}

type stubUsageService struct {
	getUsageFunc func(ctx context.Context, laboratoryID uuid.UUID) (*domain.Usage, error)
}

func (s *stubUsageService) GetUsage(ctx context.Context, laboratoryID uuid.UUID) (*domain.Usage, error) {
	return s.getUsageFunc(ctx, laboratoryID)
}

func newHandler(subs *stubSubscriptionService, usage *stubUsageService) *BillingHandler {
	catalog := plan.NewCatalog(plan.PriceIDs{
		Starter:      "price_starter_test",
		Professional: "price_professional_test",
		Enterprise:   "price_enterprise_test",
	})
	return NewBillingHandler(subs, usage, catalog, nil)
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func sampleSubscription(laboratoryID uuid.UUID) *domain.Subscription {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return &domain.Subscription{
		ID:           uuid.New(),
		LaboratoryID: laboratoryID,
		PlanCode:     plan.Professional,
		Status:       domain.SubscriptionStatusActive,
		PeriodStart:  now,
		PeriodEnd:    now.AddDate(0, 1, 0),
		Limits: domain.PlanLimits{
			EquipmentItems:   50,
			ComplianceChecks: 500,
			TeamMembers:      10,
			StorageBytes:     10 << 30,
		},
		CreatedAt: now,
	}
}

func TestListPlans(t *testing.T) {
	h := newHandler(&stubSubscriptionService{}, &stubUsageService{})

	rec := httptest.NewRecorder()
	h.ListPlans(rec, httptest.NewRequest(http.MethodGet, "/billing/plans", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	plans, ok := body["plans"].([]any)
	require.True(t, ok)
	require.Len(t, plans, 3)

	first := plans[0].(map[string]any)
	assert.Equal(t, "STARTER", first["code"])
	assert.Equal(t, float64(4900), first["price_cents"])
	limits := first["limits"].(map[string]any)
	assert.Equal(t, float64(10), limits["equipment_items"])

	last := plans[2].(map[string]any)
	assert.Equal(t, "ENTERPRISE", last["code"])
	lastLimits := last["limits"].(map[string]any)
	assert.Equal(t, float64(-1), lastLimits["equipment_items"], "unlimited is exposed as -1")
}

func TestGetCurrentSubscription(t *testing.T) {
	labID := uuid.New()

	t.Run("returns the live subscription", func(t *testing.T) {
		sub := sampleSubscription(labID)
		h := newHandler(&stubSubscriptionService{
			getCurrentFunc: func(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
				assert.Equal(t, labID, id)
				return sub, nil
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.GetCurrentSubscription(rec, httptest.NewRequest(http.MethodGet, "/billing/subscription?laboratoryId="+labID.String(), nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, sub.ID.String(), body["id"])
		assert.Equal(t, "PROFESSIONAL", body["plan_code"])
		assert.Equal(t, "ACTIVE", body["status"])
	})

	t.Run("missing laboratoryId parameter", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/billing/subscription", nil)
		req.Header.Set("Accept", "application/json")
		h.GetCurrentSubscription(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed laboratoryId parameter", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/billing/subscription?laboratoryId=not-a-uuid", nil)
		req.Header.Set("Accept", "application/json")
		h.GetCurrentSubscription(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no live subscription maps to 404", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{
			getCurrentFunc: func(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
				return nil, service.ErrSubscriptionNotFound
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/billing/subscription?laboratoryId="+labID.String(), nil)
		req.Header.Set("Accept", "application/json")
		h.GetCurrentSubscription(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCreateSubscriptionHandler(t *testing.T) {
	labID := uuid.New()

	t.Run("creates subscription", func(t *testing.T) {
		var got service.CreateSubscriptionParams
		h := newHandler(&stubSubscriptionService{
			createFunc: func(ctx context.Context, params service.CreateSubscriptionParams) (*domain.Subscription, error) {
				got = params
				return sampleSubscription(params.LaboratoryID), nil
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.CreateSubscription(rec, jsonRequest(http.MethodPost, "/billing/subscriptions",
			`{"laboratory_id":"`+labID.String()+`","plan_code":"PROFESSIONAL","payment_method_id":"pm_123","trial_days":7}`))
		require.Equal(t, http.StatusCreated, rec.Code)

		assert.Equal(t, labID, got.LaboratoryID)
		assert.Equal(t, "PROFESSIONAL", got.PlanCode)
		assert.Equal(t, "pm_123", got.PaymentMethodID)
		require.NotNil(t, got.TrialDays)
		assert.Equal(t, int32(7), *got.TrialDays)
	})

	t.Run("validation failures reported per field", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.CreateSubscription(rec, jsonRequest(http.MethodPost, "/billing/subscriptions",
			`{"laboratory_id":"nope","payment_method_id":"card_123","trial_days":-3}`))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		body := decodeBody(t, rec)
		errObj := body["error"].(map[string]any)
		fields := errObj["fields"].(map[string]any)
		assert.Equal(t, "must be a valid UUID", fields["laboratory_id"])
		assert.Equal(t, "this field is required", fields["plan_code"])
		assert.Equal(t, "must start with pm_", fields["payment_method_id"])
		assert.Equal(t, "must be at least 0", fields["trial_days"])
	})

	t.Run("invalid JSON body", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.CreateSubscription(rec, jsonRequest(http.MethodPost, "/billing/subscriptions", `{broken`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate subscription maps to 409", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{
			createFunc: func(ctx context.Context, params service.CreateSubscriptionParams) (*domain.Subscription, error) {
				return nil, service.ErrDuplicateSubscription
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.CreateSubscription(rec, jsonRequest(http.MethodPost, "/billing/subscriptions",
			`{"laboratory_id":"`+labID.String()+`","plan_code":"STARTER"}`))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestChangePlanHandler(t *testing.T) {
	labID := uuid.New()
	subID := uuid.New()

	t.Run("changes plan", func(t *testing.T) {
		var got service.ChangePlanParams
		h := newHandler(&stubSubscriptionService{
			changePlanFunc: func(ctx context.Context, params service.ChangePlanParams) (*domain.Subscription, error) {
				got = params
				sub := sampleSubscription(params.LaboratoryID)
				sub.PlanCode = params.NewPlanCode
				return sub, nil
			},
		}, &stubUsageService{})

		req := jsonRequest(http.MethodPut, "/billing/subscriptions/"+subID.String(),
			`{"laboratory_id":"`+labID.String()+`","plan_code":"ENTERPRISE"}`)
		req.SetPathValue("id", subID.String())
		rec := httptest.NewRecorder()
		h.ChangePlan(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, labID, got.LaboratoryID)
		assert.Equal(t, subID, got.SubscriptionID)
		assert.Equal(t, "ENTERPRISE", got.NewPlanCode)

		body := decodeBody(t, rec)
		assert.Equal(t, "ENTERPRISE", body["plan_code"])
	})

	t.Run("malformed subscription id in path", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{})

		req := jsonRequest(http.MethodPut, "/billing/subscriptions/abc", `{}`)
		req.SetPathValue("id", "abc")
		rec := httptest.NewRecorder()
		h.ChangePlan(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelSubscriptionHandler(t *testing.T) {
	labID := uuid.New()
	subID := uuid.New()

	t.Run("period end cancellation keeps subscription live", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{
			setCancelFunc: func(ctx context.Context, params service.SetCancelAtPeriodEndParams) (*domain.Subscription, error) {
				assert.True(t, params.Flag)
				sub := sampleSubscription(params.LaboratoryID)
				sub.CancelAtPeriodEnd = true
				return sub, nil
			},
		}, &stubUsageService{})

		req := jsonRequest(http.MethodPost, "/billing/subscriptions/"+subID.String()+"/cancel",
			`{"laboratory_id":"`+labID.String()+`","at_period_end":true}`)
		req.SetPathValue("id", subID.String())
		rec := httptest.NewRecorder()
		h.CancelSubscription(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, true, body["cancel_at_period_end"])
		assert.Equal(t, "ACTIVE", body["status"])
	})

	t.Run("immediate cancellation", func(t *testing.T) {
		canceled := false
		h := newHandler(&stubSubscriptionService{
			cancelNowFunc: func(ctx context.Context, gotLab, gotSub uuid.UUID) error {
				canceled = true
				assert.Equal(t, labID, gotLab)
				assert.Equal(t, subID, gotSub)
				return nil
			},
		}, &stubUsageService{})

		req := jsonRequest(http.MethodPost, "/billing/subscriptions/"+subID.String()+"/cancel",
			`{"laboratory_id":"`+labID.String()+`"}`)
		req.SetPathValue("id", subID.String())
		rec := httptest.NewRecorder()
		h.CancelSubscription(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.True(t, canceled)
		body := decodeBody(t, rec)
		assert.Equal(t, "CANCELED", body["status"])
	})
}

func TestListInvoicesHandler(t *testing.T) {
	labID := uuid.New()

	t.Run("lists recorded invoices", func(t *testing.T) {
		paidAt := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
		h := newHandler(&stubSubscriptionService{
			invoicesFunc: func(ctx context.Context, id uuid.UUID) ([]domain.Invoice, error) {
				return []domain.Invoice{
					{
						ID:                uuid.New(),
						SubscriptionID:    uuid.New(),
						LaboratoryID:      id,
						ProviderInvoiceID: "in_1",
						AmountCents:       14900,
						Currency:          "usd",
						Status:            "paid",
						PaidAt:            &paidAt,
					},
				}, nil
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.ListInvoices(rec, httptest.NewRequest(http.MethodGet, "/billing/invoices?laboratoryId="+labID.String(), nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		invoices := body["invoices"].([]any)
		require.Len(t, invoices, 1)
		first := invoices[0].(map[string]any)
		assert.Equal(t, "in_1", first["provider_invoice_id"])
		assert.Equal(t, float64(14900), first["amount_cents"])
		assert.Equal(t, "paid", first["status"])
	})

	t.Run("unknown laboratory maps to 404", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{
			invoicesFunc: func(ctx context.Context, id uuid.UUID) ([]domain.Invoice, error) {
				return nil, service.ErrLaboratoryNotFound
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/billing/invoices?laboratoryId="+labID.String(), nil)
		req.Header.Set("Accept", "application/json")
		h.ListInvoices(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListPaymentMethodsHandler(t *testing.T) {
	labID := uuid.New()

	t.Run("empty list for laboratory with no customer", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{
			methodsFunc: func(ctx context.Context, id uuid.UUID) ([]billing.PaymentMethod, error) {
				return nil, nil
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.ListPaymentMethods(rec, httptest.NewRequest(http.MethodGet, "/billing/payment-methods?laboratoryId="+labID.String(), nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		methods, ok := body["payment_methods"].([]any)
		require.True(t, ok, "empty list serializes as [], not null")
		assert.Empty(t, methods)
	})

	t.Run("lists saved methods", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{
			methodsFunc: func(ctx context.Context, id uuid.UUID) ([]billing.PaymentMethod, error) {
				return []billing.PaymentMethod{
					{ID: "pm_1", Type: "card", Brand: "visa", Last4: "4242", IsDefault: true},
				}, nil
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.ListPaymentMethods(rec, httptest.NewRequest(http.MethodGet, "/billing/payment-methods?laboratoryId="+labID.String(), nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		methods := body["payment_methods"].([]any)
		require.Len(t, methods, 1)
		first := methods[0].(map[string]any)
		assert.Equal(t, "pm_1", first["id"])
		assert.Equal(t, "visa", first["brand"])
		assert.Equal(t, true, first["is_default"])
	})
}

func TestAttachPaymentMethodHandler(t *testing.T) {
	labID := uuid.New()

	t.Run("attaches and returns the method", func(t *testing.T) {
		var got service.AttachPaymentMethodParams
		h := newHandler(&stubSubscriptionService{
			attachFunc: func(ctx context.Context, params service.AttachPaymentMethodParams) (*billing.PaymentMethod, error) {
				got = params
				return &billing.PaymentMethod{ID: params.PaymentMethodID, Type: "card", Brand: "visa", Last4: "4242", IsDefault: params.SetDefault}, nil
			},
		}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.AttachPaymentMethod(rec, jsonRequest(http.MethodPost, "/billing/payment-methods",
			`{"laboratory_id":"`+labID.String()+`","payment_method_id":"pm_55","set_default":true}`))
		require.Equal(t, http.StatusCreated, rec.Code)

		assert.Equal(t, labID, got.LaboratoryID)
		assert.Equal(t, "pm_55", got.PaymentMethodID)
		assert.True(t, got.SetDefault)
	})

	t.Run("payment method reference validated", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{})

		rec := httptest.NewRecorder()
		h.AttachPaymentMethod(rec, jsonRequest(http.MethodPost, "/billing/payment-methods",
			`{"laboratory_id":"`+labID.String()+`","payment_method_id":"tok_55"}`))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		body := decodeBody(t, rec)
		fields := body["error"].(map[string]any)["fields"].(map[string]any)
		assert.Equal(t, "must start with pm_", fields["payment_method_id"])
	})
}

func TestGetUsageHandler(t *testing.T) {
	labID := uuid.New()

	t.Run("usage with active plan includes limits and period", func(t *testing.T) {
		periodStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{
			getUsageFunc: func(ctx context.Context, id uuid.UUID) (*domain.Usage, error) {
				return &domain.Usage{
					HasActivePlan:    true,
					PlanCode:         "PROFESSIONAL",
					PeriodStart:      periodStart,
					PeriodEnd:        periodStart.AddDate(0, 1, 0),
					EquipmentItems:   12,
					ComplianceChecks: 87,
					TeamMembers:      4,
					StorageBytes:     1024,
					Limits:           domain.PlanLimits{EquipmentItems: 50, ComplianceChecks: 500, TeamMembers: 10, StorageBytes: 10 << 30},
				}, nil
			},
		})

		rec := httptest.NewRecorder()
		h.GetUsage(rec, httptest.NewRequest(http.MethodGet, "/billing/usage?laboratoryId="+labID.String(), nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, true, body["has_active_plan"])
		assert.Equal(t, "PROFESSIONAL", body["plan_code"])
		assert.Equal(t, float64(12), body["equipment_items"])
		limits := body["limits"].(map[string]any)
		assert.Equal(t, float64(50), limits["equipment_items"])
		assert.Contains(t, body, "period_start")
	})

	t.Run("usage without a plan omits limits", func(t *testing.T) {
		h := newHandler(&stubSubscriptionService{}, &stubUsageService{
			getUsageFunc: func(ctx context.Context, id uuid.UUID) (*domain.Usage, error) {
				return &domain.Usage{HasActivePlan: false}, nil
			},
		})

		rec := httptest.NewRecorder()
		h.GetUsage(rec, httptest.NewRequest(http.MethodGet, "/billing/usage?laboratoryId="+labID.String(), nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, false, body["has_active_plan"])
		assert.NotContains(t, body, "limits")
		assert.NotContains(t, body, "period_start")
	})
}
