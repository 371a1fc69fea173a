// Package api contains the JSON billing API handlers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/labledger/labledger/internal/domain"
	"github.com/labledger/labledger/internal/handler"
	"github.com/labledger/labledger/internal/plan"
	"github.com/labledger/labledger/internal/service"
)

// BillingHandler serves the billing API.
type BillingHandler struct {
	subscriptions service.SubscriptionService
	usage         service.UsageService
	catalog       *plan.Catalog
	validate      *validator.Validate
	logger        *slog.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(
	subscriptions service.SubscriptionService,
	usage service.UsageService,
	catalog *plan.Catalog,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		subscriptions: subscriptions,
		usage:         usage,
		catalog:       catalog,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger,
	}
}

// ----------------------------------------------------------------------------
// Request / response shapes

type createSubscriptionRequest struct {
	LaboratoryID    string `json:"laboratory_id" validate:"required,uuid"`
	PlanCode        string `json:"plan_code" validate:"required"`
	PaymentMethodID string `json:"payment_method_id" validate:"omitempty,startswith=pm_"`
	TrialDays       *int32 `json:"trial_days" validate:"omitempty,gte=0"`
}

type changePlanRequest struct {
	LaboratoryID string `json:"laboratory_id" validate:"required,uuid"`
	PlanCode     string `json:"plan_code" validate:"required"`
}

type cancelSubscriptionRequest struct {
	LaboratoryID string `json:"laboratory_id" validate:"required,uuid"`

	// AtPeriodEnd keeps the subscription live until the period closes.
	// False cancels immediately.
	AtPeriodEnd bool `json:"at_period_end"`
}

type attachPaymentMethodRequest struct {
	LaboratoryID    string `json:"laboratory_id" validate:"required,uuid"`
	PaymentMethodID string `json:"payment_method_id" validate:"required,startswith=pm_"`
	SetDefault      bool   `json:"set_default"`
}

type planLimitsResponse struct {
	EquipmentItems   int32 `json:"equipment_items"`
	ComplianceChecks int32 `json:"compliance_checks"`
	TeamMembers      int32 `json:"team_members"`
	StorageBytes     int64 `json:"storage_bytes"`
}

type planResponse struct {
	Code       string             `json:"code"`
	Name       string             `json:"name"`
	PriceCents int64              `json:"price_cents"`
	Currency   string             `json:"currency"`
	Interval   string             `json:"interval"`
	Features   []string           `json:"features"`
	Limits     planLimitsResponse `json:"limits"`
}

type subscriptionResponse struct {
	ID                string             `json:"id"`
	LaboratoryID      string             `json:"laboratory_id"`
	PlanCode          string             `json:"plan_code"`
	Status            string             `json:"status"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	TrialStart        *time.Time         `json:"trial_start,omitempty"`
	TrialEnd          *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
	CanceledAt        *time.Time         `json:"canceled_at,omitempty"`
	Limits            planLimitsResponse `json:"limits"`
	CreatedAt         time.Time          `json:"created_at"`
}

type invoiceResponse struct {
	ID                string     `json:"id"`
	SubscriptionID    string     `json:"subscription_id"`
	ProviderInvoiceID string     `json:"provider_invoice_id"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type paymentMethodResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int64  `json:"exp_month"`
	ExpYear   int64  `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

type usageResponse struct {
	HasActivePlan    bool                `json:"has_active_plan"`
	PlanCode         string              `json:"plan_code,omitempty"`
	PeriodStart      *time.Time          `json:"period_start,omitempty"`
	PeriodEnd        *time.Time          `json:"period_end,omitempty"`
	EquipmentItems   int64               `json:"equipment_items"`
	ComplianceChecks int64               `json:"compliance_checks"`
	TeamMembers      int64               `json:"team_members"`
	StorageBytes     int64               `json:"storage_bytes"`
	Limits           *planLimitsResponse `json:"limits,omitempty"`
}

func toLimitsResponse(l domain.PlanLimits) planLimitsResponse {
	return planLimitsResponse{
		EquipmentItems:   l.EquipmentItems,
		ComplianceChecks: l.ComplianceChecks,
		TeamMembers:      l.TeamMembers,
		StorageBytes:     l.StorageBytes,
	}
}

func toSubscriptionResponse(sub *domain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                sub.ID.String(),
		LaboratoryID:      sub.LaboratoryID.String(),
		PlanCode:          sub.PlanCode,
		Status:            string(sub.Status),
		PeriodStart:       sub.PeriodStart,
		PeriodEnd:         sub.PeriodEnd,
		TrialStart:        sub.TrialStart,
		TrialEnd:          sub.TrialEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        sub.CanceledAt,
		Limits:            toLimitsResponse(sub.Limits),
		CreatedAt:         sub.CreatedAt,
	}
}

// ----------------------------------------------------------------------------
// Handlers

// ListPlans handles GET /billing/plans
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.catalog.List()
	resp := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, planResponse{
			Code:       p.Code,
			Name:       p.Name,
			PriceCents: p.PriceCents,
			Currency:   p.Currency,
			Interval:   p.Interval,
			Features:   p.Features,
			Limits:     toLimitsResponse(p.Limits),
		})
	}
	handler.RespondJSON(w, http.StatusOK, map[string]any{"plans": resp})
}

// GetCurrentSubscription handles GET /billing/subscription?laboratoryId=
func (h *BillingHandler) GetCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	laboratoryID, ok := h.laboratoryIDQuery(w, r)
	if !ok {
		return
	}

	sub, err := h.subscriptions.GetCurrentSubscription(r.Context(), laboratoryID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// CreateSubscription handles POST /billing/subscriptions
func (h *BillingHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.subscriptions.CreateSubscription(r.Context(), service.CreateSubscriptionParams{
		LaboratoryID:    uuid.MustParse(req.LaboratoryID),
		PlanCode:        req.PlanCode,
		PaymentMethodID: req.PaymentMethodID,
		TrialDays:       req.TrialDays,
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	h.logger.Info("subscription created",
		"laboratory_id", req.LaboratoryID,
		"subscription_id", sub.ID,
		"plan_code", sub.PlanCode,
	)
	handler.RespondJSON(w, http.StatusCreated, toSubscriptionResponse(sub))
}

// ChangePlan handles PUT /billing/subscriptions/{id}
func (h *BillingHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := h.subscriptionIDPath(w, r)
	if !ok {
		return
	}

	var req changePlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.subscriptions.ChangePlan(r.Context(), service.ChangePlanParams{
		LaboratoryID:   uuid.MustParse(req.LaboratoryID),
		SubscriptionID: subscriptionID,
		NewPlanCode:    req.PlanCode,
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	h.logger.Info("plan changed",
		"laboratory_id", req.LaboratoryID,
		"subscription_id", subscriptionID,
		"plan_code", sub.PlanCode,
	)
	handler.RespondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// CancelSubscription handles POST /billing/subscriptions/{id}/cancel
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := h.subscriptionIDPath(w, r)
	if !ok {
		return
	}

	var req cancelSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	laboratoryID := uuid.MustParse(req.LaboratoryID)

	if req.AtPeriodEnd {
		sub, err := h.subscriptions.SetCancelAtPeriodEnd(r.Context(), service.SetCancelAtPeriodEndParams{
			LaboratoryID:   laboratoryID,
			SubscriptionID: subscriptionID,
			Flag:           true,
		})
		if err != nil {
			handler.ErrorResponse(w, r, err)
			return
		}
		handler.RespondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
		return
	}

	if err := h.subscriptions.CancelImmediately(r.Context(), laboratoryID, subscriptionID); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	h.logger.Info("subscription canceled",
		"laboratory_id", req.LaboratoryID,
		"subscription_id", subscriptionID,
	)
	handler.RespondJSON(w, http.StatusOK, map[string]string{"status": string(domain.SubscriptionStatusCanceled)})
}

// ListInvoices handles GET /billing/invoices?laboratoryId=
func (h *BillingHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	laboratoryID, ok := h.laboratoryIDQuery(w, r)
	if !ok {
		return
	}

	invoices, err := h.subscriptions.ListInvoices(r.Context(), laboratoryID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		resp = append(resp, invoiceResponse{
			ID:                inv.ID.String(),
			SubscriptionID:    inv.SubscriptionID.String(),
			ProviderInvoiceID: inv.ProviderInvoiceID,
			AmountCents:       inv.AmountCents,
			Currency:          inv.Currency,
			Status:            inv.Status,
			DueDate:           inv.DueDate,
			PaidAt:            inv.PaidAt,
			CreatedAt:         inv.CreatedAt,
		})
	}
	handler.RespondJSON(w, http.StatusOK, map[string]any{"invoices": resp})
}

// ListPaymentMethods handles GET /billing/payment-methods?laboratoryId=
func (h *BillingHandler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	laboratoryID, ok := h.laboratoryIDQuery(w, r)
	if !ok {
		return
	}

	methods, err := h.subscriptions.ListPaymentMethods(r.Context(), laboratoryID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	resp := make([]paymentMethodResponse, 0, len(methods))
	for _, pm := range methods {
		resp = append(resp, paymentMethodResponse(pm))
	}
	handler.RespondJSON(w, http.StatusOK, map[string]any{"payment_methods": resp})
}

// AttachPaymentMethod handles POST /billing/payment-methods
func (h *BillingHandler) AttachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req attachPaymentMethodRequest
	if !h.decode(w, r, &req) {
		return
	}

	pm, err := h.subscriptions.AttachPaymentMethod(r.Context(), service.AttachPaymentMethodParams{
		LaboratoryID:    uuid.MustParse(req.LaboratoryID),
		PaymentMethodID: req.PaymentMethodID,
		SetDefault:      req.SetDefault,
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	handler.RespondJSON(w, http.StatusCreated, paymentMethodResponse(*pm))
}

// GetUsage handles GET /billing/usage?laboratoryId=
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	laboratoryID, ok := h.laboratoryIDQuery(w, r)
	if !ok {
		return
	}

	usage, err := h.usage.GetUsage(r.Context(), laboratoryID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	resp := usageResponse{
		HasActivePlan:    usage.HasActivePlan,
		PlanCode:         usage.PlanCode,
		EquipmentItems:   usage.EquipmentItems,
		ComplianceChecks: usage.ComplianceChecks,
		TeamMembers:      usage.TeamMembers,
		StorageBytes:     usage.StorageBytes,
	}
	if usage.HasActivePlan {
		limits := toLimitsResponse(usage.Limits)
		resp.Limits = &limits
		resp.PeriodStart = &usage.PeriodStart
		resp.PeriodEnd = &usage.PeriodEnd
	}
	handler.RespondJSON(w, http.StatusOK, resp)
}

// ----------------------------------------------------------------------------
// Helpers

// decode parses and validates a JSON request body. The validate tags carry
// UUID checks, so uuid.MustParse on validated fields cannot panic.
func (h *BillingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("billing.decode", "Invalid JSON request body"))
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			var vErr error
			for _, fe := range invalid {
				vErr = domain.AddFieldError(vErr, fieldName(fe), validationMessage(fe))
			}
			handler.ValidationErrorResponse(w, r, vErr)
			return false
		}
		handler.ErrorResponse(w, r, err)
		return false
	}
	return true
}

func (h *BillingHandler) laboratoryIDQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("laboratoryId")
	if raw == "" {
		handler.ErrorResponse(w, r, domain.Invalid("billing.query", "laboratoryId query parameter is required"))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("billing.query", "laboratoryId must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *BillingHandler) subscriptionIDPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("billing.path", "subscription id must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func fieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "LaboratoryID":
		return "laboratory_id"
	case "PlanCode":
		return "plan_code"
	case "PaymentMethodID":
		return "payment_method_id"
	case "TrialDays":
		return "trial_days"
	default:
		return fe.Field()
	}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "uuid":
		return "must be a valid UUID"
	case "gte":
		return "must be at least " + fe.Param()
	case "startswith":
		return "must start with " + fe.Param()
	default:
		return "is invalid"
	}
}
