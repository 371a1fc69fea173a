package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/labledger/labledger/internal/billing"
	"github.com/labledger/labledger/internal/domain"
	"github.com/labledger/labledger/internal/events"
	"github.com/labledger/labledger/internal/plan"
	"github.com/labledger/labledger/internal/telemetry"
)

// Metadata keys stamped on processor objects at creation time. laboratory_id
// is the authoritative cross-reference for webhook reconciliation.
const (
	metadataLaboratoryID = "laboratory_id"
	metadataPlanCode     = "plan_code"
)

// DefaultTrialDays is the trial length when the caller does not specify one.
const DefaultTrialDays = 14

// SubscriptionServiceDeps contains dependencies for the subscription service.
type SubscriptionServiceDeps struct {
	Laboratories    domain.LaboratoryStore
	Subscriptions   domain.SubscriptionStore
	Invoices        domain.InvoiceStore
	ProcessorEvents domain.ProcessorEventStore
	Catalog         *plan.Catalog
	Provider        billing.Provider
	Publisher       events.Publisher
	Metrics         *telemetry.BillingMetrics
	Logger          *slog.Logger

	// TrialDays is the default trial length. Zero means DefaultTrialDays.
	TrialDays int32
}

type subscriptionService struct {
	labs      domain.LaboratoryStore
	subs      domain.SubscriptionStore
	invoices  domain.InvoiceStore
	ledger    domain.ProcessorEventStore
	catalog   *plan.Catalog
	provider  billing.Provider
	publisher events.Publisher
	metrics   *telemetry.BillingMetrics
	logger    *slog.Logger
	trialDays int32
	now       func() time.Time
}

var _ SubscriptionService = (*subscriptionService)(nil)

// NewSubscriptionService creates the subscription lifecycle service.
func NewSubscriptionService(deps SubscriptionServiceDeps) SubscriptionService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trialDays := deps.TrialDays
	if trialDays == 0 {
		trialDays = DefaultTrialDays
	}
	return &subscriptionService{
		labs:      deps.Laboratories,
		subs:      deps.Subscriptions,
		invoices:  deps.Invoices,
		ledger:    deps.ProcessorEvents,
		catalog:   deps.Catalog,
		provider:  deps.Provider,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    logger,
		trialDays: trialDays,
		now:       time.Now,
	}
}

// lifecycleEvent is the payload published on billing.* subjects.
type lifecycleEvent struct {
	LaboratoryID   string `json:"laboratory_id"`
	SubscriptionID string `json:"subscription_id"`
	PlanCode       string `json:"plan_code"`
	Status         string `json:"status"`
}

func (s *subscriptionService) publish(ctx context.Context, subject string, sub *domain.Subscription) {
	err := s.publisher.Publish(ctx, subject, lifecycleEvent{
		LaboratoryID:   sub.LaboratoryID.String(),
		SubscriptionID: sub.ID.String(),
		PlanCode:       sub.PlanCode,
		Status:         string(sub.Status),
	})
	if err != nil {
		s.logger.Warn("failed to publish lifecycle event",
			"subject", subject,
			"subscription_id", sub.ID,
			"error", err,
		)
	}
}

func (s *subscriptionService) observeProvider(op string) func() {
	start := s.now()
	return func() {
		s.metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// mapProviderError translates billing package errors into service errors.
func mapProviderError(err error) error {
	switch {
	case errors.Is(err, billing.ErrProcessorUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ErrProcessorUnavailable
	case errors.Is(err, billing.ErrDuplicateSubscription):
		return ErrDuplicateSubscription
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return ErrSubscriptionNotFound
	}

	var stripeErr *billing.StripeError
	if errors.As(err, &stripeErr) && stripeErr.IsTemporary() {
		return ErrProcessorUnavailable
	}

	return domain.WrapError(err, domain.EPAYMENT, "billing.provider", "Payment processor rejected the request")
}

// GetCurrentSubscription returns the laboratory's live subscription.
func (s *subscriptionService) GetCurrentSubscription(ctx context.Context, laboratoryID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.subs.GetLiveSubscription(ctx, laboratoryID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// resolveCustomer guarantees exactly one processor customer per laboratory.
// Reuse order: stored reference, processor lookup by billing email, create.
func (s *subscriptionService) resolveCustomer(ctx context.Context, lab *domain.Laboratory) (string, error) {
	if lab.ProviderCustomerID != "" {
		return lab.ProviderCustomerID, nil
	}

	done := s.observeProvider("get_customer_by_email")
	cust, err := s.provider.GetCustomerByEmail(ctx, lab.BillingEmail)
	done()
	if err != nil {
		return "", mapProviderError(err)
	}

	if cust == nil {
		done := s.observeProvider("create_customer")
		cust, err = s.provider.CreateCustomer(ctx, billing.CreateCustomerParams{
			Email: lab.BillingEmail,
			Name:  lab.Name,
			Metadata: map[string]string{
				metadataLaboratoryID: lab.ID.String(),
			},
		})
		done()
		if err != nil {
			return "", mapProviderError(err)
		}
	}

	if err := s.labs.SetProviderCustomerID(ctx, lab.ID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreateSubscription creates the external subscription first, then commits the
// local row and laboratory plan pointer in one transaction. A local failure
// after external success is repaired by webhook reconciliation via metadata.
func (s *subscriptionService) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*domain.Subscription, error) {
	lab, err := s.labs.GetLaboratory(ctx, params.LaboratoryID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrLaboratoryNotFound
		}
		return nil, err
	}
	if !lab.Active {
		return nil, ErrLaboratoryInactive
	}

	if _, err := s.subs.GetLiveSubscription(ctx, params.LaboratoryID); err == nil {
		return nil, ErrDuplicateSubscription
	} else if !domain.IsCode(err, domain.ENOTFOUND) {
		return nil, err
	}

	planInfo, err := s.catalog.Resolve(params.PlanCode)
	if err != nil {
		return nil, ErrPlanNotFound
	}

	trialDays := s.trialDays
	if params.TrialDays != nil {
		if *params.TrialDays < 0 {
			return nil, ErrInvalidTrialDays
		}
		trialDays = *params.TrialDays
	}

	customerID, err := s.resolveCustomer(ctx, lab)
	if err != nil {
		return nil, err
	}

	// The local ID doubles as the idempotency key. Each attempt gets a fresh
	// key; a per-laboratory key would replay a prior (possibly canceled)
	// subscription after cancel-and-resubscribe within the processor's
	// idempotency window.
	subID := uuid.New()

	done := s.observeProvider("create_subscription")
	psub, err := s.provider.CreateSubscription(ctx, billing.CreateSubscriptionParams{
		CustomerID:             customerID,
		PriceID:                planInfo.ProviderPriceID,
		DefaultPaymentMethodID: params.PaymentMethodID,
		TrialDays:              trialDays,
		Metadata: map[string]string{
			metadataLaboratoryID: lab.ID.String(),
			metadataPlanCode:     planInfo.Code,
		},
		IdempotencyKey: fmt.Sprintf("sub-create-%s", subID),
	})
	done()
	if err != nil {
		return nil, mapProviderError(err)
	}

	sub := &domain.Subscription{
		ID:                     subID,
		LaboratoryID:           lab.ID,
		PlanCode:               planInfo.Code,
		Status:                 MapProviderStatus(psub.Status),
		PeriodStart:            psub.CurrentPeriodStart,
		PeriodEnd:              psub.CurrentPeriodEnd,
		TrialStart:             psub.TrialStart,
		TrialEnd:               psub.TrialEnd,
		ProviderCustomerID:     customerID,
		ProviderSubscriptionID: psub.ID,
		CancelAtPeriodEnd:      psub.CancelAtPeriodEnd,
		Limits:                 planInfo.Limits,
		LastEventAt:            psub.CreatedAt,
	}

	if err := s.subs.CreateSubscription(ctx, sub); err != nil {
		// External subscription exists but the local row does not. The next
		// webhook for this reference repairs it from metadata.
		s.logger.Error("local commit failed after external subscription creation",
			"laboratory_id", lab.ID,
			"provider_subscription_id", psub.ID,
			"error", err,
		)
		return nil, err
	}

	s.metrics.SubscriptionsCreated.Inc()
	s.publish(ctx, events.SubjectSubscriptionCreated, sub)

	return s.subs.GetSubscription(ctx, lab.ID, sub.ID)
}

// ChangePlan swaps the processor price with prorations, then copies the new
// plan's code and limits onto the local row.
func (s *subscriptionService) ChangePlan(ctx context.Context, params ChangePlanParams) (*domain.Subscription, error) {
	sub, err := s.subs.GetSubscription(ctx, params.LaboratoryID, params.SubscriptionID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	if !sub.Status.IsLive() {
		return nil, ErrSubscriptionNotFound
	}

	planInfo, err := s.catalog.Resolve(params.NewPlanCode)
	if err != nil {
		return nil, ErrPlanNotFound
	}

	done := s.observeProvider("get_subscription")
	psub, err := s.provider.GetSubscription(ctx, sub.ProviderSubscriptionID)
	done()
	if err != nil {
		return nil, mapProviderError(err)
	}
	item := psub.PrimaryItem()
	if item == nil {
		return nil, domain.Internal(nil, "subscription.change_plan", "external subscription has no items")
	}

	done = s.observeProvider("update_subscription_price")
	_, err = s.provider.UpdateSubscriptionPrice(ctx, billing.UpdateSubscriptionPriceParams{
		SubscriptionID: sub.ProviderSubscriptionID,
		ItemID:         item.ID,
		NewPriceID:     planInfo.ProviderPriceID,
		Metadata: map[string]string{
			metadataPlanCode: planInfo.Code,
		},
	})
	done()
	if err != nil {
		return nil, mapProviderError(err)
	}

	sub.PlanCode = planInfo.Code
	sub.Limits = planInfo.Limits
	if err := s.subs.UpdateSubscriptionPlan(ctx, sub); err != nil {
		return nil, err
	}

	s.metrics.PlanChanges.Inc()
	s.publish(ctx, events.SubjectSubscriptionUpdated, sub)

	return s.subs.GetSubscription(ctx, params.LaboratoryID, params.SubscriptionID)
}

// SetCancelAtPeriodEnd requests the external flag change and mirrors it.
func (s *subscriptionService) SetCancelAtPeriodEnd(ctx context.Context, params SetCancelAtPeriodEndParams) (*domain.Subscription, error) {
	sub, err := s.subs.GetSubscription(ctx, params.LaboratoryID, params.SubscriptionID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	if !sub.Status.IsLive() {
		return nil, ErrSubscriptionNotFound
	}

	done := s.observeProvider("set_cancel_at_period_end")
	_, err = s.provider.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID, params.Flag)
	done()
	if err != nil {
		return nil, mapProviderError(err)
	}

	if err := s.subs.SetCancelAtPeriodEnd(ctx, params.LaboratoryID, params.SubscriptionID, params.Flag); err != nil {
		return nil, err
	}

	return s.subs.GetSubscription(ctx, params.LaboratoryID, params.SubscriptionID)
}

// CancelImmediately cancels at the processor, then stamps local CANCELED
// state. On processor failure local state is untouched.
func (s *subscriptionService) CancelImmediately(ctx context.Context, laboratoryID, subscriptionID uuid.UUID) error {
	sub, err := s.subs.GetSubscription(ctx, laboratoryID, subscriptionID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return ErrSubscriptionNotFound
		}
		return err
	}
	if sub.Status.IsTerminal() {
		return nil
	}

	done := s.observeProvider("cancel_subscription")
	psub, err := s.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID)
	done()
	if err != nil {
		return mapProviderError(err)
	}

	canceledAt := s.now()
	if psub.CanceledAt != nil {
		canceledAt = *psub.CanceledAt
	}
	if err := s.subs.MarkCanceled(ctx, laboratoryID, subscriptionID, canceledAt); err != nil {
		return err
	}

	s.metrics.SubscriptionsCanceled.Inc()
	sub.Status = domain.SubscriptionStatusCanceled
	s.publish(ctx, events.SubjectSubscriptionCanceled, sub)

	return nil
}

// ListInvoices returns the laboratory's locally recorded invoices.
func (s *subscriptionService) ListInvoices(ctx context.Context, laboratoryID uuid.UUID) ([]domain.Invoice, error) {
	if _, err := s.labs.GetLaboratory(ctx, laboratoryID); err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrLaboratoryNotFound
		}
		return nil, err
	}
	return s.invoices.ListInvoices(ctx, laboratoryID)
}

// ListPaymentMethods lists saved payment methods. A laboratory that never
// subscribed has no customer and an empty list, not an error.
func (s *subscriptionService) ListPaymentMethods(ctx context.Context, laboratoryID uuid.UUID) ([]billing.PaymentMethod, error) {
	lab, err := s.labs.GetLaboratory(ctx, laboratoryID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrLaboratoryNotFound
		}
		return nil, err
	}
	if lab.ProviderCustomerID == "" {
		return nil, nil
	}

	done := s.observeProvider("list_payment_methods")
	methods, err := s.provider.ListPaymentMethods(ctx, lab.ProviderCustomerID)
	done()
	if err != nil {
		return nil, mapProviderError(err)
	}
	return methods, nil
}

// AttachPaymentMethod attaches a payment method to the laboratory's customer,
// creating the customer first if needed.
func (s *subscriptionService) AttachPaymentMethod(ctx context.Context, params AttachPaymentMethodParams) (*billing.PaymentMethod, error) {
	lab, err := s.labs.GetLaboratory(ctx, params.LaboratoryID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrLaboratoryNotFound
		}
		return nil, err
	}

	customerID, err := s.resolveCustomer(ctx, lab)
	if err != nil {
		return nil, err
	}

	done := s.observeProvider("attach_payment_method")
	pm, err := s.provider.AttachPaymentMethod(ctx, billing.AttachPaymentMethodParams{
		CustomerID:      customerID,
		PaymentMethodID: params.PaymentMethodID,
		SetDefault:      params.SetDefault,
	})
	done()
	if err != nil {
		return nil, mapProviderError(err)
	}
	return pm, nil
}

// SyncSubscriptionEvent applies a subscription webhook event. State
// overwrites are conditional on the event timestamp, so replayed and
// out-of-order deliveries degrade to no-ops.
func (s *subscriptionService) SyncSubscriptionEvent(ctx context.Context, params SubscriptionEventParams) error {
	change := domain.ProviderStateChange{
		ProviderSubscriptionID: params.ProviderSubscriptionID,
		Status:                 MapProviderStatus(params.Status),
		PeriodStart:            params.PeriodStart,
		PeriodEnd:              params.PeriodEnd,
		TrialStart:             params.TrialStart,
		TrialEnd:               params.TrialEnd,
		CancelAtPeriodEnd:      params.CancelAtPeriodEnd,
		CanceledAt:             params.CanceledAt,
		EventAt:                params.EventAt,
	}

	applied, err := s.subs.ApplyProviderState(ctx, change)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return s.repairFromEvent(ctx, params, change)
		}
		s.metrics.WebhooksFailed.Inc()
		return err
	}

	if applied {
		s.metrics.WebhooksApplied.Inc()
		if sub, getErr := s.subs.GetSubscriptionByProviderID(ctx, params.ProviderSubscriptionID); getErr == nil {
			subject := events.SubjectSubscriptionUpdated
			if sub.Status.IsTerminal() {
				subject = events.SubjectSubscriptionCanceled
				s.metrics.SubscriptionsCanceled.Inc()
			}
			s.publish(ctx, subject, sub)
		}
	} else {
		s.metrics.WebhooksStale.Inc()
	}

	s.recordEvent(ctx, params.EventID, params.Kind, params.EventAt)
	return nil
}

// repairFromEvent materializes a subscription row the synchronous path never
// committed, using the laboratory metadata stamped at creation time.
func (s *subscriptionService) repairFromEvent(ctx context.Context, params SubscriptionEventParams, change domain.ProviderStateChange) error {
	if params.LaboratoryID == "" {
		s.logger.Error("webhook for unknown subscription carries no laboratory metadata, dropping",
			"event_id", params.EventID,
			"provider_subscription_id", params.ProviderSubscriptionID,
		)
		s.metrics.WebhooksFailed.Inc()
		return nil
	}

	labID, err := uuid.Parse(params.LaboratoryID)
	if err != nil {
		s.logger.Error("webhook carries malformed laboratory metadata, dropping",
			"event_id", params.EventID,
			"laboratory_id", params.LaboratoryID,
		)
		s.metrics.WebhooksFailed.Inc()
		return nil
	}

	var limits domain.PlanLimits
	if planInfo, planErr := s.catalog.Resolve(params.PlanCode); planErr == nil {
		limits = planInfo.Limits
	} else {
		s.logger.Warn("repair event carries unknown plan code, limits left at zero",
			"event_id", params.EventID,
			"plan_code", params.PlanCode,
		)
	}

	sub := &domain.Subscription{
		ID:                     uuid.New(),
		LaboratoryID:           labID,
		PlanCode:               params.PlanCode,
		Status:                 change.Status,
		PeriodStart:            change.PeriodStart,
		PeriodEnd:              change.PeriodEnd,
		TrialStart:             change.TrialStart,
		TrialEnd:               change.TrialEnd,
		ProviderCustomerID:     params.ProviderCustomerID,
		ProviderSubscriptionID: params.ProviderSubscriptionID,
		CancelAtPeriodEnd:      change.CancelAtPeriodEnd,
		CanceledAt:             change.CanceledAt,
		Limits:                 limits,
		LastEventAt:            change.EventAt,
	}

	if err := s.subs.CreateSubscription(ctx, sub); err != nil {
		s.metrics.WebhooksFailed.Inc()
		return err
	}

	s.logger.Error("repaired subscription missing locally",
		"event_id", params.EventID,
		"laboratory_id", labID,
		"provider_subscription_id", params.ProviderSubscriptionID,
		"status", sub.Status,
	)
	s.metrics.ReconcileRepairs.Inc()
	s.publisher.Publish(ctx, events.SubjectReconcileRepair, lifecycleEvent{
		LaboratoryID:   labID.String(),
		SubscriptionID: sub.ID.String(),
		PlanCode:       sub.PlanCode,
		Status:         string(sub.Status),
	})

	s.recordEvent(ctx, params.EventID, params.Kind, params.EventAt)
	return nil
}

// RecordInvoiceEvent writes an invoice row keyed by the external invoice
// reference. Redelivery never duplicates it, and a failed invoice that later
// succeeds advances in place; a paid row never changes again.
func (s *subscriptionService) RecordInvoiceEvent(ctx context.Context, params InvoiceEventParams) error {
	sub, err := s.subs.GetSubscriptionByProviderID(ctx, params.ProviderSubscriptionID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			// Parent unknown locally; the subscription event repairs the row
			// and the processor's invoice retry lands afterwards.
			s.logger.Warn("invoice event for unknown subscription, skipping",
				"event_id", params.EventID,
				"provider_subscription_id", params.ProviderSubscriptionID,
			)
			return nil
		}
		return err
	}

	changed, err := s.invoices.UpsertInvoice(ctx, &domain.Invoice{
		ID:                uuid.New(),
		SubscriptionID:    sub.ID,
		LaboratoryID:      sub.LaboratoryID,
		ProviderInvoiceID: params.ProviderInvoiceID,
		AmountCents:       params.AmountCents,
		Currency:          params.Currency,
		Status:            params.Status,
		DueDate:           params.DueDate,
		PaidAt:            params.PaidAt,
	})
	if err != nil {
		s.metrics.WebhooksFailed.Inc()
		return err
	}

	if changed {
		s.metrics.InvoicesRecorded.Inc()
		s.publisher.Publish(ctx, events.SubjectInvoiceRecorded, lifecycleEvent{
			LaboratoryID:   sub.LaboratoryID.String(),
			SubscriptionID: sub.ID.String(),
			PlanCode:       sub.PlanCode,
			Status:         string(sub.Status),
		})
	}

	s.recordEvent(ctx, params.EventID, params.Kind, params.EventAt)
	return nil
}

// RefreshFromProvider re-reads one subscription from the processor and
// applies its state as if a webhook had delivered it now.
func (s *subscriptionService) RefreshFromProvider(ctx context.Context, providerSubscriptionID string) error {
	done := s.observeProvider("get_subscription")
	psub, err := s.provider.GetSubscription(ctx, providerSubscriptionID)
	done()
	if err != nil {
		return mapProviderError(err)
	}

	applied, err := s.subs.ApplyProviderState(ctx, domain.ProviderStateChange{
		ProviderSubscriptionID: psub.ID,
		Status:                 MapProviderStatus(psub.Status),
		PeriodStart:            psub.CurrentPeriodStart,
		PeriodEnd:              psub.CurrentPeriodEnd,
		TrialStart:             psub.TrialStart,
		TrialEnd:               psub.TrialEnd,
		CancelAtPeriodEnd:      psub.CancelAtPeriodEnd,
		CanceledAt:             psub.CanceledAt,
		EventAt:                s.now(),
	})
	if err != nil {
		return err
	}

	if applied {
		s.logger.Info("refreshed subscription from provider",
			"provider_subscription_id", providerSubscriptionID,
			"status", psub.Status,
		)
	}
	return nil
}

func (s *subscriptionService) recordEvent(ctx context.Context, eventID, kind string, occurredAt time.Time) {
	if eventID == "" {
		return
	}
	_, err := s.ledger.RecordEvent(ctx, &domain.ProcessorEvent{
		ProviderEventID: eventID,
		Kind:            kind,
		OccurredAt:      occurredAt,
		ReceivedAt:      s.now(),
	})
	if err != nil {
		s.logger.Warn("failed to record processor event", "event_id", eventID, "error", err)
	}
}
