package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the local lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial    SubscriptionStatus = "TRIAL"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

// IsLive reports whether the subscription currently entitles the laboratory
// to the product. A laboratory may hold at most one live subscription.
func (s SubscriptionStatus) IsLive() bool {
	return s == SubscriptionStatusTrial || s == SubscriptionStatusActive
}

// IsTerminal reports whether the status can never change again.
// A canceled subscription is never reactivated; re-subscribing creates a new row.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled
}

// UnlimitedLimit is the sentinel meaning "no cap" for an entitlement limit.
const UnlimitedLimit = -1

// PlanLimits are the entitlement caps copied onto a subscription when it is
// issued. Catalog edits after issuance never alter these.
type PlanLimits struct {
	EquipmentItems   int32
	ComplianceChecks int32
	TeamMembers      int32
	StorageBytes     int64
}

// Allows reports whether count more units of limit fit under it.
func limitAllows(limit int64, count int64) bool {
	return limit == UnlimitedLimit || count < limit
}

// AllowsEquipmentItem reports whether one more equipment item fits under the cap.
func (l PlanLimits) AllowsEquipmentItem(current int64) bool {
	return limitAllows(int64(l.EquipmentItems), current)
}

// AllowsComplianceCheck reports whether one more compliance check fits under the cap.
func (l PlanLimits) AllowsComplianceCheck(current int64) bool {
	return limitAllows(int64(l.ComplianceChecks), current)
}

// Plan is a catalog entry. Immutable at runtime; seeded administratively.
type Plan struct {
	Code            string
	Name            string
	PriceCents      int64
	Currency        string
	Interval        string
	Features        []string
	Limits          PlanLimits
	ProviderPriceID string
}

// Laboratory is the tenant root entity. Soft-deactivated, never hard-deleted.
type Laboratory struct {
	ID                 uuid.UUID
	Name               string
	BillingEmail       string
	Active             bool
	PlanCode           string
	ProviderCustomerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Subscription mirrors one laboratory's relationship to one plan over time.
// The external processor is authoritative for status and period boundaries;
// LastEventAt records the provider timestamp of the newest applied event so
// stale webhook deliveries can be rejected.
type Subscription struct {
	ID                     uuid.UUID
	LaboratoryID           uuid.UUID
	PlanCode               string
	Status                 SubscriptionStatus
	PeriodStart            time.Time
	PeriodEnd              time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
	ProviderCustomerID     string
	ProviderSubscriptionID string
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	Limits                 PlanLimits
	LastEventAt            time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Invoice is one row per processor invoice event. Created only by webhook
// reconciliation, keyed by the external invoice reference.
type Invoice struct {
	ID                uuid.UUID
	SubscriptionID    uuid.UUID
	LaboratoryID      uuid.UUID
	ProviderInvoiceID string
	AmountCents       int64
	Currency          string
	Status            string
	DueDate           *time.Time
	PaidAt            *time.Time
	CreatedAt         time.Time
}

// ProcessorEvent is an audit-trail entry for a webhook event that was applied.
type ProcessorEvent struct {
	ProviderEventID string
	Kind            string
	OccurredAt      time.Time
	ReceivedAt      time.Time
}

// Usage is period-to-date consumption compared against the stored limits.
type Usage struct {
	HasActivePlan    bool
	PlanCode         string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	EquipmentItems   int64
	ComplianceChecks int64
	TeamMembers      int64
	StorageBytes     int64
	Limits           PlanLimits
}

// ProviderStateChange is the provider-authoritative portion of a subscription
// carried by a webhook event. Applied conditionally: only when EventAt is
// newer than the subscription's stored LastEventAt.
type ProviderStateChange struct {
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	PeriodStart            time.Time
	PeriodEnd              time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	EventAt                time.Time
}

// LaboratoryStore provides laboratory reads and the customer-reference write.
type LaboratoryStore interface {
	GetLaboratory(ctx context.Context, id uuid.UUID) (*Laboratory, error)

	// SetProviderCustomerID persists the external customer reference resolved
	// for the laboratory. Idempotent.
	SetProviderCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
}

// SubscriptionStore persists subscriptions. Every query is scoped by the
// owning laboratory except the provider-reference lookups used by webhook
// reconciliation. Multi-row writes (subscription + laboratory plan pointer)
// commit atomically.
type SubscriptionStore interface {
	// CreateSubscription inserts the row and updates the laboratory's
	// denormalized plan pointer in one transaction.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	GetSubscription(ctx context.Context, laboratoryID, id uuid.UUID) (*Subscription, error)

	// GetLiveSubscription returns the laboratory's TRIAL or ACTIVE
	// subscription, or a not-found error when there is none.
	GetLiveSubscription(ctx context.Context, laboratoryID uuid.UUID) (*Subscription, error)

	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// UpdateSubscriptionPlan writes the new plan code and limits and moves the
	// laboratory's plan pointer in one transaction.
	UpdateSubscriptionPlan(ctx context.Context, sub *Subscription) error

	SetCancelAtPeriodEnd(ctx context.Context, laboratoryID, id uuid.UUID, flag bool) error

	MarkCanceled(ctx context.Context, laboratoryID, id uuid.UUID, canceledAt time.Time) error

	// ApplyProviderState overwrites the provider-authoritative fields if the
	// change is newer than the stored LastEventAt. The row is locked for the
	// duration so webhook and request-path writers serialize per subscription.
	// Returns false when the change is stale and was not applied.
	ApplyProviderState(ctx context.Context, change ProviderStateChange) (bool, error)

	// ListLapsedLive returns live subscriptions whose period end passed before
	// the cutoff, for the reconciliation sweep.
	ListLapsedLive(ctx context.Context, cutoff time.Time, limit int32) ([]Subscription, error)
}

// InvoiceStore persists processor invoices.
type InvoiceStore interface {
	// UpsertInvoice writes an invoice row keyed by the provider invoice
	// reference. Unpaid rows are advanced to the event's state; paid rows are
	// immutable. Returns false without error when nothing changed.
	UpsertInvoice(ctx context.Context, inv *Invoice) (bool, error)

	ListInvoices(ctx context.Context, laboratoryID uuid.UUID) ([]Invoice, error)
}

// ProcessorEventStore is the audit trail of applied webhook events. It does
// not gate application: redelivery is made harmless by the event-time
// conditional apply and the invoice reference key.
type ProcessorEventStore interface {
	// RecordEvent inserts the audit entry. Returns false without error when
	// the provider event ID was already recorded.
	RecordEvent(ctx context.Context, ev *ProcessorEvent) (bool, error)
}

// UsageStore reads period-to-date consumption from collaborator tables.
type UsageStore interface {
	CountEquipmentItems(ctx context.Context, laboratoryID uuid.UUID) (int64, error)
	CountComplianceChecks(ctx context.Context, laboratoryID uuid.UUID, since time.Time) (int64, error)
	CountTeamMembers(ctx context.Context, laboratoryID uuid.UUID) (int64, error)
	SumStorageBytes(ctx context.Context, laboratoryID uuid.UUID) (int64, error)
}
