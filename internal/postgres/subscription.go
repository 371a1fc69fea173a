package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labledger/labledger/internal/domain"
)

// SubscriptionStore implements domain.SubscriptionStore using PostgreSQL.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

var _ domain.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a new SubscriptionStore instance.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionColumns = `
	id, laboratory_id, plan_code, status,
	period_start, period_end, trial_start, trial_end,
	provider_customer_id, provider_subscription_id,
	cancel_at_period_end, canceled_at,
	limit_equipment_items, limit_compliance_checks, limit_team_members, limit_storage_bytes,
	last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.LaboratoryID,
		&sub.PlanCode,
		&sub.Status,
		&sub.PeriodStart,
		&sub.PeriodEnd,
		&sub.TrialStart,
		&sub.TrialEnd,
		&sub.ProviderCustomerID,
		&sub.ProviderSubscriptionID,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.Limits.EquipmentItems,
		&sub.Limits.ComplianceChecks,
		&sub.Limits.TeamMembers,
		&sub.Limits.StorageBytes,
		&sub.LastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts the subscription and moves the laboratory's
// denormalized plan pointer in one transaction.
func (s *SubscriptionStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO subscriptions (
			id, laboratory_id, plan_code, status,
			period_start, period_end, trial_start, trial_end,
			provider_customer_id, provider_subscription_id,
			cancel_at_period_end, canceled_at,
			limit_equipment_items, limit_compliance_checks, limit_team_members, limit_storage_bytes,
			last_event_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = tx.Exec(ctx, insert,
		sub.ID, sub.LaboratoryID, sub.PlanCode, sub.Status,
		sub.PeriodStart, sub.PeriodEnd, sub.TrialStart, sub.TrialEnd,
		sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.CancelAtPeriodEnd, sub.CanceledAt,
		sub.Limits.EquipmentItems, sub.Limits.ComplianceChecks, sub.Limits.TeamMembers, sub.Limits.StorageBytes,
		sub.LastEventAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Conflict("subscription.create", "laboratory already has a live subscription")
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}

	const pointer = `UPDATE laboratories SET plan_code = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, pointer, sub.LaboratoryID, sub.PlanCode); err != nil {
		return fmt.Errorf("failed to update laboratory plan pointer: %w", err)
	}

	return tx.Commit(ctx)
}

// GetSubscription fetches one subscription scoped by laboratory.
func (s *SubscriptionStore) GetSubscription(ctx context.Context, laboratoryID, id uuid.UUID) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE laboratory_id = $1 AND id = $2`

	sub, err := scanSubscription(s.pool.QueryRow(ctx, q, laboratoryID, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound("subscription.get", "subscription", id.String())
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetLiveSubscription fetches the laboratory's TRIAL or ACTIVE subscription.
func (s *SubscriptionStore) GetLiveSubscription(ctx context.Context, laboratoryID uuid.UUID) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE laboratory_id = $1 AND status IN ('TRIAL', 'ACTIVE')
		ORDER BY created_at DESC
		LIMIT 1`

	sub, err := scanSubscription(s.pool.QueryRow(ctx, q, laboratoryID))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound("subscription.get_live", "subscription", laboratoryID.String())
		}
		return nil, fmt.Errorf("failed to get live subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByProviderID fetches a subscription by external reference.
// Used by webhook reconciliation, which has no laboratory scope yet.
func (s *SubscriptionStore) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_subscription_id = $1`

	sub, err := scanSubscription(s.pool.QueryRow(ctx, q, providerSubscriptionID))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound("subscription.get_by_provider", "subscription", providerSubscriptionID)
		}
		return nil, fmt.Errorf("failed to get subscription by provider id: %w", err)
	}
	return sub, nil
}

// UpdateSubscriptionPlan writes the new plan code and copied limits and moves
// the laboratory's plan pointer in one transaction.
func (s *SubscriptionStore) UpdateSubscriptionPlan(ctx context.Context, sub *domain.Subscription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE subscriptions
		SET plan_code = $3,
			limit_equipment_items = $4,
			limit_compliance_checks = $5,
			limit_team_members = $6,
			limit_storage_bytes = $7,
			updated_at = now()
		WHERE laboratory_id = $1 AND id = $2`

	tag, err := tx.Exec(ctx, update,
		sub.LaboratoryID, sub.ID, sub.PlanCode,
		sub.Limits.EquipmentItems, sub.Limits.ComplianceChecks, sub.Limits.TeamMembers, sub.Limits.StorageBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("subscription.update_plan", "subscription", sub.ID.String())
	}

	const pointer = `UPDATE laboratories SET plan_code = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, pointer, sub.LaboratoryID, sub.PlanCode); err != nil {
		return fmt.Errorf("failed to update laboratory plan pointer: %w", err)
	}

	return tx.Commit(ctx)
}

// SetCancelAtPeriodEnd mirrors the processor's cancel flag.
func (s *SubscriptionStore) SetCancelAtPeriodEnd(ctx context.Context, laboratoryID, id uuid.UUID, flag bool) error {
	const q = `
		UPDATE subscriptions
		SET cancel_at_period_end = $3, updated_at = now()
		WHERE laboratory_id = $1 AND id = $2`

	tag, err := s.pool.Exec(ctx, q, laboratoryID, id, flag)
	if err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("subscription.set_cancel_flag", "subscription", id.String())
	}
	return nil
}

// MarkCanceled sets terminal CANCELED status with the cancellation timestamp.
func (s *SubscriptionStore) MarkCanceled(ctx context.Context, laboratoryID, id uuid.UUID, canceledAt time.Time) error {
	const q = `
		UPDATE subscriptions
		SET status = 'CANCELED', canceled_at = $3, updated_at = now()
		WHERE laboratory_id = $1 AND id = $2 AND status <> 'CANCELED'`

	tag, err := s.pool.Exec(ctx, q, laboratoryID, id, canceledAt)
	if err != nil {
		return fmt.Errorf("failed to mark subscription canceled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already canceled; distinguish for the caller.
		if _, getErr := s.GetSubscription(ctx, laboratoryID, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ApplyProviderState overwrites provider-authoritative fields if the change is
// newer than the stored last event timestamp. The row is locked so webhook and
// request-path writers serialize per subscription. Returns false when stale.
func (s *SubscriptionStore) ApplyProviderState(ctx context.Context, change domain.ProviderStateChange) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const lock = `
		SELECT id, status, last_event_at
		FROM subscriptions
		WHERE provider_subscription_id = $1
		FOR UPDATE`

	var (
		id          uuid.UUID
		status      domain.SubscriptionStatus
		lastEventAt time.Time
	)
	if err := tx.QueryRow(ctx, lock, change.ProviderSubscriptionID).Scan(&id, &status, &lastEventAt); err != nil {
		if isNoRows(err) {
			return false, domain.NotFound("subscription.apply_state", "subscription", change.ProviderSubscriptionID)
		}
		return false, fmt.Errorf("failed to lock subscription: %w", err)
	}

	// Stale or replayed event: a newer state is already applied.
	if !change.EventAt.After(lastEventAt) {
		return false, nil
	}
	// CANCELED is terminal; late events never resurrect the row.
	if status.IsTerminal() {
		return false, nil
	}

	const apply = `
		UPDATE subscriptions
		SET status = $2,
			period_start = $3,
			period_end = $4,
			trial_start = COALESCE($5, trial_start),
			trial_end = COALESCE($6, trial_end),
			cancel_at_period_end = $7,
			canceled_at = COALESCE($8, canceled_at),
			last_event_at = $9,
			updated_at = now()
		WHERE id = $1`

	if _, err := tx.Exec(ctx, apply,
		id, change.Status, change.PeriodStart, change.PeriodEnd,
		change.TrialStart, change.TrialEnd,
		change.CancelAtPeriodEnd, change.CanceledAt, change.EventAt,
	); err != nil {
		return false, fmt.Errorf("failed to apply provider state: %w", err)
	}

	return true, tx.Commit(ctx)
}

// ListLapsedLive returns live subscriptions whose billing period ended before
// the cutoff. Used by the reconciliation sweep to repair missed webhooks.
func (s *SubscriptionStore) ListLapsedLive(ctx context.Context, cutoff time.Time, limit int32) ([]domain.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('TRIAL', 'ACTIVE') AND period_end < $1
		ORDER BY period_end
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
