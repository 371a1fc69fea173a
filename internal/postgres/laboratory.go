package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labledger/labledger/internal/domain"
)

// LaboratoryStore implements domain.LaboratoryStore using PostgreSQL.
type LaboratoryStore struct {
	pool *pgxpool.Pool
}

var _ domain.LaboratoryStore = (*LaboratoryStore)(nil)

// NewLaboratoryStore creates a new LaboratoryStore instance.
func NewLaboratoryStore(pool *pgxpool.Pool) *LaboratoryStore {
	return &LaboratoryStore{pool: pool}
}

// GetLaboratory fetches a laboratory by ID.
func (s *LaboratoryStore) GetLaboratory(ctx context.Context, id uuid.UUID) (*domain.Laboratory, error) {
	const q = `
		SELECT id, name, billing_email, active, plan_code, provider_customer_id, created_at, updated_at
		FROM laboratories
		WHERE id = $1`

	var lab domain.Laboratory
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&lab.ID,
		&lab.Name,
		&lab.BillingEmail,
		&lab.Active,
		&lab.PlanCode,
		&lab.ProviderCustomerID,
		&lab.CreatedAt,
		&lab.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound("laboratory.get", "laboratory", id.String())
		}
		return nil, fmt.Errorf("failed to get laboratory: %w", err)
	}

	return &lab, nil
}

// SetProviderCustomerID persists the external customer reference. Idempotent.
func (s *LaboratoryStore) SetProviderCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	const q = `
		UPDATE laboratories
		SET provider_customer_id = $2, updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, customerID)
	if err != nil {
		return fmt.Errorf("failed to set provider customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("laboratory.set_customer", "laboratory", id.String())
	}
	return nil
}
