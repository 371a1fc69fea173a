package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labledger/labledger/internal/domain"
)

// UsageStore implements domain.UsageStore using PostgreSQL. It only reads
// from collaborator tables; the billing lifecycle never writes them.
type UsageStore struct {
	pool *pgxpool.Pool
}

var _ domain.UsageStore = (*UsageStore)(nil)

// NewUsageStore creates a new UsageStore instance.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

// CountEquipmentItems counts the laboratory's registered equipment items.
func (s *UsageStore) CountEquipmentItems(ctx context.Context, laboratoryID uuid.UUID) (int64, error) {
	const q = `SELECT count(*) FROM equipment_items WHERE laboratory_id = $1`
	return s.count(ctx, q, laboratoryID)
}

// CountComplianceChecks counts compliance checks performed since the period start.
func (s *UsageStore) CountComplianceChecks(ctx context.Context, laboratoryID uuid.UUID, since time.Time) (int64, error) {
	const q = `SELECT count(*) FROM compliance_checks WHERE laboratory_id = $1 AND performed_at >= $2`

	var n int64
	if err := s.pool.QueryRow(ctx, q, laboratoryID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count compliance checks: %w", err)
	}
	return n, nil
}

// CountTeamMembers counts the laboratory's team members.
func (s *UsageStore) CountTeamMembers(ctx context.Context, laboratoryID uuid.UUID) (int64, error) {
	const q = `SELECT count(*) FROM lab_members WHERE laboratory_id = $1`
	return s.count(ctx, q, laboratoryID)
}

// SumStorageBytes sums stored bytes recorded in the usage log.
func (s *UsageStore) SumStorageBytes(ctx context.Context, laboratoryID uuid.UUID) (int64, error) {
	const q = `SELECT COALESCE(sum(storage_bytes), 0) FROM usage_logs WHERE laboratory_id = $1`
	return s.count(ctx, q, laboratoryID)
}

func (s *UsageStore) count(ctx context.Context, q string, laboratoryID uuid.UUID) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, q, laboratoryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return n, nil
}
