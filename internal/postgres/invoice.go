package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labledger/labledger/internal/domain"
)

// InvoiceStore implements domain.InvoiceStore using PostgreSQL.
type InvoiceStore struct {
	pool *pgxpool.Pool
}

var _ domain.InvoiceStore = (*InvoiceStore)(nil)

// NewInvoiceStore creates a new InvoiceStore instance.
func NewInvoiceStore(pool *pgxpool.Pool) *InvoiceStore {
	return &InvoiceStore{pool: pool}
}

// UpsertInvoice writes an invoice row keyed by the external invoice reference.
// An unpaid row is advanced in place (a payment_failed invoice later succeeds
// and the same reference flips to paid); a paid row is immutable, so late or
// replayed events for it change nothing and return false.
func (s *InvoiceStore) UpsertInvoice(ctx context.Context, inv *domain.Invoice) (bool, error) {
	const q = `
		INSERT INTO invoices (
			id, subscription_id, laboratory_id, provider_invoice_id,
			amount_cents, currency, status, due_date, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider_invoice_id) DO UPDATE
		SET amount_cents = EXCLUDED.amount_cents,
			status       = EXCLUDED.status,
			due_date     = EXCLUDED.due_date,
			paid_at      = EXCLUDED.paid_at
		WHERE invoices.paid_at IS NULL`

	tag, err := s.pool.Exec(ctx, q,
		inv.ID, inv.SubscriptionID, inv.LaboratoryID, inv.ProviderInvoiceID,
		inv.AmountCents, inv.Currency, inv.Status, inv.DueDate, inv.PaidAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListInvoices returns the laboratory's invoices, newest first.
func (s *InvoiceStore) ListInvoices(ctx context.Context, laboratoryID uuid.UUID) ([]domain.Invoice, error) {
	const q = `
		SELECT id, subscription_id, laboratory_id, provider_invoice_id,
			amount_cents, currency, status, due_date, paid_at, created_at
		FROM invoices
		WHERE laboratory_id = $1
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, laboratoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		var inv domain.Invoice
		if err := rows.Scan(
			&inv.ID, &inv.SubscriptionID, &inv.LaboratoryID, &inv.ProviderInvoiceID,
			&inv.AmountCents, &inv.Currency, &inv.Status, &inv.DueDate, &inv.PaidAt, &inv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ProcessorEventStore implements domain.ProcessorEventStore using PostgreSQL.
// It is the audit trail of applied webhook events; replay and ordering guards
// live in the conditional state apply and the invoice upsert key.
type ProcessorEventStore struct {
	pool *pgxpool.Pool
}

var _ domain.ProcessorEventStore = (*ProcessorEventStore)(nil)

// NewProcessorEventStore creates a new ProcessorEventStore instance.
func NewProcessorEventStore(pool *pgxpool.Pool) *ProcessorEventStore {
	return &ProcessorEventStore{pool: pool}
}

// RecordEvent inserts the ledger entry. Returns false without error when the
// provider event ID was already recorded.
func (s *ProcessorEventStore) RecordEvent(ctx context.Context, ev *domain.ProcessorEvent) (bool, error) {
	const q = `
		INSERT INTO processor_events (provider_event_id, kind, occurred_at, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_event_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, ev.ProviderEventID, ev.Kind, ev.OccurredAt, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record processor event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
