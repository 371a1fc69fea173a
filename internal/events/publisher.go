// Package events publishes billing lifecycle events for downstream
// consumers (notifications, analytics). Delivery is best-effort; the billing
// lifecycle never fails an operation because a notification did not go out.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects for billing lifecycle events.
const (
	SubjectSubscriptionCreated  = "billing.subscription.created"
	SubjectSubscriptionUpdated  = "billing.subscription.updated"
	SubjectSubscriptionCanceled = "billing.subscription.canceled"
	SubjectInvoiceRecorded      = "billing.invoice.recorded"
	SubjectReconcileRepair      = "billing.reconcile.repair"
)

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to NATS and returns a publisher.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("labledger-billing"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish marshals the payload as JSON and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error("failed to publish event",
			"subject", subject,
			"error", err,
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("failed to drain nats connection", "error", err)
	}
}

// NoopPublisher discards all events. Used when NATS is disabled and in tests.
type NoopPublisher struct{}

var _ Publisher = (*NoopPublisher)(nil)

// Publish discards the event.
func (NoopPublisher) Publish(ctx context.Context, subject string, payload any) error {
	return nil
}

// Close is a no-op.
func (NoopPublisher) Close() {}
