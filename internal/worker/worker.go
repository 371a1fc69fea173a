// Package worker runs the periodic reconciliation sweep. Subscriptions whose
// period end passed without a webhook advancing them are re-read from the
// processor, covering missed or dropped deliveries.
package worker

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/labledger/labledger/internal/domain"
	"github.com/labledger/labledger/internal/service"
)

// Config holds sweep worker configuration.
type Config struct {
	// WorkerID uniquely identifies this worker instance
	WorkerID string

	// Interval is how often the sweep runs
	Interval time.Duration

	// GracePeriod is how long past a subscription's period end the sweep
	// waits before refreshing, leaving room for the normal webhook to land
	GracePeriod time.Duration

	// BatchSize caps how many subscriptions one sweep refreshes
	BatchSize int32
}

// Sweeper periodically reconciles lapsed subscriptions with the processor.
type Sweeper struct {
	config        Config
	subscriptions domain.SubscriptionStore
	service       service.SubscriptionService
	logger        *slog.Logger
	now           func() time.Time
}

// NewSweeper creates a reconciliation sweep worker.
func NewSweeper(
	subscriptions domain.SubscriptionStore,
	svc service.SubscriptionService,
	config Config,
	logger *slog.Logger,
) *Sweeper {
	if config.WorkerID == "" {
		config.WorkerID = fmt.Sprintf("sweeper-%s", uuid.New().String()[:8])
	}
	if config.Interval == 0 {
		config.Interval = 15 * time.Minute
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		config:        config,
		subscriptions: subscriptions,
		service:       svc,
		logger:        logger,
		now:           time.Now,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("reconciliation sweeper starting",
		"worker_id", s.config.WorkerID,
		"interval", s.config.Interval,
		"grace_period", s.config.GracePeriod,
		"batch_size", s.config.BatchSize,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweeper shutting down", "worker_id", s.config.WorkerID)
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("reconciliation sweep failed", "worker_id", s.config.WorkerID, "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	cutoff := s.now().Add(-s.config.GracePeriod)

	lapsed, err := s.subscriptions.ListLapsedLive(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	if len(lapsed) == 0 {
		return nil
	}

	s.logger.Info("sweeping lapsed subscriptions", "count", len(lapsed))

	var refreshed, failed int
	for _, sub := range lapsed {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.service.RefreshFromProvider(ctx, sub.ProviderSubscriptionID); err != nil {
			failed++
			s.logger.Error("failed to refresh subscription",
				"subscription_id", sub.ID,
				"provider_subscription_id", sub.ProviderSubscriptionID,
				"error", err,
			)
			continue
		}
		refreshed++
	}

	s.logger.Info("sweep complete", "refreshed", refreshed, "failed", failed)
	return nil
}
