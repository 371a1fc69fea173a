package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/labledger/labledger/internal/domain"
)

// UsageService reports period-to-date consumption against plan limits.
type UsageService interface {
	// GetUsage returns consumption for the laboratory's current billing
	// period. A laboratory with no live subscription gets HasActivePlan=false
	// and zero limits, never an error.
	GetUsage(ctx context.Context, laboratoryID uuid.UUID) (*domain.Usage, error)
}

type usageService struct {
	labs   domain.LaboratoryStore
	subs   domain.SubscriptionStore
	usage  domain.UsageStore
	logger *slog.Logger
}

var _ UsageService = (*usageService)(nil)

// NewUsageService creates the usage accounting service.
func NewUsageService(labs domain.LaboratoryStore, subs domain.SubscriptionStore, usage domain.UsageStore, logger *slog.Logger) UsageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &usageService{labs: labs, subs: subs, usage: usage, logger: logger}
}

func (s *usageService) GetUsage(ctx context.Context, laboratoryID uuid.UUID) (*domain.Usage, error) {
	if _, err := s.labs.GetLaboratory(ctx, laboratoryID); err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return nil, ErrLaboratoryNotFound
		}
		return nil, err
	}

	sub, err := s.subs.GetLiveSubscription(ctx, laboratoryID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			return &domain.Usage{HasActivePlan: false}, nil
		}
		return nil, err
	}

	usage := &domain.Usage{
		HasActivePlan: true,
		PlanCode:      sub.PlanCode,
		PeriodStart:   sub.PeriodStart,
		PeriodEnd:     sub.PeriodEnd,
		Limits:        sub.Limits,
	}

	if usage.EquipmentItems, err = s.usage.CountEquipmentItems(ctx, laboratoryID); err != nil {
		return nil, err
	}
	// Compliance checks reset each billing period; the other gauges are
	// point-in-time counts.
	if usage.ComplianceChecks, err = s.usage.CountComplianceChecks(ctx, laboratoryID, sub.PeriodStart); err != nil {
		return nil, err
	}
	if usage.TeamMembers, err = s.usage.CountTeamMembers(ctx, laboratoryID); err != nil {
		return nil, err
	}
	if usage.StorageBytes, err = s.usage.SumStorageBytes(ctx, laboratoryID); err != nil {
		return nil, err
	}

	return usage, nil
}
