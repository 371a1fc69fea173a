package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labledger/labledger/internal/domain"
)

type fakeUsageStore struct {
	equipment int64
	team      int64
	storage   int64

	// checksByPeriod maps a period start to the count of checks since it,
	// so tests can verify the query is period-scoped.
	checksByPeriod map[time.Time]int64
}

func (s *fakeUsageStore) CountEquipmentItems(ctx context.Context, laboratoryID uuid.UUID) (int64, error) {
	return s.equipment, nil
}

func (s *fakeUsageStore) CountComplianceChecks(ctx context.Context, laboratoryID uuid.UUID, since time.Time) (int64, error) {
	return s.checksByPeriod[since], nil
}

func (s *fakeUsageStore) CountTeamMembers(ctx context.Context, laboratoryID uuid.UUID) (int64, error) {
	return s.team, nil
}

func (s *fakeUsageStore) SumStorageBytes(ctx context.Context, laboratoryID uuid.UUID) (int64, error) {
	return s.storage, nil
}

func TestGetUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("reports consumption against the stored limits", func(t *testing.T) {
		lab := testLaboratory()
		labs := newFakeLaboratoryStore(lab)
		subs := newFakeSubscriptionStore()

		periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		periodEnd := periodStart.AddDate(0, 1, 0)
		require.NoError(t, subs.CreateSubscription(ctx, &domain.Subscription{
			ID:           uuid.New(),
			LaboratoryID: lab.ID,
			PlanCode:     "PROFESSIONAL",
			Status:       domain.SubscriptionStatusActive,
			PeriodStart:  periodStart,
			PeriodEnd:    periodEnd,
			Limits: domain.PlanLimits{
				EquipmentItems:   50,
				ComplianceChecks: 500,
				TeamMembers:      10,
				StorageBytes:     10 << 30,
			},
		}))

		store := &fakeUsageStore{
			equipment:      12,
			team:           4,
			storage:        2 << 30,
			checksByPeriod: map[time.Time]int64{periodStart: 87},
		}
		svc := NewUsageService(labs, subs, store, nil)

		usage, err := svc.GetUsage(ctx, lab.ID)
		require.NoError(t, err)

		assert.True(t, usage.HasActivePlan)
		assert.Equal(t, "PROFESSIONAL", usage.PlanCode)
		assert.Equal(t, periodStart, usage.PeriodStart)
		assert.Equal(t, periodEnd, usage.PeriodEnd)
		assert.Equal(t, int64(12), usage.EquipmentItems)
		assert.Equal(t, int64(87), usage.ComplianceChecks, "checks counted from the current period start")
		assert.Equal(t, int64(4), usage.TeamMembers)
		assert.Equal(t, int64(2<<30), usage.StorageBytes)
		assert.Equal(t, int32(50), usage.Limits.EquipmentItems)
	})

	t.Run("no live subscription reports no active plan", func(t *testing.T) {
		lab := testLaboratory()
		svc := NewUsageService(newFakeLaboratoryStore(lab), newFakeSubscriptionStore(), &fakeUsageStore{equipment: 99}, nil)

		usage, err := svc.GetUsage(ctx, lab.ID)
		require.NoError(t, err)
		assert.False(t, usage.HasActivePlan)
		assert.Zero(t, usage.EquipmentItems, "counters not queried without a plan")
		assert.Zero(t, usage.Limits)
	})

	t.Run("canceled subscription does not count as active", func(t *testing.T) {
		lab := testLaboratory()
		labs := newFakeLaboratoryStore(lab)
		subs := newFakeSubscriptionStore()
		require.NoError(t, subs.CreateSubscription(ctx, &domain.Subscription{
			ID:           uuid.New(),
			LaboratoryID: lab.ID,
			PlanCode:     "STARTER",
			Status:       domain.SubscriptionStatusCanceled,
		}))
		svc := NewUsageService(labs, subs, &fakeUsageStore{}, nil)

		usage, err := svc.GetUsage(ctx, lab.ID)
		require.NoError(t, err)
		assert.False(t, usage.HasActivePlan)
	})

	t.Run("unknown laboratory", func(t *testing.T) {
		svc := NewUsageService(newFakeLaboratoryStore(), newFakeSubscriptionStore(), &fakeUsageStore{}, nil)

		_, err := svc.GetUsage(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrLaboratoryNotFound)
	})
}
