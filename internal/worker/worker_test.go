package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labledger/labledger/internal/billing"
	"github.com/labledger/labledger/internal/domain"
	"github.com/labledger/labledger/internal/service"
)

type fakeLapsedStore struct {
	lapsed    []domain.Subscription
	gotCutoff time.Time
	gotLimit  int32
	listErr   error
}

func (s *fakeLapsedStore) ListLapsedLive(ctx context.Context, cutoff time.Time, limit int32) ([]domain.Subscription, error) {
	s.gotCutoff = cutoff
	s.gotLimit = limit
	return s.lapsed, s.listErr
}

func (s *fakeLapsedStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	return nil
}

func (s *fakeLapsedStore) GetSubscription(ctx context.Context, laboratoryID, id uuid.UUID) (*domain.Subscription, error) {
	return nil, nil
}

func (s *fakeLapsedStore) GetLiveSubscription(ctx context.Context, laboratoryID uuid.UUID) (*domain.Subscription, error) {
	return nil, nil
}

func (s *fakeLapsedStore) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscription, error) {
	return nil, nil
}

func (s *fakeLapsedStore) UpdateSubscriptionPlan(ctx context.Context, sub *domain.Subscription) error {
	return nil
}

func (s *fakeLapsedStore) SetCancelAtPeriodEnd(ctx context.Context, laboratoryID, id uuid.UUID, flag bool) error {
	return nil
}

func (s *fakeLapsedStore) MarkCanceled(ctx context.Context, laboratoryID, id uuid.UUID, canceledAt time.Time) error {
	return nil
}

func (s *fakeLapsedStore) ApplyProviderState(ctx context.Context, change domain.ProviderStateChange) (bool, error) {
	return false, nil
}

// refreshRecorder implements only the refresh path the sweeper uses.
type refreshRecorder struct {
	service.SubscriptionService

	refreshed  []string
	refreshErr map[string]error
}

func (r *refreshRecorder) RefreshFromProvider(ctx context.Context, providerSubscriptionID string) error {
	r.refreshed = append(r.refreshed, providerSubscriptionID)
	return r.refreshErr[providerSubscriptionID]
}

func lapsedSubscription(providerID string) domain.Subscription {
	return domain.Subscription{
		ID:                     uuid.New(),
		LaboratoryID:           uuid.New(),
		Status:                 domain.SubscriptionStatusActive,
		ProviderSubscriptionID: providerID,
	}
}

func TestSweeperRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes every lapsed subscription", func(t *testing.T) {
		store := &fakeLapsedStore{lapsed: []domain.Subscription{
			lapsedSubscription("sub_a"),
			lapsedSubscription("sub_b"),
		}}
		svc := &refreshRecorder{}
		sweeper := NewSweeper(store, svc, Config{GracePeriod: time.Hour, BatchSize: 25}, nil)

		require.NoError(t, sweeper.RunOnce(ctx))
		assert.Equal(t, []string{"sub_a", "sub_b"}, svc.refreshed)
		assert.Equal(t, int32(25), store.gotLimit)
	})

	t.Run("cutoff leaves the grace period for the normal webhook", func(t *testing.T) {
		store := &fakeLapsedStore{}
		sweeper := NewSweeper(store, &refreshRecorder{}, Config{GracePeriod: 2 * time.Hour}, nil)
		fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		sweeper.now = func() time.Time { return fixed }

		require.NoError(t, sweeper.RunOnce(ctx))
		assert.Equal(t, fixed.Add(-2*time.Hour), store.gotCutoff)
	})

	t.Run("one failed refresh does not stop the sweep", func(t *testing.T) {
		store := &fakeLapsedStore{lapsed: []domain.Subscription{
			lapsedSubscription("sub_a"),
			lapsedSubscription("sub_b"),
			lapsedSubscription("sub_c"),
		}}
		svc := &refreshRecorder{refreshErr: map[string]error{
			"sub_b": billing.ErrProcessorUnavailable,
		}}
		sweeper := NewSweeper(store, svc, Config{}, nil)

		require.NoError(t, sweeper.RunOnce(ctx))
		assert.Equal(t, []string{"sub_a", "sub_b", "sub_c"}, svc.refreshed)
	})

	t.Run("list failure surfaces", func(t *testing.T) {
		store := &fakeLapsedStore{listErr: errors.New("connection refused")}
		sweeper := NewSweeper(store, &refreshRecorder{}, Config{}, nil)

		assert.Error(t, sweeper.RunOnce(ctx))
	})

	t.Run("cancelled context stops mid-sweep", func(t *testing.T) {
		store := &fakeLapsedStore{lapsed: []domain.Subscription{
			lapsedSubscription("sub_a"),
			lapsedSubscription("sub_b"),
		}}
		svc := &refreshRecorder{}
		sweeper := NewSweeper(store, svc, Config{}, nil)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, sweeper.RunOnce(cancelCtx), context.Canceled)
		assert.Empty(t, svc.refreshed)
	})
}

func TestSweeperDefaults(t *testing.T) {
	sweeper := NewSweeper(&fakeLapsedStore{}, &refreshRecorder{}, Config{}, nil)

	assert.NotEmpty(t, sweeper.config.WorkerID)
	assert.Equal(t, 15*time.Minute, sweeper.config.Interval)
	assert.Equal(t, time.Hour, sweeper.config.GracePeriod)
	assert.Equal(t, int32(100), sweeper.config.BatchSize)
}
