package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

func newSubscription() *business.Subscription {
	next := time.Now().Add(-time.Minute)
	return &business.Subscription{
		ID:                 uuid.New(),
		CustomerID:         uuid.New(),
		Status:             "active",
		AmountCents:        2000,
		Currency:           "USD",
		IntervalType:       "monthly",
		IntervalCount:      1,
		CurrentPeriodStart: time.Now().AddDate(0, 0, -10),
		CurrentPeriodEnd:   time.Now().AddDate(0, 0, 20),
		NextRedemptionAt:   &next,
		DunningPolicyID:    uuid.New(),
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()

	sub := newSubscription()
	require.NoError(t, store.CreateSubscription(ctx, sub))
	assert.Equal(t, int64(1), sub.Version)

	// Two readers load the same version.
	first, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	second, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)

	first.AmountCents = 3000
	require.NoError(t, store.UpdateSubscription(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	// The slower writer's version is stale and must lose.
	second.AmountCents = 4000
	err = store.UpdateSubscription(ctx, second)
	assert.ErrorIs(t, err, db.ErrVersionConflict)

	current, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), current.AmountCents)
}

func TestMemoryStore_OneAttemptInFlight(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()

	sub := newSubscription()
	require.NoError(t, store.CreateSubscription(ctx, sub))

	open := &business.RedemptionAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Status:         "pending",
		IdempotencyKey: "k1",
	}
	require.NoError(t, store.CreateRedemptionAttempt(ctx, open))

	dup := &business.RedemptionAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Status:         "pending",
		IdempotencyKey: "k2",
	}
	assert.ErrorIs(t, store.CreateRedemptionAttempt(ctx, dup), db.ErrAttemptInFlight)

	// Settling the open attempt frees the slot.
	open.Status = "failed"
	require.NoError(t, store.UpdateRedemptionAttempt(ctx, open))
	assert.NoError(t, store.CreateRedemptionAttempt(ctx, dup))
}

func TestMemoryStore_DuplicateAttemptIDIsNotInFlight(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()

	sub := newSubscription()
	require.NoError(t, store.CreateSubscription(ctx, sub))

	attempt := &business.RedemptionAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Status:         "failed",
		IdempotencyKey: "k1",
	}
	require.NoError(t, store.CreateRedemptionAttempt(ctx, attempt))

	// Reusing an id collides on the primary key, not the in-flight guard.
	reused := &business.RedemptionAttempt{
		ID:             attempt.ID,
		SubscriptionID: sub.ID,
		Status:         "pending",
		IdempotencyKey: "k2",
	}
	assert.ErrorIs(t, store.CreateRedemptionAttempt(ctx, reused), db.ErrDuplicate)
}

func TestMemoryStore_ListDueSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()

	due := newSubscription()
	require.NoError(t, store.CreateSubscription(ctx, due))

	pastDue := newSubscription()
	pastDue.Status = "past_due"
	require.NoError(t, store.CreateSubscription(ctx, pastDue))

	notYet := newSubscription()
	future := time.Now().Add(time.Hour)
	notYet.NextRedemptionAt = &future
	require.NoError(t, store.CreateSubscription(ctx, notYet))

	paused := newSubscription()
	paused.Status = "paused"
	require.NoError(t, store.CreateSubscription(ctx, paused))

	got, err := store.ListDueSubscriptions(ctx, time.Now(), 10)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(got))
	for _, s := range got {
		ids[s.ID] = true
	}
	assert.True(t, ids[due.ID])
	assert.True(t, ids[pastDue.ID])
	assert.False(t, ids[notYet.ID])
	assert.False(t, ids[paused.ID])
}
