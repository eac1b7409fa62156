package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/services"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

func seedDunningPolicy(store *db.MemoryStore, finalAction string, fallbackCents int64) business.DunningPolicy {
	policy := business.DunningPolicy{
		ID:               uuid.New(),
		Name:             "standard",
		MaxRetryAttempts: 3,
		RetryIntervalDays: []int32{
			1, 3, 5,
		},
		AttemptActions: []business.AttemptAction{
			{Attempt: 1, Actions: []string{"retry_payment"}},
			{Attempt: 2, Actions: []string{"retry_payment", "email"}},
			{Attempt: 3, Actions: []string{"retry_payment", "email"}},
		},
		FinalAction:         finalAction,
		FallbackAmountCents: fallbackCents,
		AllowCustomerRetry:  true,
	}
	store.PutDunningPolicy(policy)
	return policy
}

func newDunningUnderTest(store *db.MemoryStore) (*services.DunningEngine, *fakeEmailService, *fakeQueue) {
	email := &fakeEmailService{}
	queue := &fakeQueue{}
	subs := services.NewSubscriptionServiceWithDependencies(
		store, services.NewProrationCalculator(), email, queue, zap.NewNop())
	engine := services.NewDunningEngine(store, subs, email, queue, zap.NewNop())
	return engine, email, queue
}

func seedPastDueSubscription(t *testing.T, store *db.MemoryStore, policy business.DunningPolicy, retryCount int32) *business.Subscription {
	t.Helper()
	sub := seedActiveSubscription(t, store, 2000)
	sub.DunningPolicyID = policy.ID
	if retryCount > 0 {
		sub.Status = constants.SubscriptionStatusPastDue
		sub.RetryCount = retryCount
	}
	require.NoError(t, store.UpdateSubscription(context.Background(), sub))
	return sub
}

func TestDunningEngine_FirstFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, email, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 0)

	attempt := &business.RedemptionAttempt{ID: uuid.New(), SubscriptionID: sub.ID}
	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, attempt))

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusPastDue, updated.Status)
	assert.Equal(t, int32(1), updated.RetryCount)

	// First interval is 1 day out.
	require.NotNil(t, updated.NextRedemptionAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *updated.NextRedemptionAt, time.Minute)

	// Attempt 1 is configured as a bare retry: no email.
	assert.Equal(t, 0, email.paymentFailed)
}

func TestDunningEngine_SecondFailureSendsEmail(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, email, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 1)

	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, nil))

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), updated.RetryCount)
	require.NotNil(t, updated.NextRedemptionAt)
	assert.WithinDuration(t, time.Now().Add(3*24*time.Hour), *updated.NextRedemptionAt, time.Minute)
	assert.Equal(t, 1, email.paymentFailed)
}

func TestDunningEngine_NthConsecutiveFailureAppliesFinalAction(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, email, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 0)

	// Failures one and two schedule retries under MaxRetryAttempts=3.
	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, nil))
	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, nil))

	mid, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusPastDue, mid.Status)
	assert.Equal(t, int32(2), mid.RetryCount)
	require.NotNil(t, mid.NextRedemptionAt)

	// The third consecutive failure exhausts the schedule: the final action
	// fires now, not after a fourth attempt.
	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, nil))

	final, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusCanceled, final.Status)
	assert.True(t, final.FinalActionApplied)
	assert.Nil(t, final.NextRedemptionAt)
	assert.Len(t, email.finalActionEmails, 1)
}

func TestDunningEngine_DelegationRejectionExpires(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, _, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 1)

	require.NoError(t, engine.OnDelegationRejected(ctx, sub.ID, "delegation is malformed"))

	expired, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusExpired, expired.Status)
	assert.Nil(t, expired.NextRedemptionAt)

	// Expired is terminal; a repeat signal is a no-op.
	require.NoError(t, engine.OnDelegationRejected(ctx, sub.ID, "still malformed"))
}

func TestDunningEngine_ExhaustionAppliesFinalActionOnce(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, email, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, policy.MaxRetryAttempts)

	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, nil))

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusCanceled, updated.Status)
	assert.True(t, updated.FinalActionApplied)
	assert.Len(t, email.finalActionEmails, 1)

	// A duplicate exhaustion signal is a no-op.
	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, nil))

	again, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusCanceled, again.Status)
	assert.Len(t, email.finalActionEmails, 1)
}

func TestDunningEngine_FinalActionDowngrade(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, _, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionDowngrade, 500)
	sub := seedPastDueSubscription(t, store, policy, policy.MaxRetryAttempts)

	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, nil))

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusActive, updated.Status)
	assert.Equal(t, int64(500), updated.AmountCents)
	assert.True(t, updated.FinalActionApplied)
	assert.Equal(t, int32(0), updated.RetryCount)
}

func TestDunningEngine_ManualFailureLeavesScheduleAlone(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, _, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 2)
	before, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)

	manual := &business.RedemptionAttempt{ID: uuid.New(), SubscriptionID: sub.ID, Manual: true}
	require.NoError(t, engine.OnRedemptionFailure(ctx, sub.ID, manual))

	after, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, before.RetryCount, after.RetryCount)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.NextRedemptionAt, after.NextRedemptionAt)
}

func TestDunningEngine_ManualRetry(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, _, queue := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 1)
	scheduleBefore, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)

	attempt, err := engine.ManualRetry(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, attempt.Manual)
	assert.Equal(t, constants.AttemptStatusPending, attempt.Status)

	require.Len(t, queue.tasks, 1)
	assert.True(t, queue.tasks[0].Manual)
	assert.Equal(t, attempt.ID, queue.tasks[0].AttemptID)

	// The automatic schedule keeps its timing.
	after, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduleBefore.NextRedemptionAt, after.NextRedemptionAt)
	assert.Equal(t, scheduleBefore.RetryCount, after.RetryCount)

	// Only one attempt may be in flight.
	_, err = engine.ManualRetry(ctx, sub.ID)
	assert.ErrorIs(t, err, db.ErrAttemptInFlight)
}

func TestDunningEngine_ManualRetryRequiresPastDue(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, _, _ := newDunningUnderTest(store)
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 0) // stays active

	_, err := engine.ManualRetry(ctx, sub.ID)

	var invalid *business.InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "manual_retry", invalid.Intent)
}

func TestDunningEngine_ManualRetryRespectsPolicy(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	engine, _, _ := newDunningUnderTest(store)

	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	policy.AllowCustomerRetry = false
	store.PutDunningPolicy(policy)

	sub := seedPastDueSubscription(t, store, policy, 1)

	_, err := engine.ManualRetry(ctx, sub.ID)
	assert.Error(t, err)
}
