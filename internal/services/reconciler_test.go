package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/client/relay"
	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/services"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// fakeReceiptSource serves canned receipts keyed by submission id.
type fakeReceiptSource struct {
	receipts map[string]*relay.Receipt
}

func (f *fakeReceiptSource) GetReceipt(_ context.Context, submissionID string) (*relay.Receipt, error) {
	r, ok := f.receipts[submissionID]
	if !ok {
		return nil, relay.ErrReceiptNotFound
	}
	return r, nil
}

func seedSubmittedAttempt(t *testing.T, store *db.MemoryStore, sub *business.Subscription, submissionID string, age time.Duration) *business.RedemptionAttempt {
	t.Helper()
	submittedAt := time.Now().Add(-age)
	attempt := &business.RedemptionAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		AttemptNumber:  1,
		AmountCents:    2000,
		Status:         constants.AttemptStatusSubmitted,
		IdempotencyKey: uuid.NewString(),
		SubmissionID:   submissionID,
		SubmittedAt:    &submittedAt,
	}
	require.NoError(t, store.CreateRedemptionAttempt(context.Background(), attempt))
	return attempt
}

func newReconcilerUnderTest(store *db.MemoryStore, receipts map[string]*relay.Receipt) (*services.Reconciler, *fakeEmailService) {
	email := &fakeEmailService{}
	queue := &fakeQueue{}
	subs := services.NewSubscriptionServiceWithDependencies(
		store, services.NewProrationCalculator(), email, queue, zap.NewNop())
	engine := services.NewDunningEngine(store, subs, email, queue, zap.NewNop())
	rec := services.NewReconciler(store, &fakeReceiptSource{receipts: receipts}, engine, zap.NewNop())
	return rec, email
}

func TestReconciler_IncludedReceiptConfirmsAndAdvancesCycle(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 0)
	oldEnd := sub.CurrentPeriodEnd

	rec, _ := newReconcilerUnderTest(store, map[string]*relay.Receipt{
		"sub-1": {Status: relay.ReceiptStatusIncluded, TransactionHash: "0xabc"},
	})
	attempt := seedSubmittedAttempt(t, store, sub, "sub-1", time.Hour)

	require.NoError(t, rec.Run(ctx))

	settled, err := store.GetRedemptionAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.AttemptStatusConfirmed, settled.Status)
	assert.Equal(t, "0xabc", settled.TransactionHash)
	assert.NotNil(t, settled.ConfirmedAt)

	// The payment landed after all, so the cycle rolls forward.
	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, updated.CurrentPeriodEnd.After(oldEnd))
	assert.Equal(t, int32(0), updated.RetryCount)
}

func TestReconciler_FailedReceiptRoutesToDunning(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 0)

	rec, _ := newReconcilerUnderTest(store, map[string]*relay.Receipt{
		"sub-2": {Status: relay.ReceiptStatusFailed},
	})
	attempt := seedSubmittedAttempt(t, store, sub, "sub-2", time.Hour)

	require.NoError(t, rec.Run(ctx))

	settled, err := store.GetRedemptionAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.AttemptStatusFailed, settled.Status)

	// Only now, with a definitive failure, does dunning act.
	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusPastDue, updated.Status)
	assert.Equal(t, int32(1), updated.RetryCount)
}

func TestReconciler_PendingReceiptStaysOpen(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 0)

	rec, _ := newReconcilerUnderTest(store, map[string]*relay.Receipt{
		"sub-3": {Status: relay.ReceiptStatusPending},
	})
	attempt := seedSubmittedAttempt(t, store, sub, "sub-3", time.Hour)

	require.NoError(t, rec.Run(ctx))

	still, err := store.GetRedemptionAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.AttemptStatusSubmitted, still.Status)

	// Indeterminate: the schedule must not move.
	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusActive, updated.Status)
	assert.Equal(t, int32(0), updated.RetryCount)
}

func TestReconciler_MissingReceiptWaitsThenFails(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	policy := seedDunningPolicy(store, constants.FinalActionCancel, 0)
	sub := seedPastDueSubscription(t, store, policy, 0)

	rec, _ := newReconcilerUnderTest(store, nil)

	// Recent enough that the relay may still be indexing it.
	recent := seedSubmittedAttempt(t, store, sub, "unknown", time.Hour)
	require.NoError(t, rec.Run(ctx))

	still, err := store.GetRedemptionAttempt(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.AttemptStatusSubmitted, still.Status)

	// Past the abandon window it becomes a definitive failure.
	stale := *still
	old := time.Now().Add(-48 * time.Hour)
	stale.SubmittedAt = &old
	require.NoError(t, store.UpdateRedemptionAttempt(ctx, &stale))

	require.NoError(t, rec.Run(ctx))

	settled, err := store.GetRedemptionAttempt(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.AttemptStatusFailed, settled.Status)
}
