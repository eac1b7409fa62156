package services_test

import (
	"context"
	"errors"
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

// fakeEmailService records notification calls without sending anything.
type fakeEmailService struct {
	changeEmails      []string
	paymentFailed     int
	finalActionEmails []string
}

func (f *fakeEmailService) SendSubscriptionChangeEmail(_ context.Context, _ uuid.UUID, changeType string, _, _, _ int64) error {
	f.changeEmails = append(f.changeEmails, changeType)
	return nil
}

func (f *fakeEmailService) SendPaymentFailedEmail(_ context.Context, _ uuid.UUID, _ int32, _ *time.Time) error {
	f.paymentFailed++
	return nil
}

func (f *fakeEmailService) SendFinalActionEmail(_ context.Context, _ uuid.UUID, finalAction string) error {
	f.finalActionEmails = append(f.finalActionEmails, finalAction)
	return nil
}

// fakeQueue records tasks instead of running them.
type fakeQueue struct {
	tasks []business.RedemptionTask
}

func (f *fakeQueue) QueueRedemption(task business.RedemptionTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func seedActiveSubscription(t *testing.T, store *db.MemoryStore, amountCents int64) *business.Subscription {
	t.Helper()

	periodStart := time.Now().AddDate(0, 0, -10)
	periodEnd := periodStart.AddDate(0, 0, 30)
	next := periodEnd

	sub := &business.Subscription{
		ID:                   uuid.New(),
		CustomerID:           uuid.New(),
		DelegationID:         uuid.New(),
		Status:               constants.SubscriptionStatusActive,
		AmountCents:          amountCents,
		Currency:             constants.USDCurrency,
		MerchantAddress:      "0x1111111111111111111111111111111111111111",
		TokenContractAddress: "0x2222222222222222222222222222222222222222",
		IntervalType:         "monthly",
		IntervalCount:        1,
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
		NextRedemptionAt:     &next,
		DunningPolicyID:      uuid.New(),
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func newServiceUnderTest(store db.Store) (*services.SubscriptionService, *fakeEmailService, *fakeQueue) {
	email := &fakeEmailService{}
	queue := &fakeQueue{}
	svc := services.NewSubscriptionServiceWithDependencies(
		store, services.NewProrationCalculator(), email, queue, zap.NewNop())
	return svc, email, queue
}

func TestSubscriptionService_Upgrade(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, email, queue := newServiceUnderTest(store)

	sub := seedActiveSubscription(t, store, 2000)

	proration, err := svc.UpgradeSubscription(ctx, sub.ID, 5000, "more seats")
	require.NoError(t, err)

	// Day 10 of a 30-day period: 20 days remain.
	assert.Equal(t, int64(1333), proration.CreditCents)
	assert.Equal(t, int64(2000), proration.ImmediateChargeCents)

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), updated.AmountCents)
	assert.Equal(t, constants.SubscriptionStatusActive, updated.Status)

	// The prorated difference was queued for immediate execution.
	require.Len(t, queue.tasks, 1)
	attempt, err := store.GetRedemptionAttempt(ctx, queue.tasks[0].AttemptID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), attempt.AmountCents)
	assert.Equal(t, constants.AttemptStatusPending, attempt.Status)

	assert.Contains(t, email.changeEmails, "upgrade")
}

func TestSubscriptionService_UpgradeRejectsNonActive(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)

	sub := seedActiveSubscription(t, store, 2000)
	require.NoError(t, svc.PauseSubscription(ctx, sub.ID, nil, "vacation"))

	_, err := svc.UpgradeSubscription(ctx, sub.ID, 5000, "more seats")

	var invalid *business.InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, constants.SubscriptionStatusPaused, invalid.From)
	assert.Equal(t, "upgrade", invalid.Intent)
}

func TestSubscriptionService_UpgradeRequiresHigherAmount(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)

	_, err := svc.UpgradeSubscription(ctx, sub.ID, 2000, "same price")
	assert.Error(t, err)
}

func TestSubscriptionService_DowngradeDefersToPeriodEnd(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, queue := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 5000)

	result, err := svc.DowngradeSubscription(ctx, sub.ID, 2000, "fewer seats")
	require.NoError(t, err)
	assert.True(t, result.NoProration)

	// Nothing changes until the boundary: same amount, no charge queued.
	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), updated.AmountCents)
	assert.Empty(t, queue.tasks)

	changes, err := store.ListScheduledChanges(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "downgrade", changes[0].ChangeType)
	assert.Equal(t, "scheduled", changes[0].Status)
	assert.Equal(t, int64(2000), changes[0].ToAmount)
	assert.WithinDuration(t, sub.CurrentPeriodEnd, changes[0].ScheduledFor, time.Hour)
}

func TestSubscriptionService_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)
	priorNext := *sub.NextRedemptionAt

	pauseUntil := time.Now().AddDate(0, 0, 14)
	require.NoError(t, svc.PauseSubscription(ctx, sub.ID, &pauseUntil, "vacation"))

	paused, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusPaused, paused.Status)
	require.NotNil(t, paused.PausedAt)
	require.NotNil(t, paused.PauseUntil)

	// An automatic resume was scheduled at the pause boundary.
	changes, err := store.ListScheduledChanges(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "resume", changes[0].ChangeType)

	require.NoError(t, svc.ResumeSubscription(ctx, sub.ID, "customer"))

	resumed, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusActive, resumed.Status)
	assert.Nil(t, resumed.PausedAt)
	assert.Nil(t, resumed.PauseUntil)

	// The time that was still ahead at pause is preserved: resuming almost
	// immediately leaves the next redemption where it was.
	require.NotNil(t, resumed.NextRedemptionAt)
	assert.WithinDuration(t, priorNext, *resumed.NextRedemptionAt, time.Minute)

	// The manual resume cancels the pending automatic one.
	changes, err = store.ListScheduledChanges(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "canceled", changes[0].Status)
}

func TestSubscriptionService_PausePastDueResumesToPastDue(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)

	sub := seedActiveSubscription(t, store, 2000)
	sub.Status = constants.SubscriptionStatusPastDue
	sub.RetryCount = 1
	require.NoError(t, store.UpdateSubscription(ctx, sub))

	// A customer may park a subscription that is mid-dunning.
	require.NoError(t, svc.PauseSubscription(ctx, sub.ID, nil, "traveling"))

	paused, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusPaused, paused.Status)

	// The failed cycle is still owed: resume lands back in past_due with
	// the retry schedule intact.
	require.NoError(t, svc.ResumeSubscription(ctx, sub.ID, "customer"))

	resumed, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusPastDue, resumed.Status)
	assert.Equal(t, int32(1), resumed.RetryCount)
	require.NotNil(t, resumed.NextRedemptionAt)
}

func TestSubscriptionService_ResumeRequiresPaused(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)

	err := svc.ResumeSubscription(ctx, sub.ID, "customer")

	var invalid *business.InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "resume", invalid.Intent)
}

func TestSubscriptionService_CancelAndReactivate(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)

	require.NoError(t, svc.CancelSubscription(ctx, sub.ID, "too expensive", false))

	scheduled, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusActive, scheduled.Status)
	require.NotNil(t, scheduled.CancelAt)
	assert.WithinDuration(t, sub.CurrentPeriodEnd, *scheduled.CancelAt, time.Hour)

	// Reactivation before the boundary removes the pending cancellation.
	require.NoError(t, svc.ReactivateSubscription(ctx, sub.ID))

	reactivated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, reactivated.CancelAt)

	changes, err := store.ListScheduledChanges(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "canceled", changes[0].Status)
}

func TestSubscriptionService_CancelImmediateIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)

	require.NoError(t, svc.CancelSubscription(ctx, sub.ID, "fraud", true))

	canceled, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusCanceled, canceled.Status)
	assert.NotNil(t, canceled.CanceledAt)
	assert.Nil(t, canceled.NextRedemptionAt)

	// No transition leaves canceled.
	var invalid *business.InvalidStateTransitionError
	err = svc.CancelSubscription(ctx, sub.ID, "again", true)
	require.ErrorAs(t, err, &invalid)

	err = svc.ResumeSubscription(ctx, sub.ID, "customer")
	require.ErrorAs(t, err, &invalid)

	err = svc.ReactivateSubscription(ctx, sub.ID)
	require.ErrorAs(t, err, &invalid)
}

func TestSubscriptionService_PreviewChangeDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, queue := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)

	preview, err := svc.PreviewChange(ctx, sub.ID, "upgrade", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(1333), preview.ProrationCredit)
	assert.Equal(t, int64(2000), preview.ImmediateCharge)

	unchanged, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), unchanged.AmountCents)
	assert.Empty(t, queue.tasks)
}

func TestSubscriptionService_ProcessScheduledChanges(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 5000)

	change := &business.ScheduledChange{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		ChangeType:     "downgrade",
		ScheduledFor:   time.Now().Add(-time.Minute),
		FromAmount:     5000,
		ToAmount:       2000,
		Status:         "scheduled",
	}
	require.NoError(t, store.CreateScheduledChange(ctx, change))

	require.NoError(t, svc.ProcessScheduledChanges(ctx))

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), updated.AmountCents)

	changes, err := store.ListScheduledChanges(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "completed", changes[0].Status)
}

func TestSubscriptionService_ScheduledCancelOvertakenByReactivation(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)

	require.NoError(t, svc.CancelSubscription(ctx, sub.ID, "churn", false))
	require.NoError(t, svc.ReactivateSubscription(ctx, sub.ID))

	// Put a stale due cancel back as if the reactivation raced the sweep.
	change := &business.ScheduledChange{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		ChangeType:     "cancel",
		ScheduledFor:   time.Now().Add(-time.Minute),
		FromAmount:     2000,
		Status:         "scheduled",
	}
	require.NoError(t, store.CreateScheduledChange(ctx, change))

	require.NoError(t, svc.ProcessScheduledChanges(ctx))

	// The subscription stays active; the overtaken change completes quietly.
	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusActive, updated.Status)

	got, err := store.ListScheduledChanges(ctx, sub.ID)
	require.NoError(t, err)
	for _, c := range got {
		if c.ID == change.ID {
			assert.Equal(t, "completed", c.Status)
		}
	}
}

// conflictingStore forces version conflicts on the first updates to
// exercise the retry loop.
type conflictingStore struct {
	db.Store
	conflicts int
}

func (c *conflictingStore) UpdateSubscription(ctx context.Context, sub *business.Subscription) error {
	if c.conflicts > 0 {
		c.conflicts--
		return db.ErrVersionConflict
	}
	return c.Store.UpdateSubscription(ctx, sub)
}

func TestSubscriptionService_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	memory := db.NewMemoryStore()
	store := &conflictingStore{Store: memory, conflicts: 2}
	svc, _, _ := newServiceUnderTest(store)

	sub := seedActiveSubscription(t, memory, 2000)

	require.NoError(t, svc.PauseSubscription(ctx, sub.ID, nil, "vacation"))

	updated, err := memory.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SubscriptionStatusPaused, updated.Status)
}

func TestSubscriptionService_GivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	memory := db.NewMemoryStore()
	store := &conflictingStore{Store: memory, conflicts: 10}
	svc, _, _ := newServiceUnderTest(store)

	sub := seedActiveSubscription(t, memory, 2000)

	err := svc.PauseSubscription(ctx, sub.ID, nil, "vacation")
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrVersionConflict))
}

func TestSubscriptionService_RecordRedemptionSuccessAdvancesCycle(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	svc, _, _ := newServiceUnderTest(store)
	sub := seedActiveSubscription(t, store, 2000)
	oldEnd := sub.CurrentPeriodEnd

	require.NoError(t, svc.RecordRedemptionSuccess(ctx, sub.ID))

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, oldEnd, updated.CurrentPeriodStart)
	assert.True(t, updated.CurrentPeriodEnd.After(oldEnd))
	require.NotNil(t, updated.NextRedemptionAt)
	assert.Equal(t, updated.CurrentPeriodEnd, *updated.NextRedemptionAt)
	assert.Equal(t, int32(0), updated.RetryCount)
}
