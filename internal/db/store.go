// Package db defines the storage contract for the billing core and its two
// implementations: PostgreSQL (pgx) for deployed stages and an in-memory
// store for tests and local simulation.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when an optimistic-concurrency update
	// lost the race: the row's version no longer matches the one read.
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrAttemptInFlight is returned when an open (pending or submitted)
	// redemption attempt already exists for the subscription. This is the
	// compare-and-set guard behind the one-in-flight invariant.
	ErrAttemptInFlight = errors.New("redemption attempt already in flight for subscription")

	// ErrDuplicate is returned on unique-key violations.
	ErrDuplicate = errors.New("record already exists")
)

// Store is the persistence boundary for the billing core. The subscription
// is the single shared mutable resource; UpdateSubscription enforces
// version-checked writes so the state machine's invariants hold across
// concurrent service instances.
type Store interface {
	CreateSubscription(ctx context.Context, sub *business.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*business.Subscription, error)

	// UpdateSubscription persists sub if and only if the stored version
	// equals sub.Version; on success the stored version is incremented and
	// sub.Version is updated to match. Returns ErrVersionConflict otherwise.
	UpdateSubscription(ctx context.Context, sub *business.Subscription) error

	// ListDueSubscriptions returns active subscriptions whose next
	// redemption is due at or before now.
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int32) ([]business.Subscription, error)

	CreateDelegation(ctx context.Context, id uuid.UUID, data []byte) error
	GetDelegationData(ctx context.Context, id uuid.UUID) ([]byte, error)

	// CreateRedemptionAttempt inserts a new attempt, failing with
	// ErrAttemptInFlight if the subscription already has an open one.
	CreateRedemptionAttempt(ctx context.Context, attempt *business.RedemptionAttempt) error
	UpdateRedemptionAttempt(ctx context.Context, attempt *business.RedemptionAttempt) error
	GetRedemptionAttempt(ctx context.Context, id uuid.UUID) (*business.RedemptionAttempt, error)

	// GetOpenRedemptionAttempt returns the subscription's open attempt, or
	// ErrNotFound when there is none.
	GetOpenRedemptionAttempt(ctx context.Context, subscriptionID uuid.UUID) (*business.RedemptionAttempt, error)

	// ListUnresolvedAttempts returns submitted attempts older than the
	// given instant, for the reconciliation pass.
	ListUnresolvedAttempts(ctx context.Context, olderThan time.Time, limit int32) ([]business.RedemptionAttempt, error)

	CreateScheduledChange(ctx context.Context, change *business.ScheduledChange) error
	ListDueScheduledChanges(ctx context.Context, now time.Time, limit int32) ([]business.ScheduledChange, error)
	ListScheduledChanges(ctx context.Context, subscriptionID uuid.UUID) ([]business.ScheduledChange, error)
	UpdateScheduledChangeStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error

	GetDunningPolicy(ctx context.Context, id uuid.UUID) (*business.DunningPolicy, error)

	RecordStateChange(ctx context.Context, change *business.StateChange) error
	ListStateChanges(ctx context.Context, subscriptionID uuid.UUID, limit int32) ([]business.StateChange, error)
}
