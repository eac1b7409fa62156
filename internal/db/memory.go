package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// MemoryStore is an in-memory Store used by tests and local simulation. It
// honors the same version-conflict and one-in-flight-attempt semantics as
// the PostgreSQL implementation.
type MemoryStore struct {
	mu sync.RWMutex

	subscriptions map[uuid.UUID]business.Subscription
	delegations   map[uuid.UUID][]byte
	attempts      map[uuid.UUID]business.RedemptionAttempt
	changes       map[uuid.UUID]business.ScheduledChange
	policies      map[uuid.UUID]business.DunningPolicy
	history       []business.StateChange
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[uuid.UUID]business.Subscription),
		delegations:   make(map[uuid.UUID][]byte),
		attempts:      make(map[uuid.UUID]business.RedemptionAttempt),
		changes:       make(map[uuid.UUID]business.ScheduledChange),
		policies:      make(map[uuid.UUID]business.DunningPolicy),
	}
}

// PutDunningPolicy seeds a policy; test helper, policies are read-only to
// the core.
func (m *MemoryStore) PutDunningPolicy(policy business.DunningPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policy.ID] = policy
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *business.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subscriptions[sub.ID]; exists {
		return ErrDuplicate
	}
	now := time.Now()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*business.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, sub *business.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.subscriptions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != sub.Version {
		return ErrVersionConflict
	}
	sub.Version++
	sub.UpdatedAt = time.Now()
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *MemoryStore) ListDueSubscriptions(ctx context.Context, now time.Time, limit int32) ([]business.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []business.Subscription
	for _, sub := range m.subscriptions {
		if sub.Status != constants.SubscriptionStatusActive && sub.Status != constants.SubscriptionStatusPastDue {
			continue
		}
		if sub.NextRedemptionAt == nil || sub.NextRedemptionAt.After(now) {
			continue
		}
		due = append(due, sub)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRedemptionAt.Before(*due[j].NextRedemptionAt)
	})
	if limit > 0 && int32(len(due)) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) CreateDelegation(ctx context.Context, id uuid.UUID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.delegations[id]; exists {
		return ErrDuplicate
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.delegations[id] = stored
	return nil
}

func (m *MemoryStore) GetDelegationData(ctx context.Context, id uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.delegations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStore) CreateRedemptionAttempt(ctx context.Context, attempt *business.RedemptionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The one-in-flight guard: reject while any open attempt exists.
	for _, existing := range m.attempts {
		if existing.SubscriptionID == attempt.SubscriptionID && existing.IsOpen() {
			return ErrAttemptInFlight
		}
	}
	if _, exists := m.attempts[attempt.ID]; exists {
		return ErrDuplicate
	}
	attempt.CreatedAt = time.Now()
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (m *MemoryStore) UpdateRedemptionAttempt(ctx context.Context, attempt *business.RedemptionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.attempts[attempt.ID]; !ok {
		return ErrNotFound
	}
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (m *MemoryStore) GetRedemptionAttempt(ctx context.Context, id uuid.UUID) (*business.RedemptionAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempt, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &attempt, nil
}

func (m *MemoryStore) GetOpenRedemptionAttempt(ctx context.Context, subscriptionID uuid.UUID) (*business.RedemptionAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, attempt := range m.attempts {
		if attempt.SubscriptionID == subscriptionID && attempt.IsOpen() {
			a := attempt
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListUnresolvedAttempts(ctx context.Context, olderThan time.Time, limit int32) ([]business.RedemptionAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var unresolved []business.RedemptionAttempt
	for _, attempt := range m.attempts {
		if attempt.Status != constants.AttemptStatusSubmitted {
			continue
		}
		if attempt.SubmittedAt == nil || attempt.SubmittedAt.After(olderThan) {
			continue
		}
		unresolved = append(unresolved, attempt)
	}
	sort.Slice(unresolved, func(i, j int) bool {
		return unresolved[i].SubmittedAt.Before(*unresolved[j].SubmittedAt)
	})
	if limit > 0 && int32(len(unresolved)) > limit {
		unresolved = unresolved[:limit]
	}
	return unresolved, nil
}

func (m *MemoryStore) CreateScheduledChange(ctx context.Context, change *business.ScheduledChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.changes[change.ID]; exists {
		return ErrDuplicate
	}
	change.CreatedAt = time.Now()
	m.changes[change.ID] = *change
	return nil
}

func (m *MemoryStore) ListDueScheduledChanges(ctx context.Context, now time.Time, limit int32) ([]business.ScheduledChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []business.ScheduledChange
	for _, change := range m.changes {
		if change.Status != "scheduled" || change.ScheduledFor.After(now) {
			continue
		}
		due = append(due, change)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && int32(len(due)) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) ListScheduledChanges(ctx context.Context, subscriptionID uuid.UUID) ([]business.ScheduledChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []business.ScheduledChange
	for _, change := range m.changes {
		if change.SubscriptionID == subscriptionID {
			out = append(out, change)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateScheduledChangeStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	change, ok := m.changes[id]
	if !ok {
		return ErrNotFound
	}
	change.Status = status
	change.ErrorMessage = errorMessage
	m.changes[id] = change
	return nil
}

func (m *MemoryStore) GetDunningPolicy(ctx context.Context, id uuid.UUID) (*business.DunningPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	policy, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &policy, nil
}

func (m *MemoryStore) RecordStateChange(ctx context.Context, change *business.StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	change.CreatedAt = time.Now()
	m.history = append(m.history, *change)
	return nil
}

func (m *MemoryStore) ListStateChanges(ctx context.Context, subscriptionID uuid.UUID, limit int32) ([]business.StateChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []business.StateChange
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].SubscriptionID == subscriptionID {
			out = append(out, m.history[i])
			if limit > 0 && int32(len(out)) >= limit {
				break
			}
		}
	}
	return out, nil
}
