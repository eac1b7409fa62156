package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meridianpay/meridian-api/internal/helpers"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

const (
	pgUniqueViolation = "23505"

	// attemptInFlightConstraint is the partial unique index enforcing the
	// one-open-attempt-per-subscription invariant (see schema.sql).
	attemptInFlightConstraint = "idx_attempts_one_in_flight"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const subscriptionColumns = `
	id, customer_id, delegation_id, status, amount_cents, currency,
	merchant_address, token_contract_address, interval_type, interval_count,
	current_period_start, current_period_end, next_redemption_at,
	paused_at, pause_until, cancel_at, canceled_at, dunning_policy_id,
	retry_count, final_action_applied, carry_milli_cents,
	version, created_at, updated_at`

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *business.Subscription) error {
	now := time.Now()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		sub.ID, sub.CustomerID, sub.DelegationID, sub.Status, sub.AmountCents, sub.Currency,
		sub.MerchantAddress, sub.TokenContractAddress, sub.IntervalType, sub.IntervalCount,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextRedemptionAt,
		sub.PausedAt, sub.PauseUntil, sub.CancelAt, sub.CanceledAt, sub.DunningPolicyID,
		sub.RetryCount, sub.FinalActionApplied, sub.CarryMilliCents,
		sub.Version, sub.CreatedAt, sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id uuid.UUID) (*business.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *business.Subscription) error {
	updatedAt := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			status = $3, amount_cents = $4,
			current_period_start = $5, current_period_end = $6, next_redemption_at = $7,
			paused_at = $8, pause_until = $9, cancel_at = $10, canceled_at = $11,
			retry_count = $12, final_action_applied = $13, carry_milli_cents = $14,
			version = version + 1, updated_at = $15
		WHERE id = $1 AND version = $2`,
		sub.ID, sub.Version,
		sub.Status, sub.AmountCents,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextRedemptionAt,
		sub.PausedAt, sub.PauseUntil, sub.CancelAt, sub.CanceledAt,
		sub.RetryCount, sub.FinalActionApplied, sub.CarryMilliCents,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or another writer advanced the version.
		if _, getErr := s.GetSubscription(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	sub.Version++
	sub.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) ListDueSubscriptions(ctx context.Context, now time.Time, limit int32) ([]business.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN ('active', 'past_due')
		  AND next_redemption_at IS NOT NULL
		  AND next_redemption_at <= $1
		ORDER BY next_redemption_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []business.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) CreateDelegation(ctx context.Context, id uuid.UUID, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delegations (id, data, created_at) VALUES ($1, $2, $3)`,
		id, data, time.Now())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert delegation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelegationData(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM delegations WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delegation: %w", err)
	}
	return data, nil
}

const attemptColumns = `
	id, subscription_id, attempt_number, amount_cents, fee_tier, status,
	idempotency_key, submission_id, transaction_hash, failure_reason, manual,
	submitted_at, confirmed_at, created_at`

func (s *PostgresStore) CreateRedemptionAttempt(ctx context.Context, attempt *business.RedemptionAttempt) error {
	attempt.CreatedAt = time.Now()
	// A partial unique index on subscription_id where status is open turns
	// the one-in-flight invariant into a compare-and-set at the database.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO redemption_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		attempt.ID, attempt.SubscriptionID, attempt.AttemptNumber, attempt.AmountCents,
		attempt.FeeTier, attempt.Status, attempt.IdempotencyKey,
		helpers.StringToNullableText(attempt.SubmissionID),
		helpers.StringToNullableText(attempt.TransactionHash),
		helpers.StringToNullableText(attempt.FailureReason),
		attempt.Manual, attempt.SubmittedAt, attempt.ConfirmedAt, attempt.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		// Only the one-in-flight index signals a concurrent open attempt;
		// any other unique violation (e.g. a reused id) is a plain duplicate.
		if pgErr.ConstraintName == attemptInFlightConstraint {
			return ErrAttemptInFlight
		}
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert redemption attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRedemptionAttempt(ctx context.Context, attempt *business.RedemptionAttempt) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE redemption_attempts SET
			status = $2, submission_id = $3, transaction_hash = $4, failure_reason = $5,
			submitted_at = $6, confirmed_at = $7
		WHERE id = $1`,
		attempt.ID, attempt.Status,
		helpers.StringToNullableText(attempt.SubmissionID),
		helpers.StringToNullableText(attempt.TransactionHash),
		helpers.StringToNullableText(attempt.FailureReason),
		attempt.SubmittedAt, attempt.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update redemption attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRedemptionAttempt(ctx context.Context, id uuid.UUID) (*business.RedemptionAttempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM redemption_attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

func (s *PostgresStore) GetOpenRedemptionAttempt(ctx context.Context, subscriptionID uuid.UUID) (*business.RedemptionAttempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM redemption_attempts
		WHERE subscription_id = $1 AND status IN ('pending', 'submitted')`,
		subscriptionID)
	return scanAttempt(row)
}

func (s *PostgresStore) ListUnresolvedAttempts(ctx context.Context, olderThan time.Time, limit int32) ([]business.RedemptionAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM redemption_attempts
		WHERE status = 'submitted' AND submitted_at <= $1
		ORDER BY submitted_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved attempts: %w", err)
	}
	defer rows.Close()

	var attempts []business.RedemptionAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) CreateScheduledChange(ctx context.Context, change *business.ScheduledChange) error {
	change.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_changes
			(id, subscription_id, change_type, scheduled_for, from_amount_cents,
			 to_amount_cents, status, reason, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		change.ID, change.SubscriptionID, change.ChangeType, change.ScheduledFor,
		change.FromAmount, change.ToAmount, change.Status,
		helpers.StringToNullableText(change.Reason),
		helpers.StringToNullableText(change.ErrorMessage),
		change.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert scheduled change: %w", err)
	}
	return nil
}

const changeColumns = `
	id, subscription_id, change_type, scheduled_for, from_amount_cents,
	to_amount_cents, status, reason, error_message, created_at`

func (s *PostgresStore) ListDueScheduledChanges(ctx context.Context, now time.Time, limit int32) ([]business.ScheduledChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+changeColumns+`
		FROM scheduled_changes
		WHERE status = 'scheduled' AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due scheduled changes: %w", err)
	}
	defer rows.Close()
	return collectChanges(rows)
}

func (s *PostgresStore) ListScheduledChanges(ctx context.Context, subscriptionID uuid.UUID) ([]business.ScheduledChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+changeColumns+`
		FROM scheduled_changes
		WHERE subscription_id = $1
		ORDER BY created_at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled changes: %w", err)
	}
	defer rows.Close()
	return collectChanges(rows)
}

func (s *PostgresStore) UpdateScheduledChangeStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_changes SET status = $2, error_message = $3 WHERE id = $1`,
		id, status, helpers.StringToNullableText(errorMessage))
	if err != nil {
		return fmt.Errorf("failed to update scheduled change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetDunningPolicy(ctx context.Context, id uuid.UUID) (*business.DunningPolicy, error) {
	var (
		policy        business.DunningPolicy
		intervalsJSON []byte
		actionsJSON   []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, max_retry_attempts, retry_interval_days, attempt_actions,
		       final_action, fallback_amount_cents, grace_period_hours, allow_customer_retry
		FROM dunning_policies WHERE id = $1`, id).Scan(
		&policy.ID, &policy.Name, &policy.MaxRetryAttempts, &intervalsJSON, &actionsJSON,
		&policy.FinalAction, &policy.FallbackAmountCents, &policy.GracePeriodHours,
		&policy.AllowCustomerRetry,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dunning policy: %w", err)
	}
	if err := json.Unmarshal(intervalsJSON, &policy.RetryIntervalDays); err != nil {
		return nil, fmt.Errorf("failed to parse retry intervals: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &policy.AttemptActions); err != nil {
		return nil, fmt.Errorf("failed to parse attempt actions: %w", err)
	}
	return &policy, nil
}

func (s *PostgresStore) RecordStateChange(ctx context.Context, change *business.StateChange) error {
	change.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_state_history
			(id, subscription_id, intent, from_status, to_status,
			 from_amount_cents, to_amount_cents, reason, initiated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		change.ID, change.SubscriptionID, change.Intent, change.FromStatus, change.ToStatus,
		change.FromAmount, change.ToAmount,
		helpers.StringToNullableText(change.Reason), change.InitiatedBy, change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record state change: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStateChanges(ctx context.Context, subscriptionID uuid.UUID, limit int32) ([]business.StateChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, intent, from_status, to_status,
		       from_amount_cents, to_amount_cents, COALESCE(reason, ''), initiated_by, created_at
		FROM subscription_state_history
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list state changes: %w", err)
	}
	defer rows.Close()

	var history []business.StateChange
	for rows.Next() {
		var c business.StateChange
		if err := rows.Scan(&c.ID, &c.SubscriptionID, &c.Intent, &c.FromStatus, &c.ToStatus,
			&c.FromAmount, &c.ToAmount, &c.Reason, &c.InitiatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state change: %w", err)
		}
		history = append(history, c)
	}
	return history, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*business.Subscription, error) {
	var sub business.Subscription
	err := row.Scan(
		&sub.ID, &sub.CustomerID, &sub.DelegationID, &sub.Status, &sub.AmountCents, &sub.Currency,
		&sub.MerchantAddress, &sub.TokenContractAddress, &sub.IntervalType, &sub.IntervalCount,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.NextRedemptionAt,
		&sub.PausedAt, &sub.PauseUntil, &sub.CancelAt, &sub.CanceledAt, &sub.DunningPolicyID,
		&sub.RetryCount, &sub.FinalActionApplied, &sub.CarryMilliCents,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

func scanAttempt(row rowScanner) (*business.RedemptionAttempt, error) {
	var (
		attempt      business.RedemptionAttempt
		submissionID *string
		txHash       *string
		failure      *string
	)
	err := row.Scan(
		&attempt.ID, &attempt.SubscriptionID, &attempt.AttemptNumber, &attempt.AmountCents,
		&attempt.FeeTier, &attempt.Status, &attempt.IdempotencyKey,
		&submissionID, &txHash, &failure, &attempt.Manual,
		&attempt.SubmittedAt, &attempt.ConfirmedAt, &attempt.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan redemption attempt: %w", err)
	}
	if submissionID != nil {
		attempt.SubmissionID = *submissionID
	}
	if txHash != nil {
		attempt.TransactionHash = *txHash
	}
	if failure != nil {
		attempt.FailureReason = *failure
	}
	return &attempt, nil
}

func collectChanges(rows pgx.Rows) ([]business.ScheduledChange, error) {
	var changes []business.ScheduledChange
	for rows.Next() {
		var (
			c       business.ScheduledChange
			reason  *string
			errMsg  *string
		)
		if err := rows.Scan(&c.ID, &c.SubscriptionID, &c.ChangeType, &c.ScheduledFor,
			&c.FromAmount, &c.ToAmount, &c.Status, &reason, &errMsg, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled change: %w", err)
		}
		if reason != nil {
			c.Reason = *reason
		}
		if errMsg != nil {
			c.ErrorMessage = *errMsg
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
