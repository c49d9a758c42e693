package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"salonpro-notify/internal/backoff"
	"salonpro-notify/internal/model"
)

// NotificationRepository is the durable message store for scheduled
// notifications. All dispatcher-side mutation goes through its atomic
// operations; the dispatcher never does read-then-write on its own.
type NotificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger

	claimLease   time.Duration
	retryBase    time.Duration
	retryCap     time.Duration
	quotaBackoff time.Duration
}

func NewNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:           db,
		logger:       logger,
		claimLease:   5 * time.Minute,
		retryBase:    30 * time.Second,
		retryCap:     10 * time.Minute,
		quotaBackoff: 30 * time.Minute,
	}
}

// WithClaimLease sets how far the claim pushes next_attempt_at forward.
func (r *NotificationRepository) WithClaimLease(lease time.Duration) *NotificationRepository {
	r.claimLease = lease
	return r
}

// WithRetryBackoff sets the default retry curve (base and cap).
func (r *NotificationRepository) WithRetryBackoff(base, cap time.Duration) *NotificationRepository {
	r.retryBase = base
	r.retryCap = cap
	return r
}

// WithQuotaBackoff sets the fixed delay used after a quota block.
func (r *NotificationRepository) WithQuotaBackoff(d time.Duration) *NotificationRepository {
	r.quotaBackoff = d
	return r
}

const notificationColumns = `
	n.id, n.salon_id, n.type, n.recipient, n.variables, n.appointment_id,
	n.status, n.attempt_count, n.max_attempts, n.next_attempt_at,
	n.custom_body, n.last_error, n.created_at, n.updated_at
`

// ClaimDueBatch atomically claims up to limit due pending notifications.
// Rows locked by a concurrent claimer are skipped, so two workers never
// receive the same id. Claimed rows stay pending but have next_attempt_at
// pushed forward by the claim lease in the same statement, which keeps them
// out of later claims until an outcome write lands (or the lease expires if
// the worker dies mid-batch).
func (r *NotificationRepository) ClaimDueBatch(ctx context.Context, limit int) ([]*model.ScheduledNotification, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM scheduled_notifications
			WHERE status = 'pending'
			AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_notifications n
		SET next_attempt_at = NOW() + make_interval(secs => $2), updated_at = NOW()
		FROM due
		WHERE n.id = due.id
		RETURNING ` + notificationColumns

	rows, err := r.db.Query(ctx, query, limit, r.claimLease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*model.ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkSent records a successful delivery.
func (r *NotificationRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE scheduled_notifications
		SET status = 'sent', provider_message_id = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to mark notification as sent: %w", err)
	}

	return nil
}

// MarkFailed records a terminal failure. Failed rows are never claimed again;
// recovery goes through Replay.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE scheduled_notifications
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark notification as failed: %w", err)
	}

	return nil
}

// ScheduleRetry increments the attempt count and pushes next_attempt_at by
// the default escalating backoff, in one statement. Returns the new time.
func (r *NotificationRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, currentAttempts int, reason string) (time.Time, error) {
	delay := backoff.Default(currentAttempts+1, r.retryBase, r.retryCap)
	return r.scheduleRetry(ctx, id, currentAttempts+1, reason, delay)
}

// ScheduleQuotaRetry is the long-backoff variant used after a quota block.
// Quota exhaustion resolves on allotment-refresh cadence, not within seconds.
func (r *NotificationRepository) ScheduleQuotaRetry(ctx context.Context, id uuid.UUID, currentAttempts int, reason string) (time.Time, error) {
	return r.scheduleRetry(ctx, id, currentAttempts+1, reason, r.quotaBackoff)
}

func (r *NotificationRepository) scheduleRetry(ctx context.Context, id uuid.UUID, newAttempts int, reason string, delay time.Duration) (time.Time, error) {
	nextAttemptAt := time.Now().Add(delay)

	query := `
		UPDATE scheduled_notifications
		SET status = 'pending', attempt_count = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, newAttempts, nextAttemptAt, reason)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to schedule retry: %w", err)
	}

	return nextAttemptAt, nil
}

// GetByID returns a single notification.
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ScheduledNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM scheduled_notifications n WHERE n.id = $1`

	row := r.db.QueryRow(ctx, query, id)
	n, err := scanNotification(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("notification not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	return n, nil
}

// GetFailed lists terminally failed notifications, newest first.
func (r *NotificationRepository) GetFailed(ctx context.Context, limit int) ([]*model.ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM scheduled_notifications n
		WHERE n.status = 'failed'
		ORDER BY n.updated_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*model.ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// Replay resets a failed notification to pending with a fresh attempt budget.
// This is the external re-enqueue path; the dispatcher itself never revives a
// failed row.
func (r *NotificationRepository) Replay(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE scheduled_notifications
		SET status = 'pending', attempt_count = 0, next_attempt_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to replay notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification not found or not failed: %s", id)
	}

	return nil
}

func scanNotification(row pgx.Row) (*model.ScheduledNotification, error) {
	var n model.ScheduledNotification
	var rawVariables []byte

	err := row.Scan(
		&n.ID,
		&n.SalonID,
		&n.Type,
		&n.Recipient,
		&rawVariables,
		&n.AppointmentID,
		&n.Status,
		&n.AttemptCount,
		&n.MaxAttempts,
		&n.NextAttemptAt,
		&n.CustomBody,
		&n.LastError,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	variables, err := model.DecodeVariables(n.Type, rawVariables)
	if err != nil {
		return nil, err
	}
	n.Variables = variables

	return &n, nil
}
