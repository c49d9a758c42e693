package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"salonpro-notify/internal/model"
)

// DeliveryLogRepository persists one audit row per send attempt.
type DeliveryLogRepository struct {
	db *pgxpool.Pool
}

func NewDeliveryLogRepository(db *pgxpool.Pool) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

func (r *DeliveryLogRepository) Insert(ctx context.Context, rec *model.DeliveryRecord) error {
	query := `
		INSERT INTO delivery_logs (
			notification_id, salon_id, type, recipient, attempt_number,
			success, outcome, channel, provider_message_id, error_reason,
			quota_remaining, next_attempt_at, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`

	_, err := r.db.Exec(ctx, query,
		rec.NotificationID,
		rec.SalonID,
		rec.Type,
		rec.Recipient,
		rec.AttemptNumber,
		rec.Success,
		rec.Outcome,
		rec.Channel,
		rec.ProviderMessageID,
		rec.ErrorReason,
		rec.QuotaRemaining,
		rec.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery log: %w", err)
	}

	return nil
}
