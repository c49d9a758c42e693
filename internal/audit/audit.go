// Package audit records every send attempt for compliance. Recording is
// best-effort at defined checkpoints: a failure here is logged and never
// changes the outcome of the notification being processed.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	mqcontracts "salonpro-notify/contracts/mq"
	"salonpro-notify/internal/model"
	"salonpro-notify/internal/repository"
	"salonpro-notify/pkg/mq"
)

// Recorder writes a durable delivery log row and publishes a matching event
// for downstream dashboards. Either half may be absent (nil) in tests.
type Recorder struct {
	logs      *repository.DeliveryLogRepository
	publisher *mq.Publisher
	logger    *zap.Logger
}

func NewRecorder(logs *repository.DeliveryLogRepository, publisher *mq.Publisher, logger *zap.Logger) *Recorder {
	return &Recorder{
		logs:      logs,
		publisher: publisher,
		logger:    logger,
	}
}

// Record persists the attempt. Fire and forget: errors are logged only.
func (r *Recorder) Record(ctx context.Context, rec *model.DeliveryRecord) {
	rec.RecordedAt = time.Now()

	if r.logs != nil {
		if err := r.logs.Insert(ctx, rec); err != nil {
			r.logger.Warn("Failed to write delivery log",
				zap.String("notification_id", rec.NotificationID.String()),
				zap.Error(err),
			)
		}
	}

	if r.publisher != nil {
		if err := r.publish(ctx, rec); err != nil {
			r.logger.Warn("Failed to publish delivery event",
				zap.String("notification_id", rec.NotificationID.String()),
				zap.Error(err),
			)
		}
	}
}

func (r *Recorder) publish(ctx context.Context, rec *model.DeliveryRecord) error {
	switch rec.Outcome {
	case model.OutcomeSent:
		return r.publisher.Publish(ctx, mqcontracts.RoutingKeyNotificationSent, mqcontracts.NotificationSentPayload{
			NotificationID:    rec.NotificationID.String(),
			SalonID:           rec.SalonID.String(),
			Type:              string(rec.Type),
			Channel:           rec.Channel,
			ProviderMessageID: rec.ProviderMessageID,
			AttemptNumber:     rec.AttemptNumber,
			SentAt:            rec.RecordedAt,
		})
	case model.OutcomeQuotaBlocked:
		purpose, _ := rec.Type.QuotaPurpose()
		return r.publisher.Publish(ctx, mqcontracts.RoutingKeyNotificationQuotaBlocked, mqcontracts.NotificationQuotaBlockedPayload{
			NotificationID: rec.NotificationID.String(),
			SalonID:        rec.SalonID.String(),
			Type:           string(rec.Type),
			Purpose:        purpose,
			AttemptNumber:  rec.AttemptNumber,
			Terminal:       rec.NextAttemptAt == nil,
			NextAttemptAt:  rec.NextAttemptAt,
		})
	default:
		return r.publisher.Publish(ctx, mqcontracts.RoutingKeyNotificationFailed, mqcontracts.NotificationFailedPayload{
			NotificationID: rec.NotificationID.String(),
			SalonID:        rec.SalonID.String(),
			Type:           string(rec.Type),
			Error:          rec.ErrorReason,
			AttemptNumber:  rec.AttemptNumber,
			Terminal:       rec.Outcome == model.OutcomeFailed,
			NextAttemptAt:  rec.NextAttemptAt,
		})
	}
}
