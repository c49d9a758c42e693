package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"salonpro-notify/internal/model"
	"salonpro-notify/internal/quota"
	"salonpro-notify/internal/sms"
	"salonpro-notify/pkg/logger"
	"salonpro-notify/pkg/metrics"
)

const (
	reasonMaxAttempts  = "max attempts exceeded"
	reasonNoRecipient  = "recipient has no usable address"
	quotaBlockedReason = "quota exceeded"
)

// processOne drives a single claimed notification through the pipeline.
// Its outward contract is "never fails the batch": every error, including a
// panic from a downstream call, is converted into retry or terminal-failure
// handling for this message only. Returns true when the message was sent.
func (d *Dispatcher) processOne(ctx context.Context, n *model.ScheduledNotification) (sent bool) {
	log := logger.WithTrace(ctx, d.logger).With(
		zap.String("notification_id", n.ID.String()),
		zap.String("salon_id", n.SalonID.String()),
		zap.String("type", string(n.Type)),
		zap.Int("attempt_count", n.AttemptCount),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while processing notification", zap.Any("panic", r))
			d.handleFailure(ctx, log, n, nil, fmt.Errorf("panic: %v", r))
			sent = false
		}
	}()

	maxAttempts := n.EffectiveMaxAttempts()

	// Attempt ceiling: rows that already used their budget become terminal
	// without another send.
	if n.AttemptCount >= maxAttempts {
		d.terminalFailure(ctx, log, n, n.AttemptCount, nil, reasonMaxAttempts)
		return false
	}

	// A recipient that is missing entirely cannot improve by waiting.
	if n.Recipient == "" {
		d.terminalFailure(ctx, log, n, n.AttemptCount, nil, reasonNoRecipient)
		return false
	}

	// Quota gate: hard precondition for billable types. The send never
	// happens without a successful consumption in this same pass.
	var quotaRemaining *int64
	if purpose, gated := n.Type.QuotaPurpose(); gated {
		remaining, err := d.quota.Consume(ctx, n.SalonID, n.AppointmentID, purpose)
		switch {
		case errors.Is(err, quota.ErrQuotaExceeded):
			metrics.RecordQuotaCheck(purpose, "exceeded")
			d.handleQuotaBlocked(ctx, log, n)
			return false
		case err != nil:
			// A broken quota gate must not stop customer-facing delivery;
			// send anyway and let accounting catch up.
			metrics.RecordQuotaCheck(purpose, "error")
			log.Warn("Quota gate unavailable, proceeding with send", zap.Error(err))
		default:
			metrics.RecordQuotaCheck(purpose, "granted")
			quotaRemaining = &remaining
			log.Debug("Quota consumed", zap.Int64("remaining", remaining))
		}
	}

	text, err := d.renderer.Render(n)
	if err != nil {
		log.Error("Failed to render notification", zap.Error(err))
		d.handleFailure(ctx, log, n, quotaRemaining, err)
		return false
	}

	result, err := d.send(ctx, n, text)
	if err != nil {
		log.Warn("Send failed", zap.Error(err))
		d.handleFailure(ctx, log, n, quotaRemaining, err)
		return false
	}

	d.handleSuccess(ctx, log, n, result, quotaRemaining)
	return true
}

// send calls the primary channel with a bounded wait; a timeout is an
// ordinary failure. When the primary reports the salon's channel as
// unusable — and only then — it retries once through the direct channel.
func (d *Dispatcher) send(ctx context.Context, n *model.ScheduledNotification, text string) (*sms.SendResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	result, err := d.channel.Send(sendCtx, n.SalonID, n.Recipient, text)
	if err == nil {
		return result, nil
	}

	if sms.Classify(err) != sms.ClassNotConfigured {
		return nil, err
	}

	fallbackCtx, cancelFallback := context.WithTimeout(ctx, d.sendTimeout)
	defer cancelFallback()

	result, directErr := d.channel.SendDirect(fallbackCtx, n.Recipient, text)
	if directErr != nil {
		return nil, fmt.Errorf("direct fallback failed: %w (primary: %v)", directErr, err)
	}

	return result, nil
}

func (d *Dispatcher) handleSuccess(ctx context.Context, log *zap.Logger, n *model.ScheduledNotification, result *sms.SendResult, quotaRemaining *int64) {
	if err := d.store.MarkSent(ctx, n.ID, result.ProviderMessageID); err != nil {
		// The lease will re-expose the row; the provider id in the audit
		// trail lets operators reconcile the duplicate.
		log.Error("Failed to mark notification as sent", zap.Error(err))
	}

	metrics.RecordNotificationOutcome(string(n.Type), model.OutcomeSent)
	log.Info("Notification sent",
		zap.String("channel", result.Channel),
		zap.String("provider_message_id", result.ProviderMessageID),
	)

	d.auditor.Record(ctx, &model.DeliveryRecord{
		NotificationID:    n.ID,
		SalonID:           n.SalonID,
		Type:              n.Type,
		Recipient:         n.Recipient,
		AttemptNumber:     n.AttemptCount + 1,
		Success:           true,
		Outcome:           model.OutcomeSent,
		Channel:           result.Channel,
		ProviderMessageID: result.ProviderMessageID,
		QuotaRemaining:    quotaRemaining,
	})
}

// handleFailure routes a non-quota failure: schedule a retry while budget
// remains, otherwise terminal. A failure on the final permitted attempt is
// terminal in the same pass.
func (d *Dispatcher) handleFailure(ctx context.Context, log *zap.Logger, n *model.ScheduledNotification, quotaRemaining *int64, sendErr error) {
	newAttempts := n.AttemptCount + 1

	if newAttempts >= n.EffectiveMaxAttempts() {
		d.terminalFailure(ctx, log, n, newAttempts, quotaRemaining, fmt.Sprintf("%s: %s", reasonMaxAttempts, sendErr.Error()))
		return
	}

	// The audit trail records the attempt even if the retry write fails; the
	// lease re-exposes the row in that case.
	var nextAt *time.Time
	nextAttemptAt, err := d.store.ScheduleRetry(ctx, n.ID, n.AttemptCount, sendErr.Error())
	if err != nil {
		log.Error("Failed to schedule retry", zap.Error(err))
	} else {
		nextAt = &nextAttemptAt
		metrics.RecordNotificationOutcome(string(n.Type), model.OutcomeRetry)
		metrics.RecordRetryScheduled("default")
		log.Info("Retry scheduled",
			zap.Int("new_attempt_count", newAttempts),
			zap.Time("next_attempt_at", nextAttemptAt),
		)
	}

	d.auditor.Record(ctx, &model.DeliveryRecord{
		NotificationID: n.ID,
		SalonID:        n.SalonID,
		Type:           n.Type,
		Recipient:      n.Recipient,
		AttemptNumber:  newAttempts,
		Success:        false,
		Outcome:        model.OutcomeRetry,
		ErrorReason:    sendErr.Error(),
		QuotaRemaining: quotaRemaining,
		NextAttemptAt:  nextAt,
	})
}

// handleQuotaBlocked handles an explicit quota refusal. No provider call was
// made and none will be on this pass; the retry uses the long quota backoff
// because allotments replenish on billing cadence.
func (d *Dispatcher) handleQuotaBlocked(ctx context.Context, log *zap.Logger, n *model.ScheduledNotification) {
	newAttempts := n.AttemptCount + 1

	if newAttempts >= n.EffectiveMaxAttempts() {
		purpose, _ := n.Type.QuotaPurpose()
		d.terminalFailure(ctx, log, n, newAttempts, nil, fmt.Sprintf("quota exhausted for %s", purpose))
		return
	}

	var nextAt *time.Time
	nextAttemptAt, err := d.store.ScheduleQuotaRetry(ctx, n.ID, n.AttemptCount, quotaBlockedReason)
	if err != nil {
		log.Error("Failed to schedule quota retry", zap.Error(err))
	} else {
		nextAt = &nextAttemptAt
		metrics.RecordNotificationOutcome(string(n.Type), model.OutcomeQuotaBlocked)
		metrics.RecordRetryScheduled("quota")
		log.Info("Quota blocked, retry scheduled",
			zap.Int("new_attempt_count", newAttempts),
			zap.Time("next_attempt_at", nextAttemptAt),
		)
	}

	d.auditor.Record(ctx, &model.DeliveryRecord{
		NotificationID: n.ID,
		SalonID:        n.SalonID,
		Type:           n.Type,
		Recipient:      n.Recipient,
		AttemptNumber:  newAttempts,
		Success:        false,
		Outcome:        model.OutcomeQuotaBlocked,
		ErrorReason:    quotaBlockedReason,
		NextAttemptAt:  nextAt,
	})
}

func (d *Dispatcher) terminalFailure(ctx context.Context, log *zap.Logger, n *model.ScheduledNotification, attemptNumber int, quotaRemaining *int64, reason string) {
	// Attempted-even-on-store-failure, like the retry paths: the audit entry
	// is the record of what happened, the status write is recoverable.
	if err := d.store.MarkFailed(ctx, n.ID, reason); err != nil {
		log.Error("Failed to mark notification as failed", zap.Error(err))
	} else {
		metrics.RecordNotificationOutcome(string(n.Type), model.OutcomeFailed)
	}
	log.Warn("Notification terminally failed", zap.String("reason", reason))

	d.auditor.Record(ctx, &model.DeliveryRecord{
		NotificationID: n.ID,
		SalonID:        n.SalonID,
		Type:           n.Type,
		Recipient:      n.Recipient,
		AttemptNumber:  attemptNumber,
		Success:        false,
		Outcome:        model.OutcomeFailed,
		ErrorReason:    reason,
		QuotaRemaining: quotaRemaining,
	})
}
