package model

import (
	"time"

	"github.com/google/uuid"
)

// Delivery outcome labels recorded per attempt.
const (
	OutcomeSent         = "sent"
	OutcomeRetry        = "retry_scheduled"
	OutcomeFailed       = "failed"
	OutcomeQuotaBlocked = "quota_blocked"
)

// DeliveryRecord is the audit entry written for every send attempt, success
// or failure. It is observational only and never feeds back into dispatch.
type DeliveryRecord struct {
	NotificationID    uuid.UUID        `json:"notification_id"`
	SalonID           uuid.UUID        `json:"salon_id"`
	Type              NotificationType `json:"type"`
	Recipient         string           `json:"recipient"`
	AttemptNumber     int              `json:"attempt_number"`
	Success           bool             `json:"success"`
	Outcome           string           `json:"outcome"`
	Channel           string           `json:"channel,omitempty"` // primary or direct
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	ErrorReason       string           `json:"error_reason,omitempty"`
	QuotaRemaining    *int64           `json:"quota_remaining,omitempty"`
	NextAttemptAt     *time.Time       `json:"next_attempt_at,omitempty"`
	RecordedAt        time.Time        `json:"recorded_at"`
}
