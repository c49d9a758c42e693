package mq

import "time"

// Routing keys for delivery audit events.
const (
	RoutingKeyNotificationSent         = "notification.sent"
	RoutingKeyNotificationFailed       = "notification.failed"
	RoutingKeyNotificationQuotaBlocked = "notification.quota_blocked"
)

type NotificationSentPayload struct {
	NotificationID    string    `json:"notification_id"`
	SalonID           string    `json:"salon_id"`
	Type              string    `json:"type"`
	Channel           string    `json:"channel"`
	ProviderMessageID string    `json:"provider_message_id"`
	AttemptNumber     int       `json:"attempt_number"`
	SentAt            time.Time `json:"sent_at"`
}

type NotificationFailedPayload struct {
	NotificationID string     `json:"notification_id"`
	SalonID        string     `json:"salon_id"`
	Type           string     `json:"type"`
	Error          string     `json:"error"`
	AttemptNumber  int        `json:"attempt_number"`
	Terminal       bool       `json:"terminal"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
}

type NotificationQuotaBlockedPayload struct {
	NotificationID string     `json:"notification_id"`
	SalonID        string     `json:"salon_id"`
	Type           string     `json:"type"`
	Purpose        string     `json:"purpose"`
	AttemptNumber  int        `json:"attempt_number"`
	Terminal       bool       `json:"terminal"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
}
