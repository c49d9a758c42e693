package model

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType enumerates the outbound message kinds produced upstream.
type NotificationType string

const (
	TypeConfirmation    NotificationType = "CONFIRMATION"
	TypeReminder24H     NotificationType = "REMINDER_24H"
	TypeReminder1H30    NotificationType = "REMINDER_1H30"
	TypeCancelled       NotificationType = "CANCELLED"
	TypeRescheduled     NotificationType = "RESCHEDULED"
	TypeCompleted       NotificationType = "COMPLETED"
	TypeTriageCompleted NotificationType = "TRIAGE_COMPLETED"
	TypeCustom          NotificationType = "CUSTOM"
)

// QuotaPurpose returns the quota purpose consumed before sending this type,
// and whether the type is quota-gated at all. Only billable types are gated.
func (t NotificationType) QuotaPurpose() (string, bool) {
	switch t {
	case TypeConfirmation:
		return "appointment_confirmation", true
	default:
		return "", false
	}
}

// NotificationStatus enumerates lifecycle states of a scheduled notification.
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusFailed    NotificationStatus = "failed"
	StatusCancelled NotificationStatus = "cancelled"
)

// DefaultMaxAttempts applies when a row carries no per-record override.
const DefaultMaxAttempts = 3

// ScheduledNotification is one outbound message owned by the dispatcher once
// claimed. Rows are created by upstream producers with status=pending and
// attempts=0; the dispatcher is the only writer after that.
type ScheduledNotification struct {
	ID            uuid.UUID
	SalonID       uuid.UUID
	Type          NotificationType
	Recipient     string
	Variables     TemplateVariables
	AppointmentID *uuid.UUID
	Status        NotificationStatus
	AttemptCount  int
	MaxAttempts   *int
	NextAttemptAt time.Time
	CustomBody    *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveMaxAttempts resolves the per-record override against the default.
func (n *ScheduledNotification) EffectiveMaxAttempts() int {
	if n.MaxAttempts != nil && *n.MaxAttempts > 0 {
		return *n.MaxAttempts
	}
	return DefaultMaxAttempts
}
