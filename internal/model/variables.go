package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TemplateVariables is the variable bag handed to the renderer. The concrete
// variant is keyed by the notification type so every template case is covered
// at compile time instead of through an open string map.
type TemplateVariables interface {
	templateVariables()
}

// AppointmentVariables backs every appointment-driven message type.
type AppointmentVariables struct {
	CustomerName string    `json:"customer_name"`
	SalonName    string    `json:"salon_name"`
	ServiceName  string    `json:"service_name"`
	StaffName    string    `json:"staff_name,omitempty"`
	StartsAt     time.Time `json:"starts_at"`
}

func (AppointmentVariables) templateVariables() {}

// CustomVariables backs CUSTOM messages (campaigns, birthday greetings); the
// body itself is stored on the notification row.
type CustomVariables struct {
	CustomerName string `json:"customer_name,omitempty"`
}

func (CustomVariables) templateVariables() {}

// DecodeVariables unmarshals the stored variable payload into the variant for
// the given notification type.
func DecodeVariables(t NotificationType, raw []byte) (TemplateVariables, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch t {
	case TypeCustom:
		var v CustomVariables
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode custom variables: %w", err)
		}
		return v, nil
	case TypeConfirmation, TypeReminder24H, TypeReminder1H30, TypeCancelled,
		TypeRescheduled, TypeCompleted, TypeTriageCompleted:
		var v AppointmentVariables
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode appointment variables: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown notification type: %s", t)
	}
}

// EncodeVariables marshals a variable bag for storage.
func EncodeVariables(v TemplateVariables) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}
