// Package template turns a notification type plus its variable bag into the
// final message text.
package template

import (
	"fmt"

	"salonpro-notify/internal/model"
)

const timeLayout = "Mon 2 Jan 15:04"

type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render builds the outbound text. CUSTOM notifications carry their body on
// the row and pass through verbatim; every other type renders from its typed
// appointment variables.
func (r *Renderer) Render(n *model.ScheduledNotification) (string, error) {
	if n.Type == model.TypeCustom {
		if n.CustomBody == nil || *n.CustomBody == "" {
			return "", fmt.Errorf("custom notification %s has no body", n.ID)
		}
		return *n.CustomBody, nil
	}

	vars, ok := n.Variables.(model.AppointmentVariables)
	if !ok {
		return "", fmt.Errorf("notification %s: unexpected variables for type %s", n.ID, n.Type)
	}

	switch n.Type {
	case model.TypeConfirmation:
		return fmt.Sprintf("Hi %s, your %s appointment at %s is confirmed for %s.",
			vars.CustomerName, vars.ServiceName, vars.SalonName, vars.StartsAt.Format(timeLayout)), nil
	case model.TypeReminder24H:
		return fmt.Sprintf("Hi %s, a reminder: %s at %s tomorrow, %s.",
			vars.CustomerName, vars.ServiceName, vars.SalonName, vars.StartsAt.Format(timeLayout)), nil
	case model.TypeReminder1H30:
		return fmt.Sprintf("Hi %s, your %s appointment at %s starts at %s. See you soon!",
			vars.CustomerName, vars.ServiceName, vars.SalonName, vars.StartsAt.Format("15:04")), nil
	case model.TypeCancelled:
		return fmt.Sprintf("Hi %s, your %s appointment at %s on %s has been cancelled.",
			vars.CustomerName, vars.ServiceName, vars.SalonName, vars.StartsAt.Format(timeLayout)), nil
	case model.TypeRescheduled:
		return fmt.Sprintf("Hi %s, your %s appointment at %s has been moved to %s.",
			vars.CustomerName, vars.ServiceName, vars.SalonName, vars.StartsAt.Format(timeLayout)), nil
	case model.TypeCompleted:
		return fmt.Sprintf("Thanks for visiting %s, %s! We hope you enjoyed your %s.",
			vars.SalonName, vars.CustomerName, vars.ServiceName), nil
	case model.TypeTriageCompleted:
		return fmt.Sprintf("Hi %s, your consultation results from %s are ready.",
			vars.CustomerName, vars.SalonName), nil
	default:
		return "", fmt.Errorf("unknown notification type: %s", n.Type)
	}
}
