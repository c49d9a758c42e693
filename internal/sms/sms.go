// Package sms is the outbound delivery channel. The primary path goes
// through the tenant-configured gateway; the direct path bypasses tenant
// configuration and is used only when the primary reports that the salon's
// channel is unusable.
package sms

import (
	"errors"
	"fmt"
)

// FailureClass is the explicit classification returned by the channel.
// Callers branch on the class, never on error message text.
type FailureClass string

const (
	// ClassTransient covers timeouts, network faults and provider 5xx.
	// Eligible for the default retry path.
	ClassTransient FailureClass = "transient"
	// ClassNotConfigured means the salon's channel cannot be used at all:
	// not set up, disabled, missing credentials or unsupported provider.
	// The only class that triggers the direct fallback.
	ClassNotConfigured FailureClass = "not_configured"
	// ClassRejected covers provider-side rejections of this particular
	// message (bad recipient, content refused). Retried like transient
	// failures until the attempt budget runs out.
	ClassRejected FailureClass = "rejected"
)

// SendResult is the successful outcome of one send call.
type SendResult struct {
	ProviderMessageID string
	Channel           string // "primary" or "direct"
}

// SendError is a classified delivery failure.
type SendError struct {
	Class   FailureClass
	Message string
	Err     error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Classify extracts the failure class from an error, defaulting to transient
// for anything unclassified (conservative: unknown faults stay retryable).
func Classify(err error) FailureClass {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Class
	}
	return ClassTransient
}
