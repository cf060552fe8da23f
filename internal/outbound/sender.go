// Package outbound delivers transformed messages to recipients. Senders
// classify each attempt as delivered, transiently failed, or permanently
// failed so the retry wrapper knows what is worth repeating.
package outbound

import (
	"context"

	"github.com/hearthmail/gateway/internal/email"
)

// Status classifies a delivery attempt.
type Status int

const (
	// Delivered means the provider accepted the message.
	Delivered Status = iota
	// Transient means the attempt failed in a retryable way (throttle,
	// timeout, 5xx).
	Transient
	// Permanent means retrying cannot help (rejected recipient, bad
	// request, suspended account).
	Permanent
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Status Status
	// Reason is a short operator-facing explanation for failures.
	Reason string
	// ProviderID is the provider-assigned message id when delivered.
	ProviderID string
}

// Sender delivers one outbound message.
type Sender interface {
	Send(ctx context.Context, msg *email.OutboundMessage) Outcome
}
