package outbound

import (
	"context"
	"sync/atomic"

	"github.com/hearthmail/gateway/internal/email"
	"github.com/hearthmail/gateway/internal/pkg/logger"
)

// DryRunSender logs what would have been sent and reports success. Used
// in development and in staging cutovers where real delivery is off.
// Only metadata is logged, never bodies.
type DryRunSender struct {
	sent atomic.Int64
}

// NewDryRunSender creates a sender that delivers nothing.
func NewDryRunSender() *DryRunSender {
	return &DryRunSender{}
}

func (d *DryRunSender) Send(ctx context.Context, msg *email.OutboundMessage) Outcome {
	d.sent.Add(1)
	logger.Info("[DryRun] Would deliver message",
		"message_id", msg.MessageID,
		"to", logger.RedactEmail(msg.To),
		"from", msg.From,
		"action", msg.Headers["X-Hearthmail-Action"],
		"text_bytes", len(msg.TextBody),
		"html_bytes", len(msg.HTMLBody),
	)
	return Outcome{Status: Delivered, ProviderID: "dry-run-" + msg.MessageID}
}

// Sent reports how many messages were swallowed.
func (d *DryRunSender) Sent() int64 {
	return d.sent.Load()
}
