// Package inbound turns external events into ephemeral emails and hands
// them to the orchestrator. Two providers exist: an authenticated JSON
// webhook and a minimal SMTP listener.
package inbound

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthmail/gateway/internal/email"
)

// Acceptor is the slice of the orchestrator providers depend on. Accept
// returns store sentinel errors (capacity, duplicate) for the provider
// to translate into its protocol's reply codes.
type Acceptor interface {
	Accept(ctx context.Context, e *email.EphemeralEmail) error
}

// normalize builds the EphemeralEmail from provider-agnostic fields,
// minting a message id when the provider supplied none.
func normalize(messageID, shieldAddr, from, subject, textBody, htmlBody string, headers map[string]string, ttl time.Duration) (*email.EphemeralEmail, error) {
	shieldAddr = email.NormalizeAddress(shieldAddr)
	if _, _, ok := email.SplitAddress(shieldAddr); !ok {
		return nil, fmt.Errorf("malformed recipient address")
	}
	from = email.NormalizeAddress(from)
	if _, _, ok := email.SplitAddress(from); !ok {
		return nil, fmt.Errorf("malformed sender address")
	}
	if strings.TrimSpace(textBody) == "" && strings.TrimSpace(htmlBody) == "" {
		return nil, fmt.Errorf("empty message body")
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	now := time.Now()
	return &email.EphemeralEmail{
		MessageID:     messageID,
		ShieldAddress: shieldAddr,
		FromAddress:   from,
		Subject:       subject,
		TextBody:      textBody,
		HTMLBody:      htmlBody,
		Headers:       headers,
		ReceivedAt:    now,
		TTLExpiresAt:  now.Add(ttl),
		State:         email.StatePending,
	}, nil
}
