// Package email defines the in-memory message model shared by the
// ingestion, analysis, and delivery stages. Nothing in this package is
// ever written to durable storage; an EphemeralEmail lives in the
// ephemeral store for at most its TTL and is destroyed on delivery,
// terminal failure, or reaper expiry.
package email

import (
	"strings"
	"time"
)

// State tracks an EphemeralEmail through the processing pipeline.
type State int

const (
	StatePending State = iota
	StateAnalyzing
	StateDelivering
	StateCompleted
	StateFailed
	StateExpired
)

var stateNames = map[State]string{
	StatePending:    "pending",
	StateAnalyzing:  "analyzing",
	StateDelivering: "delivering",
	StateCompleted:  "completed",
	StateFailed:     "failed",
	StateExpired:    "expired",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// validTransitions is the pipeline state machine. A message is claimed
// exactly once (Pending→Analyzing) and moves forward only.
var validTransitions = map[State][]State{
	StatePending:    {StateAnalyzing, StateExpired},
	StateAnalyzing:  {StateDelivering, StateCompleted, StateFailed, StateExpired},
	StateDelivering: {StateCompleted, StateFailed, StateExpired},
}

// CanTransition reports whether from→to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Threading headers preserved end-to-end so the recipient's mail client
// keeps the original conversation grouping.
const (
	HeaderMessageID  = "Message-Id"
	HeaderInReplyTo  = "In-Reply-To"
	HeaderReferences = "References"
)

// ThreadingHeaders lists the headers copied verbatim from the inbound
// message onto every non-blocked outbound message.
var ThreadingHeaders = []string{HeaderMessageID, HeaderInReplyTo, HeaderReferences}

// EphemeralEmail holds everything needed to analyze and deliver one
// message. Body fields exist only in memory.
type EphemeralEmail struct {
	MessageID     string
	ShieldAddress string
	FromAddress   string
	Subject       string
	TextBody      string
	HTMLBody      string
	Headers       map[string]string
	ReceivedAt    time.Time
	TTLExpiresAt  time.Time
	State         State
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *EphemeralEmail) Expired(now time.Time) bool {
	return !e.TTLExpiresAt.After(now)
}

// ThreadingCopy returns the threading headers present on the message.
func (e *EphemeralEmail) ThreadingCopy() map[string]string {
	out := make(map[string]string, len(ThreadingHeaders))
	for _, h := range ThreadingHeaders {
		if v, ok := e.Headers[h]; ok && v != "" {
			out[h] = v
		}
	}
	return out
}

// OutboundMessage is the transformed message handed to an outbound
// sender. From is always the service's sending identity; the original
// sender survives in Reply-To and in the delivered body's header block.
type OutboundMessage struct {
	MessageID string // idempotency key, passed to providers as dedup metadata
	To        string
	From      string
	ReplyTo   string
	Subject   string
	TextBody  string
	HTMLBody  string
	Headers   map[string]string
}

// NormalizeAddress lowercases and trims an email address for lookup.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SplitAddress splits an address into local part and domain. ok is false
// unless the address contains exactly one "@" with both sides non-empty.
func SplitAddress(addr string) (local, domain string, ok bool) {
	parts := strings.Split(addr, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
