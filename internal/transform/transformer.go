// Package transform produces the outbound message for a protection
// decision: passthrough, context note, redaction, summary, or drop.
// Transformation is deterministic; threading headers survive every
// non-blocked action so the recipient's client keeps the conversation
// grouped.
package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hearthmail/gateway/internal/analysis"
	"github.com/hearthmail/gateway/internal/email"
	"github.com/hearthmail/gateway/internal/policy"
)

// Transformer builds outbound messages under the service's sending
// identity. The original sender is preserved in Reply-To and in the
// X-Original-From header, never in From.
type Transformer struct {
	// From is the service domain's sending identity.
	From string
}

// New creates a transformer sending as the given identity.
func New(from string) *Transformer {
	return &Transformer{From: from}
}

// Headers the gateway stamps on every emitted message.
const (
	headerProtected    = "X-Hearthmail-Protected"
	headerAction       = "X-Hearthmail-Action"
	headerOriginalFrom = "X-Original-From"
)

// Transform applies the decision to the message. The second return is
// false when the message must be dropped (BlockEntirely); the
// orchestrator then skips the outbound sender entirely.
//
// The recipient (To) is left empty; the orchestrator fills it after
// shield resolution.
func (t *Transformer) Transform(e *email.EphemeralEmail, d policy.Decision) (*email.OutboundMessage, bool) {
	if d.Action == policy.BlockEntirely {
		return nil, false
	}

	out := &email.OutboundMessage{
		MessageID: e.MessageID,
		From:      t.From,
		ReplyTo:   e.FromAddress,
		Subject:   e.Subject,
		Headers:   e.ThreadingCopy(),
	}
	out.Headers[headerProtected] = "v1"
	out.Headers[headerAction] = string(d.Action)
	out.Headers[headerOriginalFrom] = e.FromAddress

	binding := map[string]interface{}{
		"sender":        e.FromAddress,
		"subject":       e.Subject,
		"received":      e.ReceivedAt.UTC().Format("2006-01-02 15:04 UTC"),
		"patterns":      horsemenNames(d.Horsemen),
		"pattern_count": len(d.Horsemen),
	}
	if len(d.Horsemen) == 0 {
		// Analysis-unavailable fallback has no detections to name.
		binding["patterns"] = []string{"potentially harmful communication"}
		binding["pattern_count"] = 1
	}

	switch d.Action {
	case policy.ForwardClean:
		// Byte-for-byte passthrough; protection markers live in headers only.
		out.TextBody = e.TextBody
		out.HTMLBody = e.HTMLBody

	case policy.ForwardWithContext:
		prelude := notices().render("context", binding)
		out.TextBody = prelude + "\n\n" + e.TextBody
		if e.HTMLBody != "" {
			out.HTMLBody = "<p>" + htmlEscape(prelude) + "</p>\n" + e.HTMLBody
		}

	case policy.RedactHarmful:
		redacted, matched := redactIndicators(e.TextBody, d.Horsemen)
		if !matched {
			// Analyzer indicators that match nothing degrade the action
			// to a context note over the unmodified body.
			prelude := notices().render("context", binding)
			out.TextBody = prelude + "\n\n" + e.TextBody
			out.Headers[headerAction] = string(policy.ForwardWithContext)
			break
		}
		notice := notices().render("redact", binding)
		out.TextBody = notice + "\n\n" + redacted
		// HTML is stripped to the redacted text rather than re-parsed.
		out.HTMLBody = ""

	case policy.SummarizeOnly:
		// The original text is withheld entirely; the body is rebuilt
		// from metadata so no toxic excerpt can leak through.
		out.TextBody = notices().render("summary", binding)
		out.HTMLBody = ""

	default:
		out.TextBody = e.TextBody
		out.HTMLBody = e.HTMLBody
	}

	return out, true
}

// BlockNotification builds the optional recipient-facing notice for a
// blocked message: sender and subject only, never the body.
func (t *Transformer) BlockNotification(e *email.EphemeralEmail) *email.OutboundMessage {
	return &email.OutboundMessage{
		MessageID: e.MessageID + ".blocked-notice",
		From:      t.From,
		Subject:   "A message to you was blocked",
		TextBody: notices().render("block", map[string]interface{}{
			"sender":  e.FromAddress,
			"subject": e.Subject,
		}),
		Headers: map[string]string{headerProtected: "v1", headerAction: string(policy.BlockEntirely)},
	}
}

// redactSpan is one concrete substring to remove, tagged with the
// pattern that produced it.
type redactSpan struct {
	text     string
	horseman analysis.Horseman
}

// redactIndicators replaces indicator spans in the body with
// "[redacted: <horseman>]". Matching is case-sensitive, leftmost
// longest: spans are applied longest-first so an indicator that is a
// substring of another cannot split the longer match. Returns the new
// body and whether anything matched.
func redactIndicators(body string, detections []analysis.Detection) (string, bool) {
	spans := make([]redactSpan, 0)
	for _, d := range detections {
		for _, ind := range d.Indicators {
			if ind != "" {
				spans = append(spans, redactSpan{text: ind, horseman: d.Horseman})
			}
		}
	}
	if len(spans) == 0 {
		return body, false
	}
	sort.SliceStable(spans, func(i, j int) bool { return len(spans[i].text) > len(spans[j].text) })

	matched := false
	for _, span := range spans {
		if !strings.Contains(body, span.text) {
			continue
		}
		matched = true
		marker := fmt.Sprintf("[redacted: %s]", span.horseman)
		body = strings.ReplaceAll(body, span.text, marker)
	}
	return body, matched
}

func horsemenNames(detections []analysis.Detection) []string {
	seen := make(map[string]bool, len(detections))
	names := make([]string, 0, len(detections))
	for _, d := range detections {
		name := string(d.Horseman)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

var htmlEscaper = regexp.MustCompile(`[<>&]`)

func htmlEscape(s string) string {
	return htmlEscaper.ReplaceAllStringFunc(s, func(m string) string {
		switch m {
		case "<":
			return "&lt;"
		case ">":
			return "&gt;"
		default:
			return "&amp;"
		}
	})
}
