// Package policy maps analysis results to graduated protection actions.
// The engine is a pure function over a data table so that per-tenant
// threshold overrides never require a code change.
package policy

import (
	"fmt"
	"strings"

	"github.com/hearthmail/gateway/internal/analysis"
)

// Action is one of the five escalating protection responses.
type Action string

const (
	ForwardClean       Action = "forward_clean"
	ForwardWithContext Action = "forward_with_context"
	RedactHarmful      Action = "redact_harmful"
	SummarizeOnly      Action = "summarize_only"
	BlockEntirely      Action = "block_entirely"
)

// Decision is the engine's output: the action plus a rationale for
// operational logging. The rationale never reaches the recipient.
type Decision struct {
	Action    Action
	Rationale string
	// Horsemen carries the detections forward so the transformer can
	// name patterns and locate redaction spans.
	Horsemen []analysis.Detection
}

// Rule is one row of the policy table: scores at or below Max (and
// above the previous row's ceiling) take Action.
type Rule struct {
	Level  analysis.ThreatLevel
	Max    float64
	Action Action
}

// Policy is an action table ordered by ascending ceiling. DefaultPolicy
// mirrors the canonical threat-level buckets.
type Policy struct {
	Rules []Rule
}

// DefaultPolicy returns the standard graduated-action mapping. A score
// on an exact threshold takes the lower-severity action: a borderline
// verdict must never escalate, and in particular must never tip a
// message from SummarizeOnly into BlockEntirely.
func DefaultPolicy() Policy {
	return Policy{Rules: []Rule{
		{analysis.ThreatSafe, 0.30, ForwardClean},
		{analysis.ThreatLow, 0.55, ForwardWithContext},
		{analysis.ThreatMedium, 0.70, RedactHarmful},
		{analysis.ThreatHigh, 0.90, SummarizeOnly},
		{analysis.ThreatCritical, 1.00, BlockEntirely},
	}}
}

// Validate checks that the ceilings ascend and cover [0,1].
func (p Policy) Validate() error {
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy has no rules")
	}
	prev := 0.0
	for i, rule := range p.Rules {
		if rule.Max <= prev {
			return fmt.Errorf("rule %d ceiling %v does not ascend", i, rule.Max)
		}
		prev = rule.Max
	}
	if prev < 1.0 {
		return fmt.Errorf("policy does not cover score 1.0")
	}
	return nil
}

// Decide selects the action for an analysis result: the first rule
// whose ceiling the score does not exceed wins, so exact-threshold
// scores resolve to the lower-severity action.
func Decide(result *analysis.Result, p Policy) Decision {
	for _, rule := range p.Rules {
		if result.ToxicityScore <= rule.Max {
			return Decision{
				Action:    rule.Action,
				Rationale: rationaleFor(rule.Action, result),
				Horsemen:  result.Horsemen,
			}
		}
	}
	// Unreachable with a validated policy; fail open rather than drop mail.
	return Decision{Action: ForwardWithContext, Rationale: "policy-gap"}
}

// DecideUnavailable is the fallback when analysis could not run. The
// gateway fails open: a missed toxic email is recoverable, a silently
// dropped legitimate one is not.
func DecideUnavailable() Decision {
	return Decision{
		Action:    ForwardWithContext,
		Rationale: "analysis-unavailable",
	}
}

func rationaleFor(action Action, result *analysis.Result) string {
	names := make([]string, 0, len(result.Horsemen))
	for _, d := range result.Horsemen {
		names = append(names, string(d.Horseman))
	}
	detected := "none"
	if len(names) > 0 {
		detected = strings.Join(names, ",")
	}
	return fmt.Sprintf("score=%.2f level=%s patterns=%s action=%s",
		result.ToxicityScore, result.ThreatLevel, detected, action)
}
