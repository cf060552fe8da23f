package analysis

import (
	"context"
	"strings"
	"sync/atomic"
)

// MockRule maps a substring of the analyzed content to a fixed result.
type MockRule struct {
	Substring string
	Result    Result
}

// MockAnalyzer returns canned results from a substring-keyed table.
// First matching rule wins; content matching no rule scores safe.
// Used by tests and by the gateway's dry-run configuration.
type MockAnalyzer struct {
	rules []MockRule
	calls int64
	// Fail forces every call to report ErrUnavailable.
	Fail bool
}

// NewMockAnalyzer creates a mock with the given rule table.
func NewMockAnalyzer(rules []MockRule) *MockAnalyzer {
	return &MockAnalyzer{rules: rules}
}

// Analyze implements Analyzer.
func (m *MockAnalyzer) Analyze(_ context.Context, content, _ string) (*Result, error) {
	atomic.AddInt64(&m.calls, 1)
	if m.Fail {
		return nil, ErrUnavailable
	}

	for _, rule := range m.rules {
		if strings.Contains(content, rule.Substring) {
			r := rule.Result
			if r.ThreatLevel == "" {
				r.ThreatLevel = LevelForScore(r.ToxicityScore)
			}
			return &r, nil
		}
	}

	return &Result{
		ToxicityScore: 0.05,
		ThreatLevel:   ThreatSafe,
		Reasoning:     "no destructive patterns detected",
	}, nil
}

// Calls returns how many times Analyze ran.
func (m *MockAnalyzer) Calls() int64 {
	return atomic.LoadInt64(&m.calls)
}
