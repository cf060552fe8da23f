// Package analysis defines the content-analysis port: a single-pass
// classifier scoring text for the four destructive communication
// patterns (criticism, contempt, defensiveness, stonewalling). The port
// is text-agnostic; callers hand it any string.
package analysis

import (
	"context"
	"errors"
)

// ErrUnavailable covers every analyzer failure mode: timeout, upstream
// error, unparseable response. The orchestrator's fallback policy maps
// it to ForwardWithContext.
var ErrUnavailable = errors.New("analysis unavailable")

// Horseman is one of the four destructive communication patterns.
type Horseman string

const (
	Criticism     Horseman = "criticism"
	Contempt      Horseman = "contempt"
	Defensiveness Horseman = "defensiveness"
	Stonewalling  Horseman = "stonewalling"
)

// Severity grades an individual detection.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ThreatLevel buckets the overall toxicity score.
type ThreatLevel string

const (
	ThreatSafe     ThreatLevel = "safe"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// LevelForScore derives the threat level from a toxicity score. A score
// landing exactly on a threshold stays in the lower-severity bucket, so
// a borderline verdict never escalates the response on its own.
func LevelForScore(score float64) ThreatLevel {
	switch {
	case score <= 0.30:
		return ThreatSafe
	case score <= 0.55:
		return ThreatLow
	case score <= 0.70:
		return ThreatMedium
	case score <= 0.90:
		return ThreatHigh
	default:
		return ThreatCritical
	}
}

// Detection is one pattern found in the analyzed text.
type Detection struct {
	Horseman   Horseman `json:"horseman"`
	Confidence float64  `json:"confidence"`
	Severity   Severity `json:"severity"`
	// Indicators are short quoted excerpts; the transformer uses them
	// as redaction spans and must tolerate them not matching verbatim.
	Indicators []string `json:"indicators"`
}

// Result is the analyzer's verdict for one piece of text. It lives only
// in the worker's call stack and is discarded after action selection.
type Result struct {
	ToxicityScore    float64     `json:"toxicity_score"`
	ThreatLevel      ThreatLevel `json:"threat_level"`
	Horsemen         []Detection `json:"horsemen_detected"`
	Reasoning        string      `json:"reasoning"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
}

// Safe reports whether the content was classified as safe.
func (r *Result) Safe() bool {
	return r.ThreatLevel == ThreatSafe
}

// Analyzer is the content-analysis port. The orchestrator enforces the
// wall-clock ceiling via ctx; implementations should respect
// cancellation but need not time themselves out.
type Analyzer interface {
	Analyze(ctx context.Context, content, senderHint string) (*Result, error)
}
