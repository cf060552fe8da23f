package analysis

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score float64
		want  ThreatLevel
	}{
		{0.0, ThreatSafe},
		{0.05, ThreatSafe},
		{0.30, ThreatSafe}, // exact threshold stays in the lower bucket
		{0.30001, ThreatLow},
		{0.42, ThreatLow},
		{0.55, ThreatLow},
		{0.55001, ThreatMedium},
		{0.63, ThreatMedium},
		{0.70, ThreatMedium},
		{0.82, ThreatHigh},
		{0.90, ThreatHigh},
		{0.90001, ThreatCritical},
		{0.95, ThreatCritical},
		{1.0, ThreatCritical},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.want, tt.score), func(t *testing.T) {
			assert.Equal(t, tt.want, LevelForScore(tt.score), "score %v", tt.score)
		})
	}
}

func TestParseVerdict(t *testing.T) {
	text := `{"toxicity_score": 0.63, "horsemen": [{"horseman": "contempt", "confidence": 0.9, "severity": "high", "indicators": ["pathetic as usual"]}], "reasoning": "direct insult"}`

	r, err := parseVerdict(text)
	require.NoError(t, err)
	assert.Equal(t, 0.63, r.ToxicityScore)
	assert.Equal(t, ThreatMedium, r.ThreatLevel)
	require.Len(t, r.Horsemen, 1)
	assert.Equal(t, Contempt, r.Horsemen[0].Horseman)
	assert.Equal(t, []string{"pathetic as usual"}, r.Horsemen[0].Indicators)
}

func TestParseVerdictWrappedInProse(t *testing.T) {
	text := "Here is my analysis:\n```json\n{\"toxicity_score\": 0.1, \"horsemen\": [], \"reasoning\": \"benign\"}\n```"

	r, err := parseVerdict(text)
	require.NoError(t, err)
	assert.Equal(t, ThreatSafe, r.ThreatLevel)
}

func TestParseVerdictErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no json", "I cannot analyze this."},
		{"broken json", `{"toxicity_score": `},
		{"score out of range", `{"toxicity_score": 1.5, "horsemen": [], "reasoning": ""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseVerdict(tt.text)
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestParseVerdictDropsUnknownHorsemen(t *testing.T) {
	text := `{"toxicity_score": 0.4, "horsemen": [
		{"horseman": "sarcasm", "confidence": 0.5, "severity": "low", "indicators": []},
		{"horseman": "CRITICISM", "confidence": 0.7, "severity": "bogus", "indicators": ["you always"]}
	], "reasoning": "mixed"}`

	r, err := parseVerdict(text)
	require.NoError(t, err)
	require.Len(t, r.Horsemen, 1)
	assert.Equal(t, Criticism, r.Horsemen[0].Horseman)
	assert.Equal(t, SeverityLow, r.Horsemen[0].Severity, "unknown severity degrades to low")
}

func TestMockAnalyzer(t *testing.T) {
	m := NewMockAnalyzer([]MockRule{
		{Substring: "pathetic", Result: Result{
			ToxicityScore: 0.63,
			Horsemen: []Detection{{
				Horseman: Contempt, Confidence: 0.9, Severity: SeverityHigh,
				Indicators: []string{"pathetic as usual"},
			}},
		}},
	})

	r, err := m.Analyze(context.Background(), "You're pathetic as usual.", "")
	require.NoError(t, err)
	assert.Equal(t, ThreatMedium, r.ThreatLevel, "mock derives level from score")

	r, err = m.Analyze(context.Background(), "Want to grab lunch?", "")
	require.NoError(t, err)
	assert.True(t, r.Safe())
	assert.Equal(t, int64(2), m.Calls())
}

func TestMockAnalyzerFail(t *testing.T) {
	m := NewMockAnalyzer(nil)
	m.Fail = true
	_, err := m.Analyze(context.Background(), "anything", "")
	assert.ErrorIs(t, err, ErrUnavailable)
}
