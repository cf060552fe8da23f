package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockAnalyzer classifies content with a Claude model on AWS Bedrock.
// All content stays within AWS - no external API calls.
type BedrockAnalyzer struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// bedrockMessage mirrors the Anthropic messages format used by Bedrock.
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// verdict is the JSON schema the model is instructed to emit.
type verdict struct {
	ToxicityScore float64 `json:"toxicity_score"`
	Horsemen      []struct {
		Horseman   string   `json:"horseman"`
		Confidence float64  `json:"confidence"`
		Severity   string   `json:"severity"`
		Indicators []string `json:"indicators"`
	} `json:"horsemen"`
	Reasoning string `json:"reasoning"`
}

const analyzerSystemPrompt = `You are a communication-safety classifier. You receive one message and score it for the four destructive communication patterns: criticism (attacks on character rather than behavior), contempt (insults, mockery, disrespect), defensiveness (counter-attack, victim stance), and stonewalling (withdrawal, refusal to engage).

Respond with ONLY a JSON object, no prose, matching exactly:
{
  "toxicity_score": <float 0.0-1.0, overall harmfulness>,
  "horsemen": [
    {"horseman": "criticism|contempt|defensiveness|stonewalling",
     "confidence": <float 0.0-1.0>,
     "severity": "low|medium|high",
     "indicators": ["<short verbatim excerpt>", ...]}
  ],
  "reasoning": "<one or two sentences>"
}

Scoring guidance:
- 0.0-0.3: ordinary conversation, disagreement without attack
- 0.3-0.55: mild negativity, a single low-grade pattern
- 0.55-0.7: clear personal attacks or sustained contempt
- 0.7-0.9: extended attack, multiple severe patterns
- 0.9-1.0: threats, abuse, content no recipient should see

Indicators must be verbatim excerpts from the message, each under 80 characters.`

// NewBedrockAnalyzer creates an analyzer backed by a Bedrock Claude model.
func NewBedrockAnalyzer(ctx context.Context, modelID, region string) (*BedrockAnalyzer, error) {
	if region == "" {
		region = "us-east-1"
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	a := &BedrockAnalyzer{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
		region:  region,
	}
	log.Printf("[BedrockAnalyzer] Initialized with model=%s, region=%s", modelID, region)
	return a, nil
}

// Analyze sends the content to the model and parses its JSON verdict.
// Every failure mode wraps ErrUnavailable so the orchestrator can apply
// its fail-open policy without inspecting causes.
func (a *BedrockAnalyzer) Analyze(ctx context.Context, content, senderHint string) (*Result, error) {
	start := time.Now()

	userText := content
	if senderHint != "" {
		userText = "Sender context: " + senderHint + "\n\nMessage:\n" + content
	}

	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1024,
		System:           analyzerSystemPrompt,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentBlock{{Type: "text", Text: userText}}},
		},
		Temperature: 0.0,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrUnavailable, err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bedrock invoke: %v", ErrUnavailable, err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return nil, fmt.Errorf("%w: parse response envelope: %v", ErrUnavailable, err)
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	result, err := parseVerdict(text)
	if err != nil {
		return nil, err
	}
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	log.Printf("[BedrockAnalyzer] Scored content level=%s in %dms (in: %d tokens, out: %d tokens)",
		result.ThreatLevel, result.ProcessingTimeMs,
		response.Usage.InputTokens, response.Usage.OutputTokens)
	return result, nil
}

// parseVerdict extracts and validates the model's JSON verdict. Models
// occasionally wrap JSON in prose or fences despite instructions, so the
// parser locates the outermost object before decoding.
func parseVerdict(text string) (*Result, error) {
	begin := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if begin < 0 || end <= begin {
		return nil, fmt.Errorf("%w: no JSON object in model output", ErrUnavailable)
	}

	var v verdict
	if err := json.Unmarshal([]byte(text[begin:end+1]), &v); err != nil {
		return nil, fmt.Errorf("%w: parse verdict: %v", ErrUnavailable, err)
	}
	if v.ToxicityScore < 0 || v.ToxicityScore > 1 {
		return nil, fmt.Errorf("%w: toxicity score %f out of range", ErrUnavailable, v.ToxicityScore)
	}

	result := &Result{
		ToxicityScore: v.ToxicityScore,
		ThreatLevel:   LevelForScore(v.ToxicityScore),
		Reasoning:     v.Reasoning,
	}
	for _, h := range v.Horsemen {
		horseman := Horseman(strings.ToLower(h.Horseman))
		switch horseman {
		case Criticism, Contempt, Defensiveness, Stonewalling:
		default:
			continue // unknown label, drop the detection
		}
		severity := Severity(strings.ToLower(h.Severity))
		if severity != SeverityLow && severity != SeverityMedium && severity != SeverityHigh {
			severity = SeverityLow
		}
		result.Horsemen = append(result.Horsemen, Detection{
			Horseman:   horseman,
			Confidence: h.Confidence,
			Severity:   severity,
			Indicators: h.Indicators,
		})
	}
	return result, nil
}

// ModelID returns the Bedrock model in use.
func (a *BedrockAnalyzer) ModelID() string {
	return a.modelID
}
