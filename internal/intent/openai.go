package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Extractor turns a raw transcript utterance into a structured Turn. The
// dialogue core depends only on this interface; deployments without an LLM
// key can plug in a rule-based implementation.
type Extractor interface {
	Extract(ctx context.Context, transcript string, sttConfidence float64) (Turn, error)
}

const extractorSystemPrompt = `You extract appointment booking details from one utterance of a phone call transcript.
Reply with a single JSON object, nothing else:
{"name": "", "date": "", "time": "", "reason": "", "appointment_type": "", "handoff_requested": false, "confidence": 0.0}
Leave fields empty when the utterance does not mention them. Keep "date" and
"time" as the caller spoke them (e.g. "next tuesday", "2:30 pm"). Set
handoff_requested true only if the caller asks for a person, operator, or
front desk. Set confidence to your certainty (0-1) that the extracted fields
are what the caller meant.`

// OpenAIExtractor extracts intent fields with a chat completion call.
type OpenAIExtractor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIExtractor creates an extractor using the given API key and model.
func NewOpenAIExtractor(apiKey, model string, timeout time.Duration) *OpenAIExtractor {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &OpenAIExtractor{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
	}
}

// Extract runs the extraction prompt. The returned Turn's confidence is the
// minimum of the STT confidence and the model's own estimate, so a garbled
// transcript can never be promoted by a confident extraction.
func (e *OpenAIExtractor) Extract(ctx context.Context, transcript string, sttConfidence float64) (Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractorSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return Turn{}, fmt.Errorf("intent: extraction call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Turn{}, fmt.Errorf("intent: extraction returned no choices")
	}

	turn, err := parseExtraction(resp.Choices[0].Message.Content, sttConfidence)
	if err != nil {
		return Turn{}, err
	}
	turn.Transcript = transcript
	return turn, nil
}

func parseExtraction(content string, sttConfidence float64) (Turn, error) {
	// Models occasionally wrap the object in a code fence.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw struct {
		Fields
		HandoffRequested bool    `json:"handoff_requested"`
		Confidence       float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return Turn{}, fmt.Errorf("intent: malformed extraction output: %w", err)
	}

	confidence := raw.Confidence
	if sttConfidence < confidence {
		confidence = sttConfidence
	}
	return Turn{
		Confidence:       confidence,
		Fields:           raw.Fields,
		HandoffRequested: raw.HandoffRequested,
	}, nil
}

var _ Extractor = (*OpenAIExtractor)(nil)
