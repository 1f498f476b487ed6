package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Classification is the strict JSON shape the classifier must return.
// RelationshipType "NONE" means no edge.
type Classification struct {
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	Bidirectional    bool    `json:"bidirectional"`
}

// Classifier judges the relationship between two capsules.
type Classifier interface {
	Classify(ctx context.Context, source, candidate *models.Capsule) (*Classification, error)
}

const classifyPrompt = `You are classifying the relationship between two knowledge capsules.

Capsule A (source):
Title: %s
Content: %s

Capsule B (candidate):
Title: %s
Content: %s

Pick exactly one relationship that capsule A has to capsule B:
RELATED_TO, CONTRADICTS, SUPPORTS, ELABORATES, SUPERSEDES, REFERENCES, IMPLEMENTS, EXTENDS, or NONE.

Respond with strict JSON only, no prose:
{"relationship_type": "...", "confidence": 0.0, "reasoning": "...", "bidirectional": false}`

// AnthropicClassifier is the production Classifier built on the Anthropic
// Messages API. One call per candidate pair; batches are never merged into
// a single request.
type AnthropicClassifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicClassifier reads the API key from the standard environment
// (ANTHROPIC_API_KEY) unless an explicit key is supplied.
func NewAnthropicClassifier(model string, maxTokens int, apiKey string) *AnthropicClassifier {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if maxTokens < 64 {
		maxTokens = 512
	}
	return &AnthropicClassifier{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

func (a *AnthropicClassifier) Classify(ctx context.Context, source, candidate *models.Capsule) (*Classification, error) {
	prompt := fmt.Sprintf(classifyPrompt,
		source.Title, truncate(source.Content, 2000),
		candidate.Title, truncate(candidate.Content, 2000))

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classification call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseClassification(text.String())
}

// ParseClassification parses the model's reply defensively: markdown fences
// are stripped and anything that is not the expected JSON object fails.
func ParseClassification(raw string) (*Classification, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var c Classification
	if err := json.Unmarshal([]byte(cleaned), &c); err != nil {
		return nil, fmt.Errorf("classifier returned non-JSON: %w", err)
	}
	if c.RelationshipType == "" {
		return nil, fmt.Errorf("classifier response missing relationship_type")
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	return &c, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
