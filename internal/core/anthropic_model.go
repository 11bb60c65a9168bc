package core

import (
	"context"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
)

const DefaultAnthropicModelName = "claude-sonnet-4-20250514"

// patchShape is spelled out in the system prompt because the Messages API has
// no response schema parameter.
const patchShape = `

The JSON object has this shape:
{"files": [{"path": "relative/path", "action": "create" or "modify", "content": "full file content"}],
 "commit_message": "...", "pr_title": "...", "pr_body": "..."}`

// AnthropicModel implements Model on the Anthropic Messages API.
type AnthropicModel struct {
	client    anthropic.Client
	modelName string
}

// NewAnthropicModel builds a client with SDK retries disabled; Generator owns
// the retry policy. Extra options are applied last.
func NewAnthropicModel(apiKey, modelName string, opts ...option.RequestOption) *AnthropicModel {
	if modelName == "" {
		modelName = DefaultAnthropicModelName
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &AnthropicModel{client: anthropic.NewClient(opts...), modelName: modelName}
}

func (m *AnthropicModel) Generate(ctx context.Context, req Request) (string, error) {
	msg, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(m.modelName),
		MaxTokens:   16384,
		Temperature: anthropic.Float(0.2),
		System:      []anthropic.TextBlockParam{{Text: req.System + patchShape}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	if msg.StopReason == "refusal" {
		return "", apperr.New(apperr.KindGenerationFailed, "anthropic refused the prompt")
	}
	if msg.StopReason == "max_tokens" {
		log.Printf("Anthropic response hit the output token limit; it will likely fail validation")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
