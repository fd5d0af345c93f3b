package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
)

// AnthropicBackend is a client for the Anthropic Messages API.
type AnthropicBackend struct {
	client   *anthropic.Client
	model    string
	sampling config.Sampling
}

func NewAnthropicBackend(apiKey, modelName string, sampling config.Sampling) (*AnthropicBackend, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key not set")
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &AnthropicBackend{client: &client, model: modelName, sampling: sampling}, nil
}

func (a *AnthropicBackend) Chat(ctx context.Context, turns []Turn) (string, error) {
	resp, err := a.client.Messages.New(ctx, a.params(turns))
	if err != nil {
		return "", errors.Wrapf(err, "failed to send message to Anthropic")
	}
	return anthropicResponseText(resp), nil
}

func (a *AnthropicBackend) params(turns []Turn) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(a.sampling.MaxOutputTokens),
		Messages:    convertTurnsToAnthropicMessages(turns),
		Temperature: anthropic.Float(float64(a.sampling.Temperature)),
		TopK:        anthropic.Int(int64(a.sampling.TopK)),
		TopP:        anthropic.Float(float64(a.sampling.TopP)),
	}
}

func convertTurnsToAnthropicMessages(turns []Turn) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}
	return messages
}

func anthropicResponseText(resp *anthropic.Message) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, content := range resp.Content {
		if text, ok := content.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String()
}
