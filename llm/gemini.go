package llm

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
	"google.golang.org/api/option"
)

// GeminiBackend talks to the Google Gemini API.
type GeminiBackend struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiBackend(ctx context.Context, apiKey, modelName string, sampling config.Sampling) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(sampling.Temperature)
	model.SetTopK(sampling.TopK)
	model.SetTopP(sampling.TopP)
	model.SetMaxOutputTokens(sampling.MaxOutputTokens)

	return &GeminiBackend{client: client, model: model}, nil
}

func (g *GeminiBackend) Chat(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", errors.New("no turns to send")
	}
	history := convertTurnsToGeminiContent(turns)

	// The last turn is the new prompt.
	last := history[len(history)-1]
	chat := g.model.StartChat()
	chat.History = history[:len(history)-1]
	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", errors.Wrapf(err, "failed to send message to Gemini")
	}
	return geminiResponseText(resp), nil
}

func (g *GeminiBackend) Close() error {
	return g.client.Close()
}

// convertTurnsToGeminiContent maps the assistant role to Gemini's "model".
func convertTurnsToGeminiContent(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}
	return contents
}

// geminiResponseText joins the text parts of the first candidate. A response
// without candidates yields "".
func geminiResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
