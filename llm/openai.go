package llm

import (
	"context"
	"os"

	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIBackend is a client for the OpenAI Chat Completion API.
type OpenAIBackend struct {
	client   *openai.Client
	model    string
	sampling config.Sampling
}

// NewOpenAIBackend creates an OpenAIBackend. OPENAI_BASE_URL selects a
// compatible endpoint.
func NewOpenAIBackend(apiKey, modelName string, sampling config.Sampling) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, errors.New("openai API key not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	return &OpenAIBackend{client: &c, model: modelName, sampling: sampling}, nil
}

func (o *OpenAIBackend) Chat(ctx context.Context, turns []Turn) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(turns))
	if err != nil {
		return "", errors.Wrapf(err, "failed to send message to OpenAI")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// params builds the request. The API has no top_k, so only temperature,
// top_p and the token cap are sent.
func (o *OpenAIBackend) params(turns []Turn) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            convertTurnsToOpenAIMessages(turns),
		Temperature:         openai.Float(float64(o.sampling.Temperature)),
		TopP:                openai.Float(float64(o.sampling.TopP)),
		MaxCompletionTokens: openai.Int(int64(o.sampling.MaxOutputTokens)),
	}
}

func convertTurnsToOpenAIMessages(turns []Turn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(t.Content))
	}
	return messages
}
