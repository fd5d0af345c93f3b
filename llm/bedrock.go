package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockBackend calls Anthropic models on AWS Bedrock. Credentials come from
// the default AWS chain rather than api_key.
type BedrockBackend struct {
	client   *bedrockruntime.Client
	modelID  string
	sampling config.Sampling
}

func NewBedrockBackend(ctx context.Context, modelID string, sampling config.Sampling) (*BedrockBackend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		opts = append(opts, awsconfig.WithRegion("us-east-1"))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	var clientOpts []func(*bedrockruntime.Options)
	// A custom endpoint is useful for testing against a local stub.
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockBackend{
		client:   bedrockruntime.NewFromConfig(cfg, clientOpts...),
		modelID:  modelID,
		sampling: sampling,
	}, nil
}

func (b *BedrockBackend) Chat(ctx context.Context, turns []Turn) (string, error) {
	body, err := createBedrockRequest(turns, b.sampling)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	return parseBedrockResponse(resp.Body)
}

type bedrockContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockMessage struct {
	Role    string           `json:"role"`
	Content []bedrockContent `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int32            `json:"max_tokens"`
	Temperature      float32          `json:"temperature"`
	TopK             int32            `json:"top_k"`
	TopP             float32          `json:"top_p"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockResponse struct {
	Content []bedrockContent `json:"content"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func createBedrockRequest(turns []Turn, sampling config.Sampling) ([]byte, error) {
	req := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        sampling.MaxOutputTokens,
		Temperature:      sampling.Temperature,
		TopK:             sampling.TopK,
		TopP:             sampling.TopP,
		Messages:         make([]bedrockMessage, 0, len(turns)),
	}
	for _, t := range turns {
		role := RoleUser
		if t.Role == RoleAssistant {
			role = RoleAssistant
		}
		req.Messages = append(req.Messages, bedrockMessage{
			Role:    role,
			Content: []bedrockContent{{Type: "text", Text: t.Content}},
		})
	}
	return json.Marshal(req)
}

func parseBedrockResponse(body []byte) (string, error) {
	var resp bedrockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if resp.Error != nil {
		return "", errors.New("Bedrock API error: %s", resp.Error.Message)
	}
	var text string
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return text, nil
}
