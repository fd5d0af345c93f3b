package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
	"github.com/m4xw311/alang/logging"
	"go.uber.org/zap"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FallbackResponse is returned by Generate when the backend produced no text.
const FallbackResponse = "I apologize, but I couldn't generate a response. Please try again."

// ErrorPrefix marks a Generate result that reports a failure instead of a
// model reply.
const ErrorPrefix = "Error: "

// Turn is one entry of the conversation sent to a backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend is a single generative-language service.
type Backend interface {
	Chat(ctx context.Context, turns []Turn) (string, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, turns []Turn) (string, error)

func (f BackendFunc) Chat(ctx context.Context, turns []Turn) (string, error) {
	return f(ctx, turns)
}

// Client wraps a Backend with the conversation conventions used by the
// orchestrator.
type Client struct {
	backend Backend
	logger  *zap.Logger
}

func NewClient(backend Backend, logger *zap.Logger) *Client {
	return &Client{backend: backend, logger: logging.OrNop(logger)}
}

// New builds the client for the backend selected by cfg.LLMClient.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.LLMClient {
	case "gemini":
		backend, err = NewGeminiBackend(ctx, cfg.APIKey, cfg.Model, cfg.Sampling)
	case "openai":
		backend, err = NewOpenAIBackend(cfg.APIKey, cfg.Model, cfg.Sampling)
	case "anthropic":
		backend, err = NewAnthropicBackend(cfg.APIKey, cfg.Model, cfg.Sampling)
	case "bedrock":
		backend, err = NewBedrockBackend(ctx, cfg.Model, cfg.Sampling)
	case "mock":
		backend = &MockBackend{}
	default:
		return nil, errors.Wrapf(errors.ErrConfiguration, "unknown llm %q", cfg.LLMClient)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize %s client", cfg.LLMClient)
	}
	return NewClient(backend, logger), nil
}

// Complete sends history followed by message and returns the raw reply.
func (c *Client) Complete(ctx context.Context, message string, history []Turn) (string, error) {
	turns := normalizeTurns(append(append([]Turn(nil), history...), Turn{Role: RoleUser, Content: message}))
	start := time.Now()
	reply, err := c.backend.Chat(ctx, turns)
	c.logger.Debug("generation finished",
		zap.Int("turns", len(turns)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Generate is Complete with failures folded into the reply: an empty reply
// becomes FallbackResponse and an error becomes "Error: <err>". It never
// returns an error or panics.
func (c *Client) Generate(ctx context.Context, message string, history []Turn) (reply string) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("generation panicked", zap.Any("panic", p))
			reply = ErrorPrefix + fmt.Sprint(p)
		}
	}()
	text, err := c.Complete(ctx, message, history)
	if err != nil {
		c.logger.Warn("generation failed", zap.Error(err))
		return ErrorPrefix + errors.Message(err)
	}
	if strings.TrimSpace(text) == "" {
		return FallbackResponse
	}
	return text
}

// Close releases the backend's resources, if it holds any.
func (c *Client) Close() error {
	if closer, ok := c.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// IsErrorResponse reports whether a Generate result describes a failure.
func IsErrorResponse(reply string) bool {
	return strings.HasPrefix(reply, ErrorPrefix)
}

// normalizeTurns makes the conversation acceptable to backends that require
// alternating roles starting with the user: unknown roles are treated as
// user, consecutive turns of the same role are merged and leading assistant
// turns are dropped.
func normalizeTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if len(out) == 0 && role == RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, Turn{Role: role, Content: t.Content})
	}
	return out
}

// MockBackend echoes the last user turn. It needs no credentials.
type MockBackend struct{}

func (m *MockBackend) Chat(ctx context.Context, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	return fmt.Sprintf("I am a mock LLM. You said: '%s'", turns[len(turns)-1].Content), nil
}
