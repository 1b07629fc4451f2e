package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Request is a single completion request.  The caller owns both prompts; the
// response is returned verbatim and must be treated as untrusted text.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float32
}

// Client defines the completion call required by report generation.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config selects the endpoint and model.  Any OpenAI-compatible endpoint
// works; the defaults point at Groq.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.1-8b-instant"
)

// OpenAIClient calls an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient constructs a completion client, falling back to sensible
// defaults for the base URL and model.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	conf := openai.DefaultConfig(cfg.APIKey)
	conf.BaseURL = strings.TrimRight(firstNonEmpty(cfg.BaseURL, DefaultBaseURL), "/")

	return &OpenAIClient{
		client: openai.NewClientWithConfig(conf),
		model:  firstNonEmpty(cfg.Model, DefaultModel),
	}
}

// Model returns the model name sent with every request.
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends the system and user prompt and returns the first choice.
// An empty choice list yields an empty string, not an error: the report
// extractor decides what an empty answer means.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        1,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
