// Package openailm adapts the official OpenAI Go SDK into
// llmclient.LLMClient. It also serves any OpenAI-compatible endpoint
// (the teacher's Client took a provider label and base URL for exactly
// this reason), calling the non-streaming Completions.New instead of
// the teacher's NewStreaming.
package openailm

import (
	"context"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"chronicle/pkg/llmclient"
)

// Config carries the connection details for one OpenAI-compatible
// provider.
type Config struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Client is the OpenAI-SDK-backed llmclient.LLMClient.
type Client struct {
	client   openai.Client
	provider string
	model    string
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client:   openai.NewClient(opts...),
		provider: cfg.Provider,
		model:    cfg.Model,
	}, nil
}

// ModelID returns the configured model name.
func (c *Client) ModelID() string { return c.model }

// Generate sends one non-streaming chat completion request.
func (c *Client) Generate(ctx context.Context, system, user string, params llmclient.Params) (string, error) {
	reqParams := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(params.Temperature),
	}
	if params.MaxTokens > 0 {
		reqParams.MaxTokens = openai.Int(int64(params.MaxTokens))
	}
	if params.JSONMode {
		reqParams.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, reqParams)
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return "", llmclient.Retryable("no choices returned", nil)
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", llmclient.Retryable("empty response content", nil)
	}
	return content, nil
}

func classifyError(err error) *llmclient.GenerateError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "context deadline exceeded"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "503"):
		return llmclient.Retryable(msg, err)
	case strings.Contains(lower, "401"), strings.Contains(lower, "403"),
		strings.Contains(lower, "invalid api key"), strings.Contains(lower, "quota"):
		return llmclient.Fatal(msg, err)
	default:
		return llmclient.Retryable(msg, err)
	}
}
