// Package gemini adapts the google.golang.org/genai SDK into
// llmclient.LLMClient, calling the non-streaming GenerateContent
// instead of the teacher's GenerateContentStream.
package gemini

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"chronicle/pkg/llmclient"
)

// Config carries the connection details for the Gemini API.
type Config struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

// Client is the genai-backed llmclient.LLMClient.
type Client struct {
	client *genai.Client
	model  string
}

// New constructs a Client against the public Gemini API backend.
func New(ctx context.Context, cfg Config) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmclient.Fatal("create genai client", err)
	}
	return &Client{client: client, model: cfg.Model}, nil
}

// ModelID returns the configured model name.
func (c *Client) ModelID() string { return c.model }

// Generate sends one non-streaming generation request.
func (c *Client) Generate(ctx context.Context, system, user string, params llmclient.Params) (string, error) {
	temp := float32(params.Temperature)
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       &temp,
	}
	if params.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(params.MaxTokens)
	}
	if params.JSONMode {
		genConfig.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genConfig)
	if err != nil {
		return "", classifyError(err)
	}
	text := resp.Text()
	if text == "" {
		return "", llmclient.Retryable("empty response", nil)
	}
	return text, nil
}

func classifyError(err error) *llmclient.GenerateError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "503"):
		return llmclient.Retryable(msg, err)
	case strings.Contains(lower, "permission"),
		strings.Contains(lower, "unauthenticated"),
		strings.Contains(lower, "invalid api key"):
		return llmclient.Fatal(msg, err)
	default:
		return llmclient.Retryable(msg, err)
	}
}
