// Package ollama adapts the ollama Go API client into llmclient.LLMClient,
// transforming the teacher's streaming Chat call into one blocking,
// deterministic request per spec §4.4/§4.5.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"chronicle/pkg/llmclient"
)

// Config carries the connection details for an Ollama server.
type Config struct {
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
}

// Client is the Ollama-backed llmclient.LLMClient.
type Client struct {
	client *api.Client
	model  string
}

// New constructs a Client. When base_url is set it uses the teacher's
// custom transport (no client-side timeout; generation calls can
// legitimately run long); otherwise it uses api.ClientFromEnvironment.
func New(cfg Config) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	httpClient := &http.Client{Transport: transport}

	var client *api.Client
	var err error
	if cfg.BaseURL != "" {
		u, perr := url.Parse(cfg.BaseURL)
		if perr != nil {
			return nil, fmt.Errorf("llmclient/ollama: invalid base_url: %w", perr)
		}
		client = api.NewClient(u, httpClient)
	} else {
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("llmclient/ollama: %w", err)
		}
	}

	return &Client{client: client, model: cfg.Model}, nil
}

// ModelID returns the configured model name.
func (c *Client) ModelID() string { return c.model }

// Generate sends one non-streaming chat request and returns the
// assistant message content.
func (c *Client) Generate(ctx context.Context, system, user string, params llmclient.Params) (string, error) {
	options := map[string]any{"temperature": params.Temperature}
	if params.MaxTokens > 0 {
		options["num_predict"] = params.MaxTokens
	}

	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Options: options,
		Stream:  &stream,
	}
	if params.JSONMode {
		req.Format = json.RawMessage(`"json"`)
	}

	var content string
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", classifyError(err)
	}
	if content == "" {
		return "", llmclient.Retryable("empty response", nil)
	}
	return content, nil
}

func classifyError(err error) *llmclient.GenerateError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "overloaded") || strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") {
		return llmclient.Retryable(msg, err)
	}
	return llmclient.Fatal(msg, err)
}
