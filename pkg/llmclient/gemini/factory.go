package gemini

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"chronicle/pkg/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Factory implements llmclient.Factory for the "gemini" provider.
type Factory struct{}

func (f *Factory) Create(rawConfig []byte) (llmclient.LLMClient, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("llmclient/gemini: parse config: %w", err)
	}
	return New(context.Background(), cfg)
}

func init() {
	llmclient.RegisterFactory("gemini", &Factory{})
}
