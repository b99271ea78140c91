package ollama

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"chronicle/pkg/llmclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Factory implements llmclient.Factory for the "ollama" provider.
type Factory struct{}

func (f *Factory) Create(rawConfig []byte) (llmclient.LLMClient, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("llmclient/ollama: parse config: %w", err)
	}
	return New(cfg)
}

func init() {
	llmclient.RegisterFactory("ollama", &Factory{})
}
