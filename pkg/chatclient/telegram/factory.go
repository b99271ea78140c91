package telegram

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"chronicle/pkg/chatclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Factory implements chatclient.Factory for the "telegram" platform.
type Factory struct{}

// Create parses rawConfig into a Config and constructs a Client.
func (f *Factory) Create(rawConfig []byte) (chatclient.ChatClient, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("chatclient/telegram: parse config: %w", err)
	}
	return New(cfg)
}

func init() {
	chatclient.RegisterFactory("telegram", &Factory{})
}
