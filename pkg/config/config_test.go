package config_test

import (
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"chronicle/pkg/config"
)

func TestValidateRejectsMissingLLM(t *testing.T) {
	cfg := &config.Config{
		ChatSources: map[string]jsoniter.RawMessage{"telegram": []byte(`{}`)},
		LLMProvider: "ollama",
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsMissingChatSources(t *testing.T) {
	cfg := &config.Config{
		LLMProvider: "ollama",
		LLM:         []byte(`{"model":"llama3"}`),
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := &config.Config{
		ChatSources: map[string]jsoniter.RawMessage{"telegram": []byte(`{"token":"x"}`)},
		LLMProvider: "ollama",
		LLM:         []byte(`{"model":"llama3"}`),
	}
	require.NoError(t, cfg.Validate())
}

func TestDeepCopyIsIndependent(t *testing.T) {
	cfg := &config.Config{
		ChatSources: map[string]jsoniter.RawMessage{"telegram": []byte(`{}`)},
	}
	clone := cfg.DeepCopy()
	clone.ChatSources["discord"] = []byte(`{}`)
	require.Len(t, cfg.ChatSources, 1)
	require.Len(t, clone.ChatSources, 2)
}

func TestDefaultSystemConfigHasSpecDefaults(t *testing.T) {
	sys := config.DefaultSystemConfig()
	require.Equal(t, 3, sys.TopicAnchorCap)
	require.Equal(t, 0.75, sys.TopicSingletonScoreThreshold)
	require.Equal(t, 300, sys.TopicSingletonMinTextLength)
	require.Equal(t, 0.6, sys.TopicClusterScoreThreshold)
	require.Equal(t, 0.5, sys.TopicSupportingScoreThreshold)
	require.Equal(t, "pipeline.db", sys.StorePath)
}

func TestLoadSystemConfigFallsBackOnMissingFile(t *testing.T) {
	sys := config.LoadSystemConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Equal(t, config.DefaultSystemConfig(), sys)
}

func TestLoadSystemConfigFallsBackOnMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	sys := config.LoadSystemConfig(path)
	require.Equal(t, config.DefaultSystemConfig(), sys)
}

func TestLoadSystemConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"topic_anchor_cap":5,"log_level":"debug"}`), 0o644))
	sys := config.LoadSystemConfig(path)
	require.Equal(t, 5, sys.TopicAnchorCap)
	require.Equal(t, "debug", sys.LogLevel)
	require.Equal(t, "pipeline.db", sys.StorePath)
}

func TestLoadMissingConfigFileErrors(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	tmp := t.TempDir()
	require.NoError(t, os.Chdir(tmp))
	defer os.Chdir(wd)

	_, _, err = config.Load()
	require.Error(t, err)
}
