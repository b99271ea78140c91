// Package config loads the two-file configuration split the teacher
// established: a business-level Config (chat sources, LLM provider,
// prompt overrides) and a technical SystemConfig (store path, batch
// sizing, retry/backoff knobs, topicization thresholds).
package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Config is the business-level configuration, mapping directly to
// config.json.
type Config struct {
	// ChatSources maps a platform name (e.g. "telegram") to its
	// raw JSON configuration block, passed straight to
	// chatclient.NewRegistry.
	ChatSources map[string]jsoniter.RawMessage `json:"chat_sources"`
	// LLMProvider names the registered llmclient.Factory to use
	// ("ollama", "openai", "gemini").
	LLMProvider string `json:"llm_provider"`
	// LLM holds that provider's raw JSON configuration block.
	LLM jsoniter.RawMessage `json:"llm"`
	// PromptOverrides holds per-prompt-name system/user templates. It is
	// parsed and deep-copied but not applied: the engines always render
	// the templates registered in pkg/prompts.
	PromptOverrides map[string]PromptOverride `json:"prompt_overrides,omitempty"`
}

// PromptOverride replaces a registered prompt's templates wholesale.
type PromptOverride struct {
	System       string `json:"system"`
	UserTemplate string `json:"user_template"`
}

// DeepCopy clones Config, including its map fields.
func (c *Config) DeepCopy() *Config {
	newCfg := *c
	if c.ChatSources != nil {
		newCfg.ChatSources = make(map[string]jsoniter.RawMessage, len(c.ChatSources))
		for k, v := range c.ChatSources {
			newCfg.ChatSources[k] = v
		}
	}
	if c.PromptOverrides != nil {
		newCfg.PromptOverrides = make(map[string]PromptOverride, len(c.PromptOverrides))
		for k, v := range c.PromptOverrides {
			newCfg.PromptOverrides[k] = v
		}
	}
	return &newCfg
}

// Validate ensures the configuration carries the fields every pipeline
// stage assumes are present.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	if c.LLMProvider == "" {
		return fmt.Errorf("mandatory 'llm_provider' is missing")
	}
	if len(c.ChatSources) == 0 {
		return fmt.Errorf("at least one entry in 'chat_sources' is required")
	}
	return nil
}

// SystemConfig is the technical configuration, mapping to system.json.
type SystemConfig struct {
	// StorePath is the shared SQLite file backing all three state
	// stores (spec §6, SPEC_FULL.md "Durable state stores").
	StorePath string `json:"store_path"`
	// ExportDir is where kb_entries.ndjson/topics.json/topic_*.json
	// are written.
	ExportDir string `json:"export_dir"`

	// IngestBatchSize is the posts/comments limit of one fetch call for
	// a source whose own batch_size is unset (spec §4.3).
	IngestBatchSize int `json:"ingest_batch_size"`
	// IngestPollIntervalSeconds is the pause between passes of the
	// `run` command.
	IngestPollIntervalSeconds int `json:"ingest_poll_interval_seconds"`
	// IngestSourceParallelism is parsed but not read: sources are
	// ingested one at a time.
	IngestSourceParallelism int `json:"ingest_source_parallelism"`

	// ProcessingMaxAttempts bounds per-message retries (spec §4.4).
	ProcessingMaxAttempts int `json:"processing_max_attempts"`
	// RetryBaseDelayMs is the base delay for the jittered exponential
	// backoff shared by ingestion and processing (spec §4.3/§4.4).
	RetryBaseDelayMs int `json:"retry_base_delay_ms"`
	// ProcessingParallelism is parsed but not read: processing and
	// topicization issue one LLM request at a time.
	ProcessingParallelism int `json:"processing_parallelism"`
	// ProcessingMaxTokens bounds the processing prompt's response size.
	ProcessingMaxTokens int `json:"processing_max_tokens"`

	// TopicAnchorCap is N, the max anchors kept for a cluster topic
	// (spec §4.5 step 3, default 3).
	TopicAnchorCap int `json:"topic_anchor_cap"`
	// TopicSingletonScoreThreshold is the minimum anchor score for a
	// singleton topic to pass its quality gate (default 0.75).
	TopicSingletonScoreThreshold float64 `json:"topic_singleton_score_threshold"`
	// TopicSingletonMinTextLength is the minimum text_clean length for
	// a singleton topic to pass its quality gate (default 300).
	TopicSingletonMinTextLength int `json:"topic_singleton_min_text_length"`
	// TopicClusterScoreThreshold is the minimum per-anchor score for a
	// cluster topic to pass its quality gate (default 0.6).
	TopicClusterScoreThreshold float64 `json:"topic_cluster_score_threshold"`
	// TopicSupportingScoreThreshold is the minimum score for a
	// supporting item to be accepted into a topic bundle (default 0.5).
	TopicSupportingScoreThreshold float64 `json:"topic_supporting_score_threshold"`
	// TopicizeMaxTokens bounds the topicization prompts' response size.
	TopicizeMaxTokens int `json:"topicize_max_tokens"`

	// LogLevel sets the minimum severity for log output. Accepted:
	// "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`
	// PipelineVersion is stamped onto every ProcessedDocument's
	// metadata (spec §3, §9 open question 3).
	PipelineVersion string `json:"pipeline_version"`
}

// DeepCopy creates a full copy of SystemConfig.
func (s *SystemConfig) DeepCopy() *SystemConfig {
	newSys := *s
	return &newSys
}

// DefaultSystemConfig returns a SystemConfig initialized with the
// spec's own named defaults (§6 "Named options recognized by the
// core").
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		StorePath:                    "pipeline.db",
		ExportDir:                    "export",
		IngestBatchSize:              50,
		IngestPollIntervalSeconds:    60,
		IngestSourceParallelism:      4,
		ProcessingMaxAttempts:        3,
		RetryBaseDelayMs:             500,
		ProcessingParallelism:        4,
		ProcessingMaxTokens:          1024,
		TopicAnchorCap:               3,
		TopicSingletonScoreThreshold: 0.75,
		TopicSingletonMinTextLength:  300,
		TopicClusterScoreThreshold:   0.6,
		TopicSupportingScoreThreshold: 0.5,
		TopicizeMaxTokens:             2048,
		LogLevel:                      "info",
		PipelineVersion:               "v1",
	}
}

// Load reads config.json and system.json (the latter optional,
// defaulted if absent) from the working directory.
func Load() (*Config, *SystemConfig, error) {
	appPath := "config.json"
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	sysCfg := LoadSystemConfig("system.json")

	return &cfg, sysCfg, nil
}

// LoadSystemConfig loads system settings from path, falling back to
// DefaultSystemConfig if the file is absent or malformed.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(file, cfg); err != nil {
		return DefaultSystemConfig()
	}

	return cfg
}
