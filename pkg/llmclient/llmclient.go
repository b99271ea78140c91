// Package llmclient defines the single-shot generation collaborator
// the processing and topicization engines call (spec §6
// LLMClient.generate). Unlike the teacher's streaming chat clients,
// every adapter here returns one complete JSON-object response; there
// is no conversation history and no incremental chunk delivery.
package llmclient

import (
	"context"
	"fmt"
)

// Params is the deterministic generation parameter set spec §4.4/§4.5
// require: temperature 0, a fixed max-token budget, JSON-object mode.
type Params struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Deterministic returns the parameter set every processing and
// topicization call uses (spec §4.4 step 2, §4.5 step 2: "temperature
// 0... JSON-object response").
func Deterministic(maxTokens int) Params {
	return Params{Temperature: 0, MaxTokens: maxTokens, JSONMode: true}
}

// LLMClient is the abstract generation collaborator (spec §6).
// compute_prompt_id lives in pkg/prompts since it is a pure function of
// the prompt text, independent of which provider answers it.
type LLMClient interface {
	Generate(ctx context.Context, system, user string, params Params) (string, error)
	// ModelID names the concrete model this client targets, stamped
	// onto ProcessedDocument.metadata.model_id (spec §4.4 step 4).
	ModelID() string
}

// ErrorClass classifies a generation failure so the processing
// engine's retry decision is a pure function of this tag rather than
// of a particular SDK's concrete error type (spec §6, REDESIGN FLAGS).
type ErrorClass string

const (
	ErrRetryable ErrorClass = "retryable"
	ErrFatal     ErrorClass = "fatal"
)

// GenerateError is the classified error type every adapter returns on
// failure.
type GenerateError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("llmclient: %s: %s", e.Class, e.Message)
}

func (e *GenerateError) Unwrap() error { return e.Err }

func Retryable(message string, err error) *GenerateError {
	return &GenerateError{Class: ErrRetryable, Message: message, Err: err}
}

func Fatal(message string, err error) *GenerateError {
	return &GenerateError{Class: ErrFatal, Message: message, Err: err}
}

// Factory builds an LLMClient from provider-specific configuration,
// generalizing the teacher's provider-switch construction in
// pkg/llm/registry.go.
type Factory interface {
	Create(rawConfig []byte) (LLMClient, error)
}

var factories = make(map[string]Factory)

// RegisterFactory adds a Factory under provider name (e.g. "ollama",
// "openai", "gemini").
func RegisterFactory(name string, factory Factory) {
	factories[name] = factory
}

// New constructs the LLMClient for provider using its registered
// Factory. An unknown provider name is a fatal configuration error
// (spec §8 "Config").
func New(provider string, rawConfig []byte) (LLMClient, error) {
	factory, ok := factories[provider]
	if !ok {
		return nil, fmt.Errorf("llmclient: unknown provider %q", provider)
	}
	return factory.Create(rawConfig)
}
