// Package process implements the processing engine described in
// spec.md §4.4: for every source_ref with a raw row but no processed
// row, call the LLM once with a deterministic parameter set, validate
// the JSON response, and upsert a ProcessedDocument (or record a
// ProcessingFailure on exhausted retries).
package process

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"chronicle/pkg/identity"
	"chronicle/pkg/llmclient"
	"chronicle/pkg/model"
	"chronicle/pkg/prompts"
	"chronicle/pkg/retry"
	"chronicle/pkg/store"
)

// Engine drives per-source_ref LLM extraction against a shared store.
type Engine struct {
	db              *store.DB
	llm             llmclient.LLMClient
	policy          retry.Policy
	maxTokens       int
	pipelineVersion string
}

// New builds an Engine. maxAttempts/baseDelay bound the per-message
// retry policy (spec §4.4 "Retry policy per message").
func New(db *store.DB, llm llmclient.LLMClient, maxAttempts int, baseDelay time.Duration, maxTokens int, pipelineVersion string) *Engine {
	return &Engine{
		db:              db,
		llm:             llm,
		policy:          retry.Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay},
		maxTokens:       maxTokens,
		pipelineVersion: pipelineVersion,
	}
}

// Result summarizes one Run call.
type Result struct {
	Processed int
	Failed    int
}

// Run processes every unprocessed source_ref in channelID (or every
// channel, if channelID is empty) and never propagates a single
// message's failure to the rest of the batch (spec §4.4).
func (e *Engine) Run(ctx context.Context, channelID string) (Result, error) {
	refs, err := e.db.Processed.ListUnprocessedRefs(ctx, channelID)
	if err != nil {
		return Result{}, fmt.Errorf("process: list unprocessed: %w", err)
	}

	var res Result
	for _, ref := range refs {
		if err := e.processOne(ctx, ref); err != nil {
			res.Failed++
		} else {
			res.Processed++
		}
	}
	return res, nil
}

func (e *Engine) processOne(ctx context.Context, sourceRef string) error {
	raw, err := e.db.Raw.Get(ctx, sourceRef)
	if err != nil {
		return fmt.Errorf("process: load raw %s: %w", sourceRef, err)
	}
	if raw == nil {
		return fmt.Errorf("process: raw %s vanished mid-run", sourceRef)
	}

	prompt := prompts.Get(prompts.Processing)
	user := prompt.Render(raw.Text)
	params := llmclient.Deterministic(e.maxTokens)

	extraction, genErr := retry.Run(ctx, e.policy, func(ctx context.Context, attemptNum int) retry.Result[extractedFields] {
		out, err := e.llm.Generate(ctx, prompt.System, user, params)
		if err != nil {
			return classifyGenErr[extractedFields](err)
		}
		fields, err := parseExtraction(out)
		if err != nil {
			return retry.Retryable[extractedFields]("parse_error", err.Error(), err)
		}
		return retry.Ok(fields)
	})

	if genErr != nil {
		return e.recordFailure(ctx, sourceRef, raw.ChannelID, genErr)
	}

	doc := model.ProcessedDocument{
		SourceRef:       sourceRef,
		ID:              identity.DocID(sourceRef),
		SourceMessageID: raw.MessageID,
		ChannelID:       raw.ChannelID,
		ProcessedAt:     time.Now(),
		TextClean:       extraction.TextClean,
		Summary:         extraction.Summary,
		Topics:          extraction.Topics,
		Entities:        extraction.Entities,
		Language:        extraction.Language,
		Metadata: model.ProcessedMetadata{
			PipelineVersion: e.pipelineVersion,
			ModelID:         e.llm.ModelID(),
			PromptID:        prompt.ID(),
			PromptName:      string(prompt.Name),
			Parameters: map[string]any{
				"temperature": params.Temperature,
				"max_tokens":  params.MaxTokens,
				"json_mode":   params.JSONMode,
			},
		},
	}

	if err := e.db.Processed.UpsertProcessed(ctx, doc); err != nil {
		return fmt.Errorf("process: upsert %s: %w", sourceRef, err)
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, sourceRef, channelID string, genErr error) error {
	class, message, attempts := classifyFailure(genErr)
	failure := model.ProcessingFailure{
		SourceRef:     sourceRef,
		ChannelID:     channelID,
		Attempts:      attempts,
		LastAttemptAt: time.Now(),
		ErrorClass:    class,
		ErrorMessage:  message,
	}
	if err := e.db.Processed.RecordFailure(ctx, failure); err != nil {
		return fmt.Errorf("process: record failure %s: %w", sourceRef, err)
	}
	return genErr
}

// classifyFailure extracts the error class/message/attempt-count from
// a retry.Run failure for ProcessingFailure bookkeeping. Non-retryable
// (fatal) classes are recorded with attempts=1 per spec §4.4 "Non-
// retryable classes... record failure immediately with attempts = 1".
func classifyFailure(err error) (class, message string, attempts int) {
	var exhausted *retry.Exhausted
	if as(err, &exhausted) {
		return exhausted.Class, exhausted.Message, exhausted.Attempts
	}
	var fatal *retry.FatalError
	if as(err, &fatal) {
		return fatal.Class, fatal.Message, 1
	}
	return "unknown", err.Error(), 1
}

type extractedFields struct {
	TextClean string          `json:"text_clean"`
	Summary   string          `json:"summary"`
	Topics    []string        `json:"topics"`
	Entities  []model.Entity  `json:"entities"`
	Language  string          `json:"language"`
}

var processJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func parseExtraction(raw string) (extractedFields, error) {
	var fields extractedFields
	if err := processJSON.Unmarshal([]byte(raw), &fields); err != nil {
		return extractedFields{}, fmt.Errorf("process: parse LLM response: %w", err)
	}
	if fields.TextClean == "" {
		return extractedFields{}, fmt.Errorf("process: response missing required non-empty text_clean")
	}
	if fields.Topics == nil {
		fields.Topics = []string{}
	}
	if fields.Entities == nil {
		fields.Entities = []model.Entity{}
	}
	return fields, nil
}
