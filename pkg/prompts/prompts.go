// Package prompts holds the fixed system/user template pairs the
// processing and topicization engines send to an LLMClient, keyed by a
// stable name, with a prompt_id cached per spec §9's instruction to
// promote "module-level prompt constants" into a versioned registry.
package prompts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Name identifies one registered prompt pair.
type Name string

const (
	// Processing extracts text_clean/topics/entities/summary/language
	// from one raw message (spec §4.4 step 1).
	Processing Name = "processing_extract_v1"
	// Topicize proposes topic cards from a batch of processed
	// candidates (spec §4.5 step 2).
	Topicize Name = "topicize_propose_v1"
	// SupportingItems selects supporting (non-anchor) items for one
	// already-accepted topic (spec §4.5 step 6).
	SupportingItems Name = "topicize_supporting_items_v1"
)

// Prompt is one versioned system/user template pair plus its cached id.
type Prompt struct {
	Name         Name
	System       string
	UserTemplate string

	idOnce sync.Once
	id     string
}

// ID returns this prompt's prompt_id, computing and caching it on first
// use: sha256(system + "\n---\n" + user_template), truncated to a
// 16-hex-digit prefix, formatted as "sha256:<hex16>" (spec §4.4 step 2,
// §6 compute_prompt_id).
func (p *Prompt) ID() string {
	p.idOnce.Do(func() {
		sum := sha256.Sum256([]byte(p.System + "\n---\n" + p.UserTemplate))
		p.id = "sha256:" + hex.EncodeToString(sum[:])[:16]
	})
	return p.id
}

// Render substitutes the user template's single "{{text}}" placeholder.
// Processing/SupportingItems/Topicize all use one placeholder each;
// a richer templating engine is unnecessary for this fixed set.
func (p *Prompt) Render(text string) string {
	return renderTemplate(p.UserTemplate, text)
}

func renderTemplate(tmpl, text string) string {
	const placeholder = "{{text}}"
	out := make([]byte, 0, len(tmpl)+len(text))
	for {
		idx := indexOf(tmpl, placeholder)
		if idx < 0 {
			out = append(out, tmpl...)
			break
		}
		out = append(out, tmpl[:idx]...)
		out = append(out, text...)
		tmpl = tmpl[idx+len(placeholder):]
	}
	return string(out)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

var registry = map[Name]*Prompt{
	Processing: {
		Name:   Processing,
		System: processingSystemPrompt,
		UserTemplate: "Message text:\n{{text}}\n\n" +
			"Return a JSON object with fields: text_clean (string, required, non-empty), " +
			"summary (string or null), topics (array of string), entities " +
			"(array of {type, value, confidence}), language (string or null).",
	},
	Topicize: {
		Name:   Topicize,
		System: topicizeSystemPrompt,
		UserTemplate: "Candidate documents (JSON array of {source_ref, text_clean, summary, topics}):\n{{text}}\n\n" +
			"Propose topics as a JSON object with field \"topics\": array of " +
			"{title, summary, scope_in, scope_out, type, anchors: [{channel_id, message_id, message_type, anchor_ref, score}]}.",
	},
	SupportingItems: {
		Name:   SupportingItems,
		System: supportingItemsSystemPrompt,
		UserTemplate: "Topic context and remaining candidates (JSON object with \"topic\" and \"candidates\"):\n{{text}}\n\n" +
			"Return a JSON object with field \"items\": array of " +
			"{source_ref, channel_id, message_id, message_type, score, justification}.",
	},
}

const processingSystemPrompt = `You extract structured metadata from a single chat message.
Always respond with a single JSON object and nothing else.
Never fabricate information not present in the message text.
text_clean must be non-empty; prefer the original text with only
formatting artifacts stripped.`

const topicizeSystemPrompt = `You group a batch of processed chat messages into topics.
Always respond with a single JSON object and nothing else.
A topic is either a singleton (exactly one strongly on-topic anchor
message) or a cluster (two or more related anchor messages).
Score each anchor in [0, 1] by how confidently it represents the topic.
Do not invent anchors that are not in the candidate list.`

const supportingItemsSystemPrompt = `You select supporting evidence for an
already-accepted topic from a pool of remaining candidate messages.
Always respond with a single JSON object and nothing else.
Score each candidate in [0, 1] by relevance to the topic; only include
candidates you believe genuinely relate to the topic's scope.`

// Get returns the registered prompt for name. It panics on an unknown
// name since the registry is a fixed, compile-time-known set — an
// unknown name is a programming error, not a runtime condition.
func Get(name Name) *Prompt {
	p, ok := registry[name]
	if !ok {
		panic(fmt.Sprintf("prompts: unknown prompt name %q", name))
	}
	return p
}
