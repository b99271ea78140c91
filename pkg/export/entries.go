package export

import (
	"strings"
	"time"

	"chronicle/pkg/identity"
	"chronicle/pkg/model"
)

// MessageEntry builds the export-only KB entry for one processed
// document (spec §4.5 "Message entry mapping").
func MessageEntry(doc model.ProcessedDocument, channelUsername string) model.KnowledgeBaseEntry {
	content := doc.TextClean
	if doc.Summary != "" {
		content = doc.Summary + "\n\n" + doc.TextClean
	}

	entry := model.KnowledgeBaseEntry{
		ID:        identity.KBMsgID(doc.SourceRef),
		Source:    model.KBSourceDescriptor{Type: model.KBSourceTypeMessage},
		CreatedAt: doc.ProcessedAt,
		Title:     "Message " + doc.SourceMessageID,
		Content:   content,
		Topics:    doc.Topics,
	}
	if url := TelegramURL(channelUsername, doc.ChannelID, doc.SourceMessageID); url != nil {
		entry.Metadata = map[string]any{"telegram_url": *url}
	}
	return entry
}

// TopicEntry builds the export-only KB entry for one topic card (spec
// §4.5 "Topic entry mapping").
func TopicEntry(card model.TopicCard, resolvedSources []model.ResolvedSource) model.KnowledgeBaseEntry {
	content := card.Summary + "\n\n**Scope In:** " + strings.Join(card.ScopeIn, ", ") +
		"\n**Scope Out:** " + strings.Join(card.ScopeOut, ", ")

	return model.KnowledgeBaseEntry{
		ID:        identity.KBTopicID(card.ID),
		Source:    model.KBSourceDescriptor{Type: model.KBSourceTypeTopic},
		CreatedAt: card.UpdatedAt,
		Title:     card.Title,
		Content:   content,
		Topics:    []string{card.ID},
		Tags:      card.Tags,
		Metadata:  map[string]any{"resolved_sources": resolvedSources},
	}
}

// TopicDetail is the per-topic artifact body (spec §4.5 "topic_<id>.json").
type TopicDetail struct {
	TopicCard       model.TopicCard        `json:"topic_card"`
	TopicBundle     model.TopicBundle      `json:"topic_bundle"`
	ResolvedSources []model.ResolvedSource `json:"resolved_sources"`
	ExportedAt      time.Time              `json:"exported_at"`
	ExportVersion   string                 `json:"export_version"`
}

// TopicDetailFilename returns "topic_<id>.json" with ':' replaced by
// '_' in id, per spec §4.5's filename rule.
func TopicDetailFilename(topicID string) string {
	return "topic_" + strings.ReplaceAll(topicID, ":", "_") + ".json"
}
