package export_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/export"
	"chronicle/pkg/model"
)

func TestMessageEntryWithSummary(t *testing.T) {
	doc := model.ProcessedDocument{
		SourceRef:       "tg:demo:post:1",
		SourceMessageID: "1",
		ChannelID:       "demo",
		ProcessedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		TextClean:       "hello world",
		Summary:         "greeting",
		Topics:          []string{"greetings"},
	}

	entry := export.MessageEntry(doc, "durov")
	require.Equal(t, "kb:msg:tg:demo:post:1", entry.ID)
	require.Equal(t, model.KBSourceTypeMessage, entry.Source.Type)
	require.Equal(t, "Message 1", entry.Title)
	require.Equal(t, "greeting\n\nhello world", entry.Content)
	require.Equal(t, []string{"greetings"}, entry.Topics)
	require.Equal(t, "https://t.me/durov/1", entry.Metadata["telegram_url"])
}

func TestMessageEntryWithoutSummaryOrResolvableURL(t *testing.T) {
	doc := model.ProcessedDocument{
		SourceRef:       "tg:-42:post:1",
		SourceMessageID: "1",
		ChannelID:       "-42",
		ProcessedAt:     time.Now(),
		TextClean:       "hello world",
	}

	entry := export.MessageEntry(doc, "")
	require.Equal(t, "hello world", entry.Content)
	require.Nil(t, entry.Metadata)
}

func TestTopicEntryMapping(t *testing.T) {
	card := model.TopicCard{
		ID:        "topic:tg:demo:post:1",
		Title:     "Outage discussion",
		Summary:   "Users reported an outage.",
		ScopeIn:   []string{"outage", "incident"},
		ScopeOut:  []string{"billing"},
		UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Tags:      []string{"ops"},
	}
	resolved := []model.ResolvedSource{
		{SourceRef: "tg:demo:post:1", Role: model.BundleRoleAnchor, Score: 0.9},
	}

	entry := export.TopicEntry(card, resolved)
	require.Equal(t, "kb:topic:topic:tg:demo:post:1", entry.ID)
	require.Equal(t, model.KBSourceTypeTopic, entry.Source.Type)
	require.Equal(t, "Outage discussion", entry.Title)
	require.Equal(t, "Users reported an outage.\n\n**Scope In:** outage, incident\n**Scope Out:** billing", entry.Content)
	require.Equal(t, []string{"topic:tg:demo:post:1"}, entry.Topics)
	require.Equal(t, []string{"ops"}, entry.Tags)
	require.Equal(t, resolved, entry.Metadata["resolved_sources"])
}

func TestTopicDetailFilenameReplacesColons(t *testing.T) {
	require.Equal(t, "topic_topic_tg_demo_post_1.json", export.TopicDetailFilename("topic:tg:demo:post:1"))
}
