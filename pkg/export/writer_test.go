package export_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/export"
	"chronicle/pkg/model"
	"chronicle/pkg/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWriteAllProducesThreeArtifactKinds(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.Ingestion.RegisterSource(ctx, model.SourceState{
		SourceID: "demo", Platform: "telegram", ChannelID: "demo", ChannelUsername: "durov",
		Status: model.SourceStatusActive, BatchSize: 10, PollIntervalSeconds: 60,
	}))

	require.NoError(t, db.Processed.UpsertProcessed(ctx, model.ProcessedDocument{
		SourceRef: "tg:demo:post:1", ID: "doc:tg:demo:post:1", SourceMessageID: "1",
		ChannelID: "demo", ProcessedAt: time.Now(), TextClean: "hello",
		Topics: []string{}, Entities: []model.Entity{},
	}))

	require.NoError(t, db.Processed.UpsertTopicCard(ctx, model.TopicCard{
		ID: "topic:tg:demo:post:1", Title: "Greeting", Summary: "A greeting topic",
		Type: model.TopicTypeSingleton, UpdatedAt: time.Now(),
		Anchors: []model.Anchor{{ChannelID: "demo", MessageID: "1", MessageType: model.MessageTypePost, AnchorRef: "tg:demo:post:1", Score: 0.9}},
	}))
	require.NoError(t, db.Processed.UpsertTopicBundle(ctx, model.TopicBundle{
		TopicID: "topic:tg:demo:post:1", UpdatedAt: time.Now(),
		Items: []model.BundleItem{{ChannelID: "demo", MessageID: "1", MessageType: model.MessageTypePost, SourceRef: "tg:demo:post:1", Role: model.BundleRoleAnchor, Score: 0.9}},
	}))

	outDir := t.TempDir()
	w := export.New(db, "v1")
	res, err := w.WriteAll(ctx, outDir)
	require.NoError(t, err)
	require.Equal(t, 1, res.MessageEntries)
	require.Equal(t, 1, res.TopicEntries)

	ndjson, err := os.ReadFile(filepath.Join(outDir, "kb_entries.ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(ndjson), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"kb:msg:tg:demo:post:1"`)
	require.Contains(t, lines[1], `"kb:topic:topic:tg:demo:post:1"`)
	require.False(t, strings.HasSuffix(string(ndjson), "\n\n"))

	topicsJSON, err := os.ReadFile(filepath.Join(outDir, "topics.json"))
	require.NoError(t, err)
	require.Contains(t, string(topicsJSON), `"topic:tg:demo:post:1"`)

	detail, err := os.ReadFile(filepath.Join(outDir, "topic_topic_tg_demo_post_1.json"))
	require.NoError(t, err)
	require.Contains(t, string(detail), `"export_version":"v1"`)
	require.Contains(t, string(detail), `"resolved_sources"`)
}

func TestWriteAllIsEmptyWhenNoData(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	outDir := t.TempDir()

	w := export.New(db, "v1")
	res, err := w.WriteAll(ctx, outDir)
	require.NoError(t, err)
	require.Equal(t, 0, res.MessageEntries)
	require.Equal(t, 0, res.TopicEntries)

	body, err := os.ReadFile(filepath.Join(outDir, "kb_entries.ndjson"))
	require.NoError(t, err)
	require.Empty(t, body)
}
