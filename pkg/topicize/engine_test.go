package topicize_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/llmclient"
	"chronicle/pkg/model"
	"chronicle/pkg/store"
	"chronicle/pkg/topicize"
)

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Generate(ctx context.Context, system, user string, params llmclient.Params) (string, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		return `{"items":[]}`, nil
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) ModelID() string { return "stub-model" }

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedProcessed(t *testing.T, db *store.DB, sourceRef, channelID, messageID, text string) {
	t.Helper()
	err := db.Processed.UpsertProcessed(context.Background(), model.ProcessedDocument{
		SourceRef:       sourceRef,
		ID:              "doc:" + sourceRef,
		SourceMessageID: messageID,
		ChannelID:       channelID,
		ProcessedAt:     time.Now(),
		TextClean:       text,
		Topics:          []string{},
		Entities:        []model.Entity{},
	})
	require.NoError(t, err)
}

func defaultThresholds() topicize.Thresholds {
	return topicize.Thresholds{
		AnchorCap:                3,
		SingletonScoreThreshold:  0.75,
		SingletonMinTextLength:   300,
		ClusterScoreThreshold:    0.6,
		SupportingScoreThreshold: 0.5,
	}
}

// TestTopicizeDeterministicClusterID covers scenario E5: three
// processed documents with source_ref endings post:3, post:1, post:2
// and anchors scored 0.9, 0.9, 0.8 respectively. Expect topic_id
// derived from post:1 (tie broken lexicographically) and anchors
// ordered [post:1, post:3, post:2].
func TestTopicizeDeterministicClusterID(t *testing.T) {
	db := openTestDB(t)
	long := strings.Repeat("x", 400)
	seedProcessed(t, db, "tg:demo:post:3", "demo", "3", long)
	seedProcessed(t, db, "tg:demo:post:1", "demo", "1", long)
	seedProcessed(t, db, "tg:demo:post:2", "demo", "2", long)

	proposal := `{"topics":[{"title":"t","summary":"s","scope_in":[],"scope_out":[],"type":"cluster","anchors":[` +
		`{"channel_id":"demo","message_id":"3","message_type":"post","anchor_ref":"tg:demo:post:3","score":0.9},` +
		`{"channel_id":"demo","message_id":"1","message_type":"post","anchor_ref":"tg:demo:post:1","score":0.9},` +
		`{"channel_id":"demo","message_id":"2","message_type":"post","anchor_ref":"tg:demo:post:2","score":0.8}` +
		`]}]}`
	llm := &scriptedLLM{responses: []string{proposal, `{"items":[]}`}}

	e := topicize.New(db, llm, 3, time.Millisecond, 1024, defaultThresholds())
	res, err := e.Run(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, 1, res.TopicsAccepted)
	require.Equal(t, 0, res.TopicsRejected)

	card, err := db.Processed.GetTopicCard(context.Background(), "topic:tg:demo:post:1")
	require.NoError(t, err)
	require.NotNil(t, card)
	require.Len(t, card.Anchors, 3)
	require.Equal(t, "tg:demo:post:1", card.Anchors[0].AnchorRef)
	require.Equal(t, "tg:demo:post:3", card.Anchors[1].AnchorRef)
	require.Equal(t, "tg:demo:post:2", card.Anchors[2].AnchorRef)

	bundle, err := db.Processed.GetCurrentTopicBundle(context.Background(), "topic:tg:demo:post:1")
	require.NoError(t, err)
	require.NotNil(t, bundle)
	require.Len(t, bundle.Items, 3)
	for _, it := range bundle.Items {
		require.Equal(t, model.BundleRoleAnchor, it.Role)
	}
}

func TestTopicizeRejectsLowScoreCluster(t *testing.T) {
	db := openTestDB(t)
	seedProcessed(t, db, "tg:demo:post:1", "demo", "1", "short text")
	seedProcessed(t, db, "tg:demo:post:2", "demo", "2", "short text")

	proposal := `{"topics":[{"title":"t","summary":"s","scope_in":[],"scope_out":[],"type":"cluster","anchors":[` +
		`{"channel_id":"demo","message_id":"1","message_type":"post","anchor_ref":"tg:demo:post:1","score":0.5},` +
		`{"channel_id":"demo","message_id":"2","message_type":"post","anchor_ref":"tg:demo:post:2","score":0.5}` +
		`]}]}`
	llm := &scriptedLLM{responses: []string{proposal}}

	e := topicize.New(db, llm, 3, time.Millisecond, 1024, defaultThresholds())
	res, err := e.Run(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, 0, res.TopicsAccepted)
	require.Equal(t, 1, res.TopicsRejected)
}

func TestTopicizeSingletonRequiresLengthAndScore(t *testing.T) {
	db := openTestDB(t)
	seedProcessed(t, db, "tg:demo:post:1", "demo", "1", "too short")

	proposal := `{"topics":[{"title":"t","summary":"s","scope_in":[],"scope_out":[],"type":"singleton","anchors":[` +
		`{"channel_id":"demo","message_id":"1","message_type":"post","anchor_ref":"tg:demo:post:1","score":0.9}` +
		`]}]}`
	llm := &scriptedLLM{responses: []string{proposal}}

	e := topicize.New(db, llm, 3, time.Millisecond, 1024, defaultThresholds())
	res, err := e.Run(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, 0, res.TopicsAccepted)
	require.Equal(t, 1, res.TopicsRejected)
}

func TestTopicizeSingletonAcceptedWithLongText(t *testing.T) {
	db := openTestDB(t)
	long := strings.Repeat("y", 300)
	seedProcessed(t, db, "tg:demo:post:1", "demo", "1", long)
	seedProcessed(t, db, "tg:demo:post:2", "demo", "2", "other message")

	proposal := `{"topics":[{"title":"t","summary":"s","scope_in":[],"scope_out":[],"type":"singleton","anchors":[` +
		`{"channel_id":"demo","message_id":"1","message_type":"post","anchor_ref":"tg:demo:post:1","score":0.8}` +
		`]}]}`
	supporting := `{"items":[{"source_ref":"tg:demo:post:2","channel_id":"demo","message_id":"2","message_type":"post","score":0.6,"justification":"related"}]}`
	llm := &scriptedLLM{responses: []string{proposal, supporting}}

	e := topicize.New(db, llm, 3, time.Millisecond, 1024, defaultThresholds())
	res, err := e.Run(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, 1, res.TopicsAccepted)

	bundle, err := db.Processed.GetCurrentTopicBundle(context.Background(), "topic:tg:demo:post:1")
	require.NoError(t, err)
	require.Len(t, bundle.Items, 2)
	require.Equal(t, model.BundleRoleAnchor, bundle.Items[0].Role)
	require.Equal(t, "tg:demo:post:1", bundle.Items[0].SourceRef)
	require.Equal(t, model.BundleRoleSupporting, bundle.Items[1].Role)
	require.Equal(t, "tg:demo:post:2", bundle.Items[1].SourceRef)
}

func TestTopicizeSupportingItemsBelowThresholdExcluded(t *testing.T) {
	db := openTestDB(t)
	long := strings.Repeat("z", 300)
	seedProcessed(t, db, "tg:demo:post:1", "demo", "1", long)
	seedProcessed(t, db, "tg:demo:post:2", "demo", "2", "other message")

	proposal := `{"topics":[{"title":"t","summary":"s","scope_in":[],"scope_out":[],"type":"singleton","anchors":[` +
		`{"channel_id":"demo","message_id":"1","message_type":"post","anchor_ref":"tg:demo:post:1","score":0.8}` +
		`]}]}`
	supporting := `{"items":[{"source_ref":"tg:demo:post:2","channel_id":"demo","message_id":"2","message_type":"post","score":0.2,"justification":"weak"}]}`
	llm := &scriptedLLM{responses: []string{proposal, supporting}}

	e := topicize.New(db, llm, 3, time.Millisecond, 1024, defaultThresholds())
	res, err := e.Run(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, 1, res.TopicsAccepted)

	bundle, err := db.Processed.GetCurrentTopicBundle(context.Background(), "topic:tg:demo:post:1")
	require.NoError(t, err)
	require.Len(t, bundle.Items, 1)
}

func TestTopicizeNoCandidatesIsNoop(t *testing.T) {
	db := openTestDB(t)
	llm := &scriptedLLM{}
	e := topicize.New(db, llm, 3, time.Millisecond, 1024, defaultThresholds())

	res, err := e.Run(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, topicize.Result{}, res)
	require.Equal(t, 0, llm.calls)
}
