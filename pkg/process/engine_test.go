package process_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/llmclient"
	"chronicle/pkg/model"
	"chronicle/pkg/process"
	"chronicle/pkg/store"
)

type stubLLM struct {
	responses []string
	errs      []error
	calls     int
}

func (s *stubLLM) Generate(ctx context.Context, system, user string, params llmclient.Params) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return s.responses[len(s.responses)-1], nil
}

func (s *stubLLM) ModelID() string { return "stub-model" }

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedRaw(t *testing.T, db *store.DB, sourceRef, channelID, messageID, text string) {
	t.Helper()
	_, err := db.Raw.Upsert(context.Background(), model.RawMessage{
		SourceRef: sourceRef, MessageID: messageID, MessageType: model.MessageTypePost,
		ChannelID: channelID, Date: time.Now(), Text: text,
	})
	require.NoError(t, err)
}

func TestProcessHappyPath(t *testing.T) {
	db := openTestDB(t)
	seedRaw(t, db, "tg:demo:post:1", "demo", "1", "hello")

	llm := &stubLLM{responses: []string{`{"text_clean":"hello","language":"en"}`}}
	e := process.New(db, llm, 3, time.Millisecond, 512, "v1")

	res, err := e.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 0, res.Failed)

	doc, err := db.Processed.GetProcessed(context.Background(), "tg:demo:post:1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "hello", doc.TextClean)
	require.Equal(t, "doc:tg:demo:post:1", doc.ID)
	require.Equal(t, "stub-model", doc.Metadata.ModelID)
	require.NotEmpty(t, doc.Metadata.PromptID)

	failure, err := db.Processed.GetFailure(context.Background(), "tg:demo:post:1")
	require.NoError(t, err)
	require.Nil(t, failure)
}

func TestProcessExhaustsRetriesThenRecoversOnNextRun(t *testing.T) {
	db := openTestDB(t)
	seedRaw(t, db, "tg:demo:post:2", "demo", "2", "world")

	retryableErr := llmclient.Retryable("5xx", errors.New("server error"))
	llm := &stubLLM{errs: []error{retryableErr, retryableErr, retryableErr}}
	e := process.New(db, llm, 3, time.Millisecond, 512, "v1")

	res, err := e.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 0, res.Processed)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 3, llm.calls)

	doc, err := db.Processed.GetProcessed(context.Background(), "tg:demo:post:2")
	require.NoError(t, err)
	require.Nil(t, doc)

	failure, err := db.Processed.GetFailure(context.Background(), "tg:demo:post:2")
	require.NoError(t, err)
	require.NotNil(t, failure)
	require.Equal(t, 3, failure.Attempts)

	// Next run: stub now returns valid JSON.
	llm2 := &stubLLM{responses: []string{`{"text_clean":"world"}`}}
	e2 := process.New(db, llm2, 3, time.Millisecond, 512, "v1")
	res2, err := e2.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, res2.Processed)

	doc2, err := db.Processed.GetProcessed(context.Background(), "tg:demo:post:2")
	require.NoError(t, err)
	require.NotNil(t, doc2)

	failure2, err := db.Processed.GetFailure(context.Background(), "tg:demo:post:2")
	require.NoError(t, err)
	require.Nil(t, failure2)
}

func TestProcessFatalErrorRecordsFailureWithOneAttempt(t *testing.T) {
	db := openTestDB(t)
	seedRaw(t, db, "tg:demo:post:3", "demo", "3", "bad key")

	llm := &stubLLM{errs: []error{llmclient.Fatal("invalid api key", nil)}}
	e := process.New(db, llm, 3, time.Millisecond, 512, "v1")

	res, err := e.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, llm.calls)

	failure, err := db.Processed.GetFailure(context.Background(), "tg:demo:post:3")
	require.NoError(t, err)
	require.NotNil(t, failure)
	require.Equal(t, 1, failure.Attempts)
}

func TestProcessMissingTextCleanIsRetried(t *testing.T) {
	db := openTestDB(t)
	seedRaw(t, db, "tg:demo:post:4", "demo", "4", "oops")

	llm := &stubLLM{responses: []string{`{"text_clean":""}`, `{"text_clean":""}`, `{"text_clean":"fixed"}`}}
	e := process.New(db, llm, 3, time.Millisecond, 512, "v1")

	res, err := e.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	doc, err := db.Processed.GetProcessed(context.Background(), "tg:demo:post:4")
	require.NoError(t, err)
	require.Equal(t, "fixed", doc.TextClean)
}

func TestProcessScopesToChannel(t *testing.T) {
	db := openTestDB(t)
	seedRaw(t, db, "tg:chanA:post:1", "chanA", "1", "a")
	seedRaw(t, db, "tg:chanB:post:1", "chanB", "1", "b")

	llm := &stubLLM{responses: []string{`{"text_clean":"ok"}`}}
	e := process.New(db, llm, 3, time.Millisecond, 512, "v1")

	res, err := e.Run(context.Background(), "chanA")
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	docB, err := db.Processed.GetProcessed(context.Background(), "tg:chanB:post:1")
	require.NoError(t, err)
	require.Nil(t, docB)
}
