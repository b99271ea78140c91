// Package ingest implements the ingestion engine state machine
// described in spec.md §4.3: Idle -> Fetching -> Writing ->
// CursorAdvance -> Idle, with Error/Backoff as the fatal/rate-limited
// exits. One call to Engine.Ingest drives exactly one source through
// one pass of that machine.
package ingest

import (
	"context"
	"fmt"
	"time"

	"chronicle/pkg/chatclient"
	"chronicle/pkg/identity"
	"chronicle/pkg/idgen"
	"chronicle/pkg/model"
	"chronicle/pkg/retry"
	"chronicle/pkg/store"
)

// Engine drives the ingestion state machine against a shared store and
// a registry of chat-source collaborators.
type Engine struct {
	db       *store.DB
	chats    *chatclient.Registry
	policy   retry.Policy
	// defaultBatchSize is used when a SourceState has no batch_size set.
	defaultBatchSize int
}

// New builds an Engine. maxAttempts/baseDelay bound the retry policy
// applied to every chat-protocol fetch (spec §4.3 "Error classification").
func New(db *store.DB, chats *chatclient.Registry, maxAttempts int, baseDelay time.Duration, defaultBatchSize int) *Engine {
	return &Engine{
		db:               db,
		chats:            chats,
		policy:           retry.Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay},
		defaultBatchSize: defaultBatchSize,
	}
}

// Result summarizes one Ingest call for CLI reporting and tests.
type Result struct {
	Skipped         bool
	SkipReason      string
	PostsFetched    int
	PostsWritten    int
	CommentsWritten int
	BackfillDone    bool
	RateLimited     bool
	SourceErrored   bool
}

// Ingest runs one pass of ingest(source_id) (spec §4.3).
func (e *Engine) Ingest(ctx context.Context, sourceID string) (Result, error) {
	st, err := e.db.Ingestion.LoadSource(ctx, sourceID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: load source %q: %w", sourceID, err)
	}
	if st == nil {
		return Result{}, fmt.Errorf("ingest: unknown source %q", sourceID)
	}

	if st.Status != model.SourceStatusActive {
		return Result{Skipped: true, SkipReason: "status=" + string(st.Status)}, nil
	}
	now := time.Now()
	if st.RateLimitUntil != nil && now.Before(*st.RateLimitUntil) {
		return Result{Skipped: true, SkipReason: "rate_limited_until"}, nil
	}

	client, ok := e.chats.Get(st.Platform)
	if !ok {
		errMsg := fmt.Sprintf("unknown platform %q", st.Platform)
		e.failSource(ctx, st, errMsg)
		return Result{SourceErrored: true}, fmt.Errorf("ingest: %s", errMsg)
	}

	backfilling := st.BackfillCompletedAt == nil && st.HistoryFrom != nil
	batchSize := st.BatchSize
	if batchSize <= 0 {
		batchSize = e.defaultBatchSize
	}

	var res Result
	posts, err := e.fetchPostsRetrying(ctx, client, st, batchSize)
	if err != nil {
		return e.handleFetchError(ctx, st, res, err)
	}
	res.PostsFetched = len(posts)

	if backfilling {
		posts = filterByWindow(posts, st.HistoryFrom, st.HistoryTo)
	}

	for _, p := range posts {
		sourceRef, err := identity.CanonicalRef(p.ChannelID, identity.MessageTypePost, p.MessageID)
		if err != nil {
			return res, fmt.Errorf("ingest: canonical_ref: %w", err)
		}
		raw := p.ToRawMessage(sourceRef)
		attempt := model.SourceAttempt{ID: idgen.New(), SourceID: sourceID, AttemptedAt: time.Now()}

		outcome, err := e.db.CommitPost(ctx, raw, p.MessageID, attempt)
		if err != nil {
			// Atomicity invariant: CommitPost's own transaction already
			// rolled back, so last_post_id still names the last committed
			// post. Stop this batch; the next run re-fetches from there.
			return res, fmt.Errorf("ingest: commit post %s: %w", sourceRef, err)
		}
		res.PostsWritten++

		if st.IncludeComments && !st.CommentsUnavailable && outcome == store.RawInserted {
			written, unavailable, cerr := e.ingestComments(ctx, client, st, p.ChannelID, p.MessageID)
			res.CommentsWritten += written
			if unavailable {
				st.CommentsUnavailable = true
				if uerr := e.db.Ingestion.UpdateSource(ctx, sourceID, store.SourcePatch{
					CommentsUnavailable: boolPtr(true),
				}); uerr != nil {
					return res, fmt.Errorf("ingest: mark comments_unavailable: %w", uerr)
				}
			} else if cerr != nil {
				return res, fmt.Errorf("ingest: ingest comments for %s: %w", sourceRef, cerr)
			}
		}
	}

	patch := store.SourcePatch{LastAttemptAt: timePtr(time.Now())}
	if len(posts) > 0 {
		patch.LastSuccessAt = timePtr(time.Now())
	}
	if backfilling && windowExhausted(posts, batchSize, st.HistoryTo) {
		patch.BackfillCompletedAt = timePtr(time.Now())
		res.BackfillDone = true
	}
	if err := e.db.Ingestion.UpdateSource(ctx, sourceID, patch); err != nil {
		return res, fmt.Errorf("ingest: update source bookkeeping: %w", err)
	}

	return res, nil
}

func (e *Engine) ingestComments(ctx context.Context, client chatclient.ChatClient, st *model.SourceState, channelID, threadID string) (written int, unavailable bool, err error) {
	cursor, err := e.db.Ingestion.LoadCommentCursor(ctx, st.SourceID, threadID)
	if err != nil {
		return 0, false, err
	}
	sinceID := ""
	if cursor != nil {
		sinceID = cursor.LastCommentID
	}

	comments, err := e.fetchCommentsRetrying(ctx, client, st, channelID, threadID, sinceID)
	if err != nil {
		if isFatalChatErr(err) {
			return 0, true, nil
		}
		return 0, false, err
	}

	for _, c := range comments {
		sourceRef, refErr := identity.CanonicalRef(c.ChannelID, identity.MessageTypeComment, c.MessageID)
		if refErr != nil {
			return written, false, refErr
		}
		raw := c.ToRawMessage(sourceRef)
		attempt := model.SourceAttempt{ID: idgen.New(), SourceID: st.SourceID, AttemptedAt: time.Now()}

		_, err := e.db.CommitComment(ctx, raw, threadID, c.MessageID, attempt)
		if err != nil {
			return written, false, fmt.Errorf("commit comment %s: %w", sourceRef, err)
		}
		written++
	}
	return written, false, nil
}

func (e *Engine) fetchPostsRetrying(ctx context.Context, client chatclient.ChatClient, st *model.SourceState, limit int) ([]chatclient.RawPostObservation, error) {
	return retry.Run(ctx, e.policy, func(ctx context.Context, attemptNum int) retry.Result[[]chatclient.RawPostObservation] {
		posts, err := client.FetchPosts(ctx, st.ChannelID, st.LastPostID, "", limit)
		if err == nil {
			return retry.Ok(posts)
		}
		return classifyChatErr[[]chatclient.RawPostObservation](err)
	})
}

func (e *Engine) fetchCommentsRetrying(ctx context.Context, client chatclient.ChatClient, st *model.SourceState, channelID, threadID, sinceID string) ([]chatclient.RawCommentObservation, error) {
	limit := st.BatchSize
	if limit <= 0 {
		limit = e.defaultBatchSize
	}
	return retry.Run(ctx, e.policy, func(ctx context.Context, attemptNum int) retry.Result[[]chatclient.RawCommentObservation] {
		comments, err := client.FetchComments(ctx, channelID, threadID, sinceID, limit)
		if err == nil {
			return retry.Ok(comments)
		}
		return classifyChatErr[[]chatclient.RawCommentObservation](err)
	})
}

// handleFetchError applies spec §4.3's error classification to a fetch
// that exhausted retries or failed fatally: rate limits set
// rate_limit_until and return; non-retryable errors set status=error.
func (e *Engine) handleFetchError(ctx context.Context, st *model.SourceState, res Result, err error) (Result, error) {
	var rlErr *chatclient.ClientError
	if asClientError(err, &rlErr) && rlErr.Class == chatclient.ErrRateLimited {
		until := time.Now().Add(time.Minute)
		if rlErr.ResetAt != nil {
			until = *rlErr.ResetAt
		}
		res.RateLimited = true
		uerr := e.db.Ingestion.UpdateSource(ctx, st.SourceID, store.SourcePatch{
			RateLimitUntil: &until,
			LastAttemptAt:  timePtr(time.Now()),
		})
		return res, uerr
	}

	var fatalErr *retry.FatalError
	if asFatal(err, &fatalErr) {
		e.failSource(ctx, st, fatalErr.Message)
		res.SourceErrored = true
		return res, err
	}

	// Retries exhausted on a transient class: leave status=active so the
	// next scheduled run tries again, but record the failed attempt.
	_ = e.db.RecordFailedAttempt(ctx, model.SourceAttempt{
		ID: idgen.New(), SourceID: st.SourceID, AttemptedAt: time.Now(),
		ErrorClass: "retryable_exhausted", Message: err.Error(),
	})
	return res, err
}

func (e *Engine) failSource(ctx context.Context, st *model.SourceState, message string) {
	errored := model.SourceStatusError
	_ = e.db.Ingestion.UpdateSource(ctx, st.SourceID, store.SourcePatch{
		Status:        &errored,
		LastError:     &message,
		LastAttemptAt: timePtr(time.Now()),
	})
	_ = e.db.RecordFailedAttempt(ctx, model.SourceAttempt{
		ID: idgen.New(), SourceID: st.SourceID, AttemptedAt: time.Now(),
		ErrorClass: "fatal", Message: message,
	})
}

func filterByWindow(posts []chatclient.RawPostObservation, from, to *time.Time) []chatclient.RawPostObservation {
	if from == nil && to == nil {
		return posts
	}
	out := posts[:0:0]
	for _, p := range posts {
		if from != nil && p.Date.Before(*from) {
			continue
		}
		if to != nil && p.Date.After(*to) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// windowExhausted approximates spec §4.3's "when the backfill window is
// fully consumed": the fetch returned fewer posts than the batch cap
// (no more history to pull), or the last post already reached the
// window's upper bound.
func windowExhausted(posts []chatclient.RawPostObservation, batchSize int, to *time.Time) bool {
	if len(posts) < batchSize {
		return true
	}
	if to == nil {
		return false
	}
	last := posts[len(posts)-1]
	return !last.Date.Before(*to)
}

func timePtr(t time.Time) *time.Time { return &t }
func boolPtr(b bool) *bool           { return &b }
