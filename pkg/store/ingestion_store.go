package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chronicle/pkg/model"
)

// IngestionStateStore is the durable store for SourceState,
// CommentCursor, and the append-only SourceAttempt log (spec §3, §4.2).
type IngestionStateStore struct {
	db *DB
}

// LoadSource returns the current SourceState, or nil if source_id is
// unknown.
func (s *IngestionStateStore) LoadSource(ctx context.Context, sourceID string) (*model.SourceState, error) {
	var st *model.SourceState
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		st, txErr = loadSourceTx(ctx, tx, sourceID)
		return txErr
	})
	return st, err
}

// ListSources returns every registered SourceState ordered by
// source_id ascending, for callers (the `run` CLI command) that need
// to drive ingestion across every configured source rather than one
// named source at a time.
func (s *IngestionStateStore) ListSources(ctx context.Context) ([]model.SourceState, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT source_id, platform, channel_id, channel_username, status, include_comments,
		       history_from, history_to, batch_size, poll_interval_seconds,
		       last_post_id, backfill_completed_at, last_attempt_at, last_success_at,
		       fail_count, last_error, rate_limit_until, comments_unavailable,
		       created_at, updated_at
		FROM source_state ORDER BY source_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query source_state: %w", err)
	}
	defer rows.Close()

	var out []model.SourceState
	for rows.Next() {
		st, err := scanSourceStateCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func loadSourceTx(ctx context.Context, tx *sql.Tx, sourceID string) (*model.SourceState, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT source_id, platform, channel_id, channel_username, status, include_comments,
		       history_from, history_to, batch_size, poll_interval_seconds,
		       last_post_id, backfill_completed_at, last_attempt_at, last_success_at,
		       fail_count, last_error, rate_limit_until, comments_unavailable,
		       created_at, updated_at
		FROM source_state WHERE source_id = ?`, sourceID)

	var (
		st                                                                    model.SourceState
		status                                                                string
		username, lastPostID, lastError                                      sql.NullString
		historyFrom, historyTo, backfillDone, lastAttempt, lastSuccess, rlu   sql.NullString
		includeComments, commentsUnavailable                                 int
		createdAt, updatedAt                                                  string
	)
	err := row.Scan(&st.SourceID, &st.Platform, &st.ChannelID, &username, &status, &includeComments,
		&historyFrom, &historyTo, &st.BatchSize, &st.PollIntervalSeconds,
		&lastPostID, &backfillDone, &lastAttempt, &lastSuccess,
		&st.FailCount, &lastError, &rlu, &commentsUnavailable,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan source_state: %w", err)
	}

	st.Status = model.SourceStatus(status)
	st.ChannelUsername = username.String
	st.LastPostID = lastPostID.String
	st.LastError = lastError.String
	st.IncludeComments = includeComments != 0
	st.CommentsUnavailable = commentsUnavailable != 0

	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{historyFrom, &st.HistoryFrom}, {historyTo, &st.HistoryTo},
		{backfillDone, &st.BackfillCompletedAt}, {lastAttempt, &st.LastAttemptAt},
		{lastSuccess, &st.LastSuccessAt}, {rlu, &st.RateLimitUntil},
	} {
		t, err := parseNullTime(pair.src)
		if err != nil {
			return nil, err
		}
		*pair.dst = t
	}

	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanSourceStateCols(rows *sql.Rows) (*model.SourceState, error) {
	var (
		st                                                                  model.SourceState
		status                                                              string
		username, lastPostID, lastError                                    sql.NullString
		historyFrom, historyTo, backfillDone, lastAttempt, lastSuccess, rlu sql.NullString
		includeComments, commentsUnavailable                               int
		createdAt, updatedAt                                                string
	)
	if err := rows.Scan(&st.SourceID, &st.Platform, &st.ChannelID, &username, &status, &includeComments,
		&historyFrom, &historyTo, &st.BatchSize, &st.PollIntervalSeconds,
		&lastPostID, &backfillDone, &lastAttempt, &lastSuccess,
		&st.FailCount, &lastError, &rlu, &commentsUnavailable,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("store: scan source_state: %w", err)
	}

	st.Status = model.SourceStatus(status)
	st.ChannelUsername = username.String
	st.LastPostID = lastPostID.String
	st.LastError = lastError.String
	st.IncludeComments = includeComments != 0
	st.CommentsUnavailable = commentsUnavailable != 0

	var err error
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{historyFrom, &st.HistoryFrom}, {historyTo, &st.HistoryTo},
		{backfillDone, &st.BackfillCompletedAt}, {lastAttempt, &st.LastAttemptAt},
		{lastSuccess, &st.LastSuccessAt}, {rlu, &st.RateLimitUntil},
	} {
		t, err := parseNullTime(pair.src)
		if err != nil {
			return nil, err
		}
		*pair.dst = t
	}

	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// RegisterSource inserts a brand-new SourceState. Sources are never
// destroyed (spec §3 Lifecycles); re-registering an existing source_id
// is an error.
func (s *IngestionStateStore) RegisterSource(ctx context.Context, st model.SourceState) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if st.Status == "" {
			st.Status = model.SourceStatusActive
		}
		platform := st.Platform
		if platform == "" {
			platform = "telegram"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO source_state (
				source_id, platform, channel_id, channel_username, status, include_comments,
				history_from, history_to, batch_size, poll_interval_seconds,
				last_post_id, backfill_completed_at, last_attempt_at, last_success_at,
				fail_count, last_error, rate_limit_until, comments_unavailable,
				created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			st.SourceID, platform, st.ChannelID, nullString(st.ChannelUsername), string(st.Status), boolToInt(st.IncludeComments),
			nullTime(st.HistoryFrom), nullTime(st.HistoryTo), st.BatchSize, st.PollIntervalSeconds,
			nullString(st.LastPostID), nullTime(st.BackfillCompletedAt), nullTime(st.LastAttemptAt), nullTime(st.LastSuccessAt),
			st.FailCount, nullString(st.LastError), nullTime(st.RateLimitUntil), boolToInt(st.CommentsUnavailable),
			formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("store: register source: %w", err)
		}
		return nil
	})
}

// SourcePatch names the fields UpdateSource may mutate. Nil fields are
// left untouched.
type SourcePatch struct {
	Status               *model.SourceStatus
	LastPostID           *string
	BackfillCompletedAt  *time.Time
	LastAttemptAt        *time.Time
	LastSuccessAt        *time.Time
	FailCount            *int
	LastError            *string
	RateLimitUntil       *time.Time
	CommentsUnavailable  *bool
}

// UpdateSource applies patch to source_id's SourceState and bumps
// updated_at. Cursor fields (LastPostID) must normally go through
// AdvancePostCursor instead; UpdateSource allows it only because some
// callers (e.g. marking a source Error/Paused) need to set status
// without touching the cursor at all.
func (s *IngestionStateStore) UpdateSource(ctx context.Context, sourceID string, patch SourcePatch) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		return updateSourceTx(ctx, tx, sourceID, patch)
	})
}

func updateSourceTx(ctx context.Context, tx *sql.Tx, sourceID string, patch SourcePatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.LastPostID != nil {
		sets = append(sets, "last_post_id = ?")
		args = append(args, *patch.LastPostID)
	}
	if patch.BackfillCompletedAt != nil {
		sets = append(sets, "backfill_completed_at = ?")
		args = append(args, formatTime(*patch.BackfillCompletedAt))
	}
	if patch.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, formatTime(*patch.LastAttemptAt))
	}
	if patch.LastSuccessAt != nil {
		sets = append(sets, "last_success_at = ?")
		args = append(args, formatTime(*patch.LastSuccessAt))
	}
	if patch.FailCount != nil {
		sets = append(sets, "fail_count = ?")
		args = append(args, *patch.FailCount)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.RateLimitUntil != nil {
		sets = append(sets, "rate_limit_until = ?")
		args = append(args, formatTime(*patch.RateLimitUntil))
	}
	if patch.CommentsUnavailable != nil {
		sets = append(sets, "comments_unavailable = ?")
		args = append(args, boolToInt(*patch.CommentsUnavailable))
	}

	query := "UPDATE source_state SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE source_id = ?"
	args = append(args, sourceID)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update source_state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: update source_state: unknown source_id %q", sourceID)
	}
	return nil
}

// AdvancePostCursor is the ONLY way last_post_id may move forward. Per
// spec §4.2/§5, callers that also wrote raw rows for this advance must
// do so through the same atomic helper in store/ingest_tx.go rather
// than calling this method directly from outside a shared transaction.
func (s *IngestionStateStore) AdvancePostCursor(ctx context.Context, sourceID, newLastPostID string) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		return advancePostCursorTx(ctx, tx, sourceID, newLastPostID)
	})
}

func advancePostCursorTx(ctx context.Context, tx *sql.Tx, sourceID, newLastPostID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE source_state SET last_post_id = ?, updated_at = ? WHERE source_id = ?`,
		newLastPostID, formatTime(time.Now()), sourceID)
	if err != nil {
		return fmt.Errorf("store: advance post cursor: %w", err)
	}
	return nil
}

// AdvanceCommentCursor upserts the (source_id, thread_id) high
// watermark. Same atomicity caveat as AdvancePostCursor.
func (s *IngestionStateStore) AdvanceCommentCursor(ctx context.Context, sourceID, threadID, newLastCommentID string) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		return advanceCommentCursorTx(ctx, tx, sourceID, threadID, newLastCommentID)
	})
}

func advanceCommentCursorTx(ctx context.Context, tx *sql.Tx, sourceID, threadID, newLastCommentID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO comment_cursors (source_id, thread_id, last_comment_id, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(source_id, thread_id) DO UPDATE SET
			last_comment_id = excluded.last_comment_id,
			updated_at = excluded.updated_at`,
		sourceID, threadID, newLastCommentID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store: advance comment cursor: %w", err)
	}
	return nil
}

// LoadCommentCursor returns the current cursor for (source_id,
// thread_id), or nil if no comments have been ingested for that thread.
func (s *IngestionStateStore) LoadCommentCursor(ctx context.Context, sourceID, threadID string) (*model.CommentCursor, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT source_id, thread_id, last_comment_id, updated_at
		FROM comment_cursors WHERE source_id = ? AND thread_id = ?`, sourceID, threadID)

	var (
		cc                  model.CommentCursor
		updatedAt           string
	)
	err := row.Scan(&cc.SourceID, &cc.ThreadID, &cc.LastCommentID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan comment_cursors: %w", err)
	}
	if cc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cc, nil
}

// RecordAttempt appends one SourceAttempt log line.
func (s *IngestionStateStore) RecordAttempt(ctx context.Context, a model.SourceAttempt) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		return recordAttemptTx(ctx, tx, a)
	})
}

func recordAttemptTx(ctx context.Context, tx *sql.Tx, a model.SourceAttempt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO source_attempts (id, source_id, attempted_at, success, error_class, message, detail)
		VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.SourceID, formatTime(timeOrNow(a.AttemptedAt)), boolToInt(a.Success),
		nullString(a.ErrorClass), nullString(a.Message), nullString(a.Detail))
	if err != nil {
		return fmt.Errorf("store: insert source_attempts: %w", err)
	}
	return nil
}

// ListAttempts returns the attempt log for source_id, most recent first.
func (s *IngestionStateStore) ListAttempts(ctx context.Context, sourceID string, limit int) ([]model.SourceAttempt, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, source_id, attempted_at, success, error_class, message, detail
		FROM source_attempts WHERE source_id = ? ORDER BY attempted_at DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query source_attempts: %w", err)
	}
	defer rows.Close()

	var out []model.SourceAttempt
	for rows.Next() {
		var (
			a                                 model.SourceAttempt
			attemptedAt                       string
			success                           int
			errorClass, message, detail       sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.SourceID, &attemptedAt, &success, &errorClass, &message, &detail); err != nil {
			return nil, fmt.Errorf("store: scan source_attempts: %w", err)
		}
		a.Success = success != 0
		a.ErrorClass = errorClass.String
		a.Message = message.String
		a.Detail = detail.String
		if a.AttemptedAt, err = parseTime(attemptedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
