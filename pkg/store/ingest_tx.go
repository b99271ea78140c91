package store

import (
	"context"
	"database/sql"

	"chronicle/pkg/model"
)

// CommitPost performs the raw insert for one fetched post and the
// corresponding last_post_id advance as a single transaction (spec §4.3
// step 3, §5 atomicity rule, §8 property 2), then separately logs the
// SourceAttempt line. The attempt log is intentionally its own write:
// spec §4.3 step 3 requires that a failed raw insert still produce a
// success=false attempt row even though the raw+cursor transaction
// itself rolled back and left last_post_id untouched (§8 property 2,
// scenario E2).
func (d *DB) CommitPost(ctx context.Context, raw model.RawMessage, newLastPostID string, attempt model.SourceAttempt) (RawUpsertOutcome, error) {
	var outcome RawUpsertOutcome
	txErr := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = rawUpsertTx(ctx, tx, raw)
		if err != nil {
			return err
		}
		return advancePostCursorTx(ctx, tx, attempt.SourceID, newLastPostID)
	})

	attempt.Success = txErr == nil
	if txErr != nil && attempt.Message == "" {
		attempt.Message = txErr.Error()
	}
	if logErr := d.Ingestion.RecordAttempt(ctx, attempt); logErr != nil {
		if txErr != nil {
			return outcome, txErr
		}
		return outcome, logErr
	}
	return outcome, txErr
}

// CommitComment is CommitPost's per-thread comment analogue (spec §4.3
// step 4): the raw insert and the comment-cursor advance commit
// atomically; the attempt log is a separate write either way.
func (d *DB) CommitComment(ctx context.Context, raw model.RawMessage, threadID, newLastCommentID string, attempt model.SourceAttempt) (RawUpsertOutcome, error) {
	var outcome RawUpsertOutcome
	txErr := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = rawUpsertTx(ctx, tx, raw)
		if err != nil {
			return err
		}
		return advanceCommentCursorTx(ctx, tx, attempt.SourceID, threadID, newLastCommentID)
	})

	attempt.Success = txErr == nil
	if txErr != nil && attempt.Message == "" {
		attempt.Message = txErr.Error()
	}
	if logErr := d.Ingestion.RecordAttempt(ctx, attempt); logErr != nil {
		if txErr != nil {
			return outcome, txErr
		}
		return outcome, logErr
	}
	return outcome, txErr
}

// RecordFailedAttempt logs a failed fetch/write with no cursor
// movement at all — the other half of the atomicity invariant: "if the
// raw insert throws, the attempt is recorded with success=false and no
// cursor advances" (spec §4.3 step 3).
func (d *DB) RecordFailedAttempt(ctx context.Context, attempt model.SourceAttempt) error {
	attempt.Success = false
	return d.Ingestion.RecordAttempt(ctx, attempt)
}
