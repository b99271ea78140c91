package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chronicle/pkg/model"
)

// RawUpsertOutcome and its values re-export model's upsert result tag
// so store callers can name it without importing pkg/model.
type RawUpsertOutcome = model.RawUpsertOutcome

const (
	RawInserted        = model.RawInserted
	RawDuplicate       = model.RawDuplicate
	RawConflictOutcome = model.RawConflictOutcome
)

// RawStore is the durable store for immutable RawMessage snapshots and
// their conflict journal (spec §3, §4.2).
type RawStore struct {
	db *DB
}

// Upsert inserts raw if source_ref is new. If source_ref already
// exists, the stored row is never overwritten (text/date immutability,
// spec §3 invariant); a RawConflict journal row is appended describing
// why, and the outcome reports which case occurred.
func (s *RawStore) Upsert(ctx context.Context, raw model.RawMessage) (RawUpsertOutcome, error) {
	var outcome RawUpsertOutcome
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		outcome, txErr = rawUpsertTx(ctx, tx, raw)
		return txErr
	})
	return outcome, err
}

// rawUpsertTx is the transaction-scoped core of Upsert, reused by the
// ingestion engine's atomic raw-insert + cursor-advance commit.
func rawUpsertTx(ctx context.Context, tx *sql.Tx, raw model.RawMessage) (RawUpsertOutcome, error) {
	existing, err := getRawTx(ctx, tx, raw.SourceRef)
	if err != nil {
		return 0, err
	}

	if existing == nil {
		payloadTruncated := raw.PayloadTruncated
		_, err := tx.ExecContext(ctx, `
			INSERT INTO raw_messages (
				source_ref, message_id, message_type, channel_id, date, text,
				thread_id, parent_message_id, language, raw_payload,
				payload_truncated, original_size, inserted_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			raw.SourceRef, raw.MessageID, string(raw.MessageType), raw.ChannelID,
			formatTime(raw.Date), raw.Text, nullString(raw.ThreadID), nullString(raw.ParentMessageID),
			nullString(raw.Language), raw.RawPayload, boolToInt(payloadTruncated), raw.OriginalSize,
			formatTime(timeOrNow(raw.InsertedAt)),
		)
		if err != nil {
			return 0, fmt.Errorf("store: insert raw_messages: %w", err)
		}

		if payloadTruncated {
			if err := insertRawConflictTx(ctx, tx, raw.SourceRef, model.RawConflictPayloadTruncated, "", time.Time{}); err != nil {
				return 0, err
			}
			return RawConflictOutcome, nil
		}
		return RawInserted, nil
	}

	// Row already exists: never overwrite text/date. Journal the
	// observation and report duplicate vs. conflict.
	if existing.Text == raw.Text && existing.Date.Equal(raw.Date) {
		if err := insertRawConflictTx(ctx, tx, raw.SourceRef, model.RawConflictDuplicateSeen, raw.Text, raw.Date); err != nil {
			return 0, err
		}
		return RawDuplicate, nil
	}

	if err := insertRawConflictTx(ctx, tx, raw.SourceRef, model.RawConflictContentMismatch, raw.Text, raw.Date); err != nil {
		return 0, err
	}
	return RawConflictOutcome, nil
}

func insertRawConflictTx(ctx context.Context, tx *sql.Tx, sourceRef string, reason model.RawConflictReason, newText string, newDate time.Time) error {
	var dateVal any
	if !newDate.IsZero() {
		dateVal = formatTime(newDate)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO raw_conflicts (source_ref, reason, new_text, new_date, observed_at)
		VALUES (?,?,?,?,?)`,
		sourceRef, string(reason), nullString(newText), dateVal, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: insert raw_conflicts: %w", err)
	}
	return nil
}

// Get returns the stored snapshot for source_ref, or nil if absent.
func (s *RawStore) Get(ctx context.Context, sourceRef string) (*model.RawMessage, error) {
	var raw *model.RawMessage
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		raw, txErr = getRawTx(ctx, tx, sourceRef)
		return txErr
	})
	return raw, err
}

func getRawTx(ctx context.Context, tx *sql.Tx, sourceRef string) (*model.RawMessage, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT source_ref, message_id, message_type, channel_id, date, text,
		       thread_id, parent_message_id, language, raw_payload,
		       payload_truncated, original_size, inserted_at
		FROM raw_messages WHERE source_ref = ?`, sourceRef)

	var (
		raw                                          model.RawMessage
		messageType, dateStr, insertedAtStr          string
		threadID, parentID, language                 sql.NullString
		payloadTruncated                             int
		originalSize                                 sql.NullInt64
	)
	err := row.Scan(&raw.SourceRef, &raw.MessageID, &messageType, &raw.ChannelID, &dateStr, &raw.Text,
		&threadID, &parentID, &language, &raw.RawPayload, &payloadTruncated, &originalSize, &insertedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan raw_messages: %w", err)
	}

	raw.MessageType = model.MessageType(messageType)
	raw.Date, err = parseTime(dateStr)
	if err != nil {
		return nil, err
	}
	raw.InsertedAt, err = parseTime(insertedAtStr)
	if err != nil {
		return nil, err
	}
	raw.ThreadID = threadID.String
	raw.ParentMessageID = parentID.String
	raw.Language = language.String
	raw.PayloadTruncated = payloadTruncated != 0
	raw.OriginalSize = int(originalSize.Int64)
	return &raw, nil
}

// ListConflicts returns the conflict journal for source_ref, oldest
// first. Supplemental read path (SPEC_FULL.md) — the spec names the
// journal but not a reader.
func (s *RawStore) ListConflicts(ctx context.Context, sourceRef string) ([]model.RawConflict, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, source_ref, reason, new_text, new_date, observed_at
		FROM raw_conflicts WHERE source_ref = ? ORDER BY id ASC`, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("store: query raw_conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.RawConflict
	for rows.Next() {
		var (
			c                     model.RawConflict
			newText, newDate      sql.NullString
			observedAt            string
		)
		if err := rows.Scan(&c.ID, &c.SourceRef, &c.Reason, &newText, &newDate, &observedAt); err != nil {
			return nil, fmt.Errorf("store: scan raw_conflicts: %w", err)
		}
		c.NewText = newText.String
		if newDate.Valid {
			if c.NewDate, err = parseTime(newDate.String); err != nil {
				return nil, err
			}
		}
		if c.ObservedAt, err = parseTime(observedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
