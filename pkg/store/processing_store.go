package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chronicle/pkg/model"
)

// ProcessingStore is the durable store for ProcessedDocument,
// ProcessingFailure, TopicCard, and TopicBundle (spec §3, §4.2).
type ProcessingStore struct {
	db *DB
}

// UpsertProcessed replaces-by-source_ref and, in the same transactional
// unit, deletes any pending ProcessingFailure for the same source_ref
// (spec §4.2, §8 property 4/5: a document and a pending failure can
// never coexist).
func (s *ProcessingStore) UpsertProcessed(ctx context.Context, doc model.ProcessedDocument) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		topicsJSON, err := MarshalCanonical(doc.Topics)
		if err != nil {
			return err
		}
		entitiesJSON, err := MarshalCanonical(doc.Entities)
		if err != nil {
			return err
		}
		metaJSON, err := MarshalCanonical(doc.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO processed_documents (
				source_ref, id, source_message_id, channel_id, processed_at,
				text_clean, summary, topics, entities, language, metadata
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(source_ref) DO UPDATE SET
				id = excluded.id,
				source_message_id = excluded.source_message_id,
				channel_id = excluded.channel_id,
				processed_at = excluded.processed_at,
				text_clean = excluded.text_clean,
				summary = excluded.summary,
				topics = excluded.topics,
				entities = excluded.entities,
				language = excluded.language,
				metadata = excluded.metadata`,
			doc.SourceRef, doc.ID, doc.SourceMessageID, doc.ChannelID, formatTime(doc.ProcessedAt),
			doc.TextClean, nullString(doc.Summary), string(topicsJSON), string(entitiesJSON),
			nullString(doc.Language), string(metaJSON),
		)
		if err != nil {
			return fmt.Errorf("store: upsert processed_documents: %w", err)
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM processing_failures WHERE source_ref = ?`, doc.SourceRef)
		if err != nil {
			return fmt.Errorf("store: clear processing_failures: %w", err)
		}
		return nil
	})
}

// GetProcessed returns the ProcessedDocument for source_ref, or nil.
func (s *ProcessingStore) GetProcessed(ctx context.Context, sourceRef string) (*model.ProcessedDocument, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT source_ref, id, source_message_id, channel_id, processed_at,
		       text_clean, summary, topics, entities, language, metadata
		FROM processed_documents WHERE source_ref = ?`, sourceRef)
	return scanProcessedRow(row)
}

func scanProcessedRow(row *sql.Row) (*model.ProcessedDocument, error) {
	var (
		doc                                model.ProcessedDocument
		processedAt                        string
		summary, language                  sql.NullString
		topicsJSON, entitiesJSON, metaJSON string
	)
	err := row.Scan(&doc.SourceRef, &doc.ID, &doc.SourceMessageID, &doc.ChannelID, &processedAt,
		&doc.TextClean, &summary, &topicsJSON, &entitiesJSON, &language, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan processed_documents: %w", err)
	}

	if doc.ProcessedAt, err = parseTime(processedAt); err != nil {
		return nil, err
	}
	doc.Summary = summary.String
	doc.Language = language.String
	if err := UnmarshalCanonical([]byte(topicsJSON), &doc.Topics); err != nil {
		return nil, err
	}
	if err := UnmarshalCanonical([]byte(entitiesJSON), &doc.Entities); err != nil {
		return nil, err
	}
	if err := UnmarshalCanonical([]byte(metaJSON), &doc.Metadata); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListProcessedByChannel returns every ProcessedDocument for channelID,
// ordered by source_ref ascending (used by topicization's candidate
// collection, spec §4.5 step 1).
func (s *ProcessingStore) ListProcessedByChannel(ctx context.Context, channelID string) ([]model.ProcessedDocument, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT source_ref, id, source_message_id, channel_id, processed_at,
		       text_clean, summary, topics, entities, language, metadata
		FROM processed_documents WHERE channel_id = ? ORDER BY source_ref ASC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("store: query processed_documents: %w", err)
	}
	defer rows.Close()
	return scanProcessedRows(rows)
}

// ListAllProcessed returns every ProcessedDocument, ordered by
// source_ref ascending.
func (s *ProcessingStore) ListAllProcessed(ctx context.Context) ([]model.ProcessedDocument, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT source_ref, id, source_message_id, channel_id, processed_at,
		       text_clean, summary, topics, entities, language, metadata
		FROM processed_documents ORDER BY source_ref ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query processed_documents: %w", err)
	}
	defer rows.Close()
	return scanProcessedRows(rows)
}

func scanProcessedRows(rows *sql.Rows) ([]model.ProcessedDocument, error) {
	var out []model.ProcessedDocument
	for rows.Next() {
		var (
			doc                                model.ProcessedDocument
			processedAt                        string
			summary, language                  sql.NullString
			topicsJSON, entitiesJSON, metaJSON string
		)
		if err := rows.Scan(&doc.SourceRef, &doc.ID, &doc.SourceMessageID, &doc.ChannelID, &processedAt,
			&doc.TextClean, &summary, &topicsJSON, &entitiesJSON, &language, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan processed_documents: %w", err)
		}
		var err error
		if doc.ProcessedAt, err = parseTime(processedAt); err != nil {
			return nil, err
		}
		doc.Summary = summary.String
		doc.Language = language.String
		if err := UnmarshalCanonical([]byte(topicsJSON), &doc.Topics); err != nil {
			return nil, err
		}
		if err := UnmarshalCanonical([]byte(entitiesJSON), &doc.Entities); err != nil {
			return nil, err
		}
		if err := UnmarshalCanonical([]byte(metaJSON), &doc.Metadata); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// ListUnprocessedRefs returns every source_ref present in raw_messages
// (optionally scoped to channelID) that has no processed_documents row
// yet. MVP treats "needs processing" as "absent-only" (spec §4.4,
// §9 open question 3).
func (s *ProcessingStore) ListUnprocessedRefs(ctx context.Context, channelID string) ([]string, error) {
	query := `
		SELECT r.source_ref FROM raw_messages r
		LEFT JOIN processed_documents p ON p.source_ref = r.source_ref
		WHERE p.source_ref IS NULL`
	args := []any{}
	if channelID != "" {
		query += ` AND r.channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY r.source_ref ASC`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query unprocessed refs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// RecordFailure upserts by source_ref, incrementing attempts (spec §4.4
// retry policy, §8 property 5).
func (s *ProcessingStore) RecordFailure(ctx context.Context, f model.ProcessingFailure) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processing_failures (source_ref, channel_id, attempts, last_attempt_at, error_class, error_message, error_details)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(source_ref) DO UPDATE SET
				attempts = processing_failures.attempts + excluded.attempts,
				last_attempt_at = excluded.last_attempt_at,
				error_class = excluded.error_class,
				error_message = excluded.error_message,
				error_details = excluded.error_details`,
			f.SourceRef, f.ChannelID, f.Attempts, formatTime(timeOrNow(f.LastAttemptAt)),
			f.ErrorClass, f.ErrorMessage, nullString(f.ErrorDetails),
		)
		if err != nil {
			return fmt.Errorf("store: upsert processing_failures: %w", err)
		}
		return nil
	})
}

// GetFailure returns the pending failure for source_ref, or nil.
func (s *ProcessingStore) GetFailure(ctx context.Context, sourceRef string) (*model.ProcessingFailure, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT source_ref, channel_id, attempts, last_attempt_at, error_class, error_message, error_details
		FROM processing_failures WHERE source_ref = ?`, sourceRef)

	var (
		f            model.ProcessingFailure
		lastAttempt  string
		details      sql.NullString
	)
	err := row.Scan(&f.SourceRef, &f.ChannelID, &f.Attempts, &lastAttempt, &f.ErrorClass, &f.ErrorMessage, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan processing_failures: %w", err)
	}
	f.ErrorDetails = details.String
	if f.LastAttemptAt, err = parseTime(lastAttempt); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListPendingFailures returns every unresolved ProcessingFailure,
// optionally scoped to channelID. Supplemental CLI-surfacing read path
// (SPEC_FULL.md).
func (s *ProcessingStore) ListPendingFailures(ctx context.Context, channelID string) ([]model.ProcessingFailure, error) {
	query := `SELECT source_ref, channel_id, attempts, last_attempt_at, error_class, error_message, error_details FROM processing_failures`
	args := []any{}
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY source_ref ASC`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query processing_failures: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessingFailure
	for rows.Next() {
		var (
			f           model.ProcessingFailure
			lastAttempt string
			details     sql.NullString
		)
		if err := rows.Scan(&f.SourceRef, &f.ChannelID, &f.Attempts, &lastAttempt, &f.ErrorClass, &f.ErrorMessage, &details); err != nil {
			return nil, err
		}
		f.ErrorDetails = details.String
		if f.LastAttemptAt, err = parseTime(lastAttempt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertTopicCard replaces-by-id.
func (s *ProcessingStore) UpsertTopicCard(ctx context.Context, card model.TopicCard) error {
	anchorsJSON, err := MarshalCanonical(card.Anchors)
	if err != nil {
		return err
	}
	sourcesJSON, err := MarshalCanonical(card.Sources)
	if err != nil {
		return err
	}
	scopeInJSON, err := MarshalCanonical(card.ScopeIn)
	if err != nil {
		return err
	}
	scopeOutJSON, err := MarshalCanonical(card.ScopeOut)
	if err != nil {
		return err
	}
	tagsJSON, err := MarshalCanonical(card.Tags)
	if err != nil {
		return err
	}
	relatedJSON, err := MarshalCanonical(card.RelatedTopics)
	if err != nil {
		return err
	}
	metaJSON, err := MarshalCanonical(card.Metadata)
	if err != nil {
		return err
	}

	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO topic_cards (
				id, title, summary, scope_in, scope_out, type, anchors, sources,
				updated_at, tags, related_topics, status, metadata
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				summary = excluded.summary,
				scope_in = excluded.scope_in,
				scope_out = excluded.scope_out,
				type = excluded.type,
				anchors = excluded.anchors,
				sources = excluded.sources,
				updated_at = excluded.updated_at,
				tags = excluded.tags,
				related_topics = excluded.related_topics,
				status = excluded.status,
				metadata = excluded.metadata`,
			card.ID, card.Title, nullString(card.Summary), string(scopeInJSON), string(scopeOutJSON),
			string(card.Type), string(anchorsJSON), string(sourcesJSON), formatTime(card.UpdatedAt),
			string(tagsJSON), string(relatedJSON), nullString(card.Status), string(metaJSON),
		)
		if err != nil {
			return fmt.Errorf("store: upsert topic_cards: %w", err)
		}
		return nil
	})
}

// GetTopicCard returns the TopicCard for id, or nil.
func (s *ProcessingStore) GetTopicCard(ctx context.Context, id string) (*model.TopicCard, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, title, summary, scope_in, scope_out, type, anchors, sources,
		       updated_at, tags, related_topics, status, metadata
		FROM topic_cards WHERE id = ?`, id)
	return scanTopicCardRow(row)
}

// ListTopicCards returns every TopicCard sorted by id ascending (spec
// §4.5 export rule).
func (s *ProcessingStore) ListTopicCards(ctx context.Context) ([]model.TopicCard, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, title, summary, scope_in, scope_out, type, anchors, sources,
		       updated_at, tags, related_topics, status, metadata
		FROM topic_cards ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query topic_cards: %w", err)
	}
	defer rows.Close()

	var out []model.TopicCard
	for rows.Next() {
		card, err := scanTopicCardCols(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *card)
	}
	return out, rows.Err()
}

func scanTopicCardRow(row *sql.Row) (*model.TopicCard, error) {
	var (
		card                                                   model.TopicCard
		summary, status                                        sql.NullString
		scopeInJSON, scopeOutJSON, anchorsJSON, sourcesJSON     string
		updatedAt, tagsJSON, relatedJSON, metaJSON              string
		typeStr                                                string
	)
	err := row.Scan(&card.ID, &card.Title, &summary, &scopeInJSON, &scopeOutJSON, &typeStr,
		&anchorsJSON, &sourcesJSON, &updatedAt, &tagsJSON, &relatedJSON, &status, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan topic_cards: %w", err)
	}
	return assembleTopicCard(card, summary, status, scopeInJSON, scopeOutJSON, typeStr, anchorsJSON, sourcesJSON, updatedAt, tagsJSON, relatedJSON, metaJSON)
}

func scanTopicCardCols(rows *sql.Rows) (*model.TopicCard, error) {
	var (
		card                                                   model.TopicCard
		summary, status                                        sql.NullString
		scopeInJSON, scopeOutJSON, anchorsJSON, sourcesJSON     string
		updatedAt, tagsJSON, relatedJSON, metaJSON              string
		typeStr                                                string
	)
	err := rows.Scan(&card.ID, &card.Title, &summary, &scopeInJSON, &scopeOutJSON, &typeStr,
		&anchorsJSON, &sourcesJSON, &updatedAt, &tagsJSON, &relatedJSON, &status, &metaJSON)
	if err != nil {
		return nil, fmt.Errorf("store: scan topic_cards: %w", err)
	}
	return assembleTopicCard(card, summary, status, scopeInJSON, scopeOutJSON, typeStr, anchorsJSON, sourcesJSON, updatedAt, tagsJSON, relatedJSON, metaJSON)
}

func assembleTopicCard(card model.TopicCard, summary, status sql.NullString, scopeInJSON, scopeOutJSON, typeStr, anchorsJSON, sourcesJSON, updatedAt, tagsJSON, relatedJSON, metaJSON string) (*model.TopicCard, error) {
	card.Summary = summary.String
	card.Status = status.String
	card.Type = model.TopicType(typeStr)

	var err error
	if card.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	for s, dst := range map[string]any{
		scopeInJSON: &card.ScopeIn, scopeOutJSON: &card.ScopeOut, anchorsJSON: &card.Anchors,
		sourcesJSON: &card.Sources, tagsJSON: &card.Tags, relatedJSON: &card.RelatedTopics,
		metaJSON: &card.Metadata,
	} {
		if err := UnmarshalCanonical([]byte(s), dst); err != nil {
			return nil, err
		}
	}
	return &card, nil
}

// UpsertTopicBundle replaces-by-(topic_id, time_from, time_to). Writing
// a current snapshot (both null) is the only path MVP topicization
// exercises; historical snapshots are supported for future reprocessing
// (SPEC_FULL.md Supplemented Features) but no code path populates them yet.
func (s *ProcessingStore) UpsertTopicBundle(ctx context.Context, tb model.TopicBundle) error {
	itemsJSON, err := MarshalCanonical(tb.Items)
	if err != nil {
		return err
	}
	channelsJSON, err := MarshalCanonical(tb.Channels)
	if err != nil {
		return err
	}
	metaJSON, err := MarshalCanonical(tb.Metadata)
	if err != nil {
		return err
	}

	// The PRIMARY KEY is (topic_id, time_from, time_to), but for a current
	// snapshot both cursor columns are NULL and SQLite treats NULLs as
	// distinct within that index, so the PK conflict target never matches.
	// "At most one current snapshot" is actually enforced by the partial
	// unique index on topic_id WHERE time_from/time_to IS NULL, so a
	// current-snapshot upsert must target that index instead of the PK.
	query := `
		INSERT INTO topic_bundles (topic_id, time_from, time_to, updated_at, items, channels, metadata)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(topic_id, time_from, time_to) DO UPDATE SET
			updated_at = excluded.updated_at,
			items = excluded.items,
			channels = excluded.channels,
			metadata = excluded.metadata`
	if tb.TimeFrom == nil && tb.TimeTo == nil {
		query = `
			INSERT INTO topic_bundles (topic_id, time_from, time_to, updated_at, items, channels, metadata)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(topic_id) WHERE time_from IS NULL AND time_to IS NULL DO UPDATE SET
				updated_at = excluded.updated_at,
				items = excluded.items,
				channels = excluded.channels,
				metadata = excluded.metadata`
	}

	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			tb.TopicID, nullTime(tb.TimeFrom), nullTime(tb.TimeTo), formatTime(tb.UpdatedAt),
			string(itemsJSON), string(channelsJSON), string(metaJSON),
		)
		if err != nil {
			return fmt.Errorf("store: upsert topic_bundles: %w", err)
		}
		return nil
	})
}

// GetCurrentTopicBundle returns the "current" bundle (time_from and
// time_to both null) for topicID, or nil.
func (s *ProcessingStore) GetCurrentTopicBundle(ctx context.Context, topicID string) (*model.TopicBundle, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT topic_id, time_from, time_to, updated_at, items, channels, metadata
		FROM topic_bundles WHERE topic_id = ? AND time_from IS NULL AND time_to IS NULL`, topicID)
	return scanTopicBundleRow(row)
}

// ListTopicBundles returns every snapshot (current and historical) for
// topicID ordered by time_from ascending, current snapshot last.
func (s *ProcessingStore) ListTopicBundles(ctx context.Context, topicID string) ([]model.TopicBundle, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT topic_id, time_from, time_to, updated_at, items, channels, metadata
		FROM topic_bundles WHERE topic_id = ?
		ORDER BY (time_from IS NULL), time_from ASC`, topicID)
	if err != nil {
		return nil, fmt.Errorf("store: query topic_bundles: %w", err)
	}
	defer rows.Close()

	var out []model.TopicBundle
	for rows.Next() {
		var (
			tb                                model.TopicBundle
			timeFrom, timeTo                  sql.NullString
			updatedAt                         string
			itemsJSON, channelsJSON, metaJSON string
		)
		if err := rows.Scan(&tb.TopicID, &timeFrom, &timeTo, &updatedAt, &itemsJSON, &channelsJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan topic_bundles: %w", err)
		}
		b, err := assembleTopicBundle(tb, timeFrom, timeTo, updatedAt, itemsJSON, channelsJSON, metaJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanTopicBundleRow(row *sql.Row) (*model.TopicBundle, error) {
	var (
		tb                                model.TopicBundle
		timeFrom, timeTo                  sql.NullString
		updatedAt                         string
		itemsJSON, channelsJSON, metaJSON string
	)
	err := row.Scan(&tb.TopicID, &timeFrom, &timeTo, &updatedAt, &itemsJSON, &channelsJSON, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan topic_bundles: %w", err)
	}
	return assembleTopicBundle(tb, timeFrom, timeTo, updatedAt, itemsJSON, channelsJSON, metaJSON)
}

func assembleTopicBundle(tb model.TopicBundle, timeFrom, timeTo sql.NullString, updatedAt, itemsJSON, channelsJSON, metaJSON string) (*model.TopicBundle, error) {
	var err error
	if tb.TimeFrom, err = parseNullTime(timeFrom); err != nil {
		return nil, err
	}
	if tb.TimeTo, err = parseNullTime(timeTo); err != nil {
		return nil, err
	}
	if tb.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := UnmarshalCanonical([]byte(itemsJSON), &tb.Items); err != nil {
		return nil, err
	}
	if err := UnmarshalCanonical([]byte(channelsJSON), &tb.Channels); err != nil {
		return nil, err
	}
	if err := UnmarshalCanonical([]byte(metaJSON), &tb.Metadata); err != nil {
		return nil, err
	}
	return &tb, nil
}
