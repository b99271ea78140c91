// Package export implements spec.md §4.5's deterministic merge of
// processed documents and topic cards into the knowledge-base output
// artifacts.
package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"chronicle/pkg/model"
	"chronicle/pkg/store"
)

// Writer renders the three output artifacts from a shared store.
type Writer struct {
	db            *store.DB
	exportVersion string
}

// New builds a Writer. exportVersion is stamped onto every
// topic_<id>.json detail artifact.
func New(db *store.DB, exportVersion string) *Writer {
	return &Writer{db: db, exportVersion: exportVersion}
}

// Result summarizes one WriteAll call.
type Result struct {
	MessageEntries int
	TopicEntries   int
}

// WriteAll writes kb_entries.ndjson, topics.json, and one
// topic_<id>.json per topic card into outDir (spec §4.5 "Export
// (deterministic merge)").
func (w *Writer) WriteAll(ctx context.Context, outDir string) (Result, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("export: mkdir %s: %w", outDir, err)
	}

	docs, err := w.db.Processed.ListAllProcessed(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("export: list processed documents: %w", err)
	}
	cards, err := w.db.Processed.ListTopicCards(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("export: list topic cards: %w", err)
	}

	usernames := make(map[string]string)
	channelUsername := func(channelID string) string {
		if u, ok := usernames[channelID]; ok {
			return u
		}
		u := ""
		if st, err := w.db.Ingestion.LoadSource(ctx, channelID); err == nil && st != nil {
			u = st.ChannelUsername
		}
		usernames[channelID] = u
		return u
	}

	messageEntries := make([]model.KnowledgeBaseEntry, 0, len(docs))
	for _, doc := range docs {
		messageEntries = append(messageEntries, MessageEntry(doc, channelUsername(doc.ChannelID)))
	}
	sort.Slice(messageEntries, func(i, j int) bool { return messageEntries[i].ID < messageEntries[j].ID })

	topicEntries := make([]model.KnowledgeBaseEntry, 0, len(cards))
	for _, card := range cards {
		resolved, err := w.resolvedSourcesFor(ctx, card)
		if err != nil {
			return Result{}, err
		}
		topicEntries = append(topicEntries, TopicEntry(card, resolved))
	}
	sort.Slice(topicEntries, func(i, j int) bool { return topicEntries[i].ID < topicEntries[j].ID })

	if err := w.writeKBEntries(outDir, messageEntries, topicEntries); err != nil {
		return Result{}, err
	}
	if err := w.writeTopicsJSON(outDir, cards); err != nil {
		return Result{}, err
	}
	if err := w.writeTopicDetails(ctx, outDir, cards); err != nil {
		return Result{}, err
	}

	return Result{MessageEntries: len(messageEntries), TopicEntries: len(topicEntries)}, nil
}

func (w *Writer) resolvedSourcesFor(ctx context.Context, card model.TopicCard) ([]model.ResolvedSource, error) {
	bundle, err := w.db.Processed.GetCurrentTopicBundle(ctx, card.ID)
	if err != nil {
		return nil, fmt.Errorf("export: load topic_bundle %s: %w", card.ID, err)
	}
	var items []model.BundleItem
	if bundle != nil {
		items = bundle.Items
	}
	return MergeResolvedSources(card.Anchors, items), nil
}

// writeKBEntries writes kb_entries.ndjson: message entries then topic
// entries, each group already sorted by id ascending, one canonical
// JSON object per LF-terminated line with no trailing blank line.
func (w *Writer) writeKBEntries(outDir string, messageEntries, topicEntries []model.KnowledgeBaseEntry) error {
	path := filepath.Join(outDir, "kb_entries.ndjson")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	write := func(entry model.KnowledgeBaseEntry) error {
		line, err := store.MarshalCanonical(entry)
		if err != nil {
			return fmt.Errorf("export: marshal kb entry %s: %w", entry.ID, err)
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		return bw.WriteByte('\n')
	}

	for _, e := range messageEntries {
		if err := write(e); err != nil {
			return err
		}
	}
	for _, e := range topicEntries {
		if err := write(e); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeTopicsJSON writes topics.json: a JSON array of all topic cards
// sorted by id ascending, in canonical (stable-key, minified) form.
func (w *Writer) writeTopicsJSON(outDir string, cards []model.TopicCard) error {
	sorted := make([]model.TopicCard, len(cards))
	copy(sorted, cards)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	body, err := store.MarshalCanonical(sorted)
	if err != nil {
		return fmt.Errorf("export: marshal topics.json: %w", err)
	}
	path := filepath.Join(outDir, "topics.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}

// writeTopicDetails writes one topic_<id>.json per card.
func (w *Writer) writeTopicDetails(ctx context.Context, outDir string, cards []model.TopicCard) error {
	now := time.Now()
	for _, card := range cards {
		bundle, err := w.db.Processed.GetCurrentTopicBundle(ctx, card.ID)
		if err != nil {
			return fmt.Errorf("export: load topic_bundle %s: %w", card.ID, err)
		}
		resolved, err := w.resolvedSourcesFor(ctx, card)
		if err != nil {
			return err
		}
		detail := TopicDetail{
			TopicCard:       card,
			ResolvedSources: resolved,
			ExportedAt:      now,
			ExportVersion:   w.exportVersion,
		}
		if bundle != nil {
			detail.TopicBundle = *bundle
		}

		body, err := store.MarshalCanonical(detail)
		if err != nil {
			return fmt.Errorf("export: marshal %s: %w", card.ID, err)
		}
		path := filepath.Join(outDir, TopicDetailFilename(card.ID))
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return fmt.Errorf("export: write %s: %w", path, err)
		}
	}
	return nil
}
