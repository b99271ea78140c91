// Package topicize implements spec.md §4.5's topicization pass: turn a
// channel's ProcessedDocuments into deterministic TopicCards and
// TopicBundles via two LLM calls (propose topics, then select
// supporting items per accepted topic).
package topicize

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"chronicle/pkg/identity"
	"chronicle/pkg/llmclient"
	"chronicle/pkg/model"
	"chronicle/pkg/prompts"
	"chronicle/pkg/retry"
	"chronicle/pkg/store"
)

// Thresholds bundles the configurable quality-gate and cap values spec
// §4.5 steps 3-4 and §6 "topicization anchor cap N... singleton/cluster
// score thresholds" name.
type Thresholds struct {
	AnchorCap                int
	SingletonScoreThreshold  float64
	SingletonMinTextLength   int
	ClusterScoreThreshold    float64
	SupportingScoreThreshold float64
}

// Engine drives one topicization pass over a channel's processed
// documents against a shared store.
type Engine struct {
	db         *store.DB
	llm        llmclient.LLMClient
	policy     retry.Policy
	maxTokens  int
	thresholds Thresholds
}

// New builds an Engine.
func New(db *store.DB, llm llmclient.LLMClient, maxAttempts int, baseDelay time.Duration, maxTokens int, thresholds Thresholds) *Engine {
	return &Engine{
		db:         db,
		llm:        llm,
		policy:     retry.Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay},
		maxTokens:  maxTokens,
		thresholds: thresholds,
	}
}

// Result summarizes one Run call.
type Result struct {
	TopicsAccepted int
	TopicsRejected int
}

// Run proposes topics for channelID's processed documents (or every
// channel, if channelID is empty) and upserts the accepted ones (spec
// §4.5 "Topicization (per channel or per batch of channels)").
func (e *Engine) Run(ctx context.Context, channelID string) (Result, error) {
	var (
		docs []model.ProcessedDocument
		err  error
	)
	if channelID == "" {
		docs, err = e.db.Processed.ListAllProcessed(ctx)
	} else {
		docs, err = e.db.Processed.ListProcessedByChannel(ctx, channelID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("topicize: list processed: %w", err)
	}
	if len(docs) == 0 {
		return Result{}, nil
	}

	byRef := make(map[string]model.ProcessedDocument, len(docs))
	candidates := make([]candidate, 0, len(docs))
	for _, d := range docs {
		byRef[d.SourceRef] = d
		candidates = append(candidates, candidate{
			SourceRef: d.SourceRef,
			TextClean: truncateRunes(d.TextClean, 500),
			Summary:   d.Summary,
			Topics:    d.Topics,
		})
	}

	candidatesJSON, err := topicizeJSON.Marshal(candidates)
	if err != nil {
		return Result{}, fmt.Errorf("topicize: marshal candidates: %w", err)
	}

	prompt := prompts.Get(prompts.Topicize)
	user := prompt.Render(string(candidatesJSON))
	params := llmclient.Deterministic(e.maxTokens)

	proposals, genErr := retry.Run(ctx, e.policy, func(ctx context.Context, attemptNum int) retry.Result[topicProposals] {
		out, err := e.llm.Generate(ctx, prompt.System, user, params)
		if err != nil {
			return classifyGenErr[topicProposals](err)
		}
		var parsed topicProposals
		if err := topicizeJSON.Unmarshal([]byte(out), &parsed); err != nil {
			return retry.Retryable[topicProposals]("parse_error", err.Error(), err)
		}
		return retry.Ok(parsed)
	})
	if genErr != nil {
		return Result{}, fmt.Errorf("topicize: propose topics: %w", genErr)
	}

	var res Result
	for _, p := range proposals.Topics {
		card, bundle, accepted := e.normalizeAndGate(p, byRef)
		if !accepted {
			res.TopicsRejected++
			continue
		}

		e.attachSupportingItems(ctx, &bundle, card, candidates)
		channelIDs := bundleChannelIDs(bundle)
		card.Sources = channelIDs
		bundle.Channels = channelIDs

		if err := e.db.Processed.UpsertTopicCard(ctx, card); err != nil {
			return res, fmt.Errorf("topicize: upsert topic_card %s: %w", card.ID, err)
		}
		if err := e.db.Processed.UpsertTopicBundle(ctx, bundle); err != nil {
			return res, fmt.Errorf("topicize: upsert topic_bundle %s: %w", card.ID, err)
		}
		res.TopicsAccepted++
	}
	return res, nil
}

// normalizeAndGate applies spec §4.5 steps 3-5: dedupe/sort/cap anchors,
// run the singleton/cluster quality gate, and build the id'd card plus
// its anchors-only bundle. Rejected proposals are reported via the
// second return value; the caller discards them silently (spec
// "Topicization.RejectedProposal... silent drop").
func (e *Engine) normalizeAndGate(p proposedTopic, byRef map[string]model.ProcessedDocument) (model.TopicCard, model.TopicBundle, bool) {
	anchors := normalizeAnchors(p.Anchors)
	anchors = filterKnownAnchors(anchors, byRef)

	switch topicType(p.Type) {
	case model.TopicTypeCluster:
		if len(anchors) > e.thresholds.AnchorCap {
			anchors = anchors[:e.thresholds.AnchorCap]
		}
		if len(anchors) < 2 {
			return model.TopicCard{}, model.TopicBundle{}, false
		}
		for _, a := range anchors {
			if a.Score < e.thresholds.ClusterScoreThreshold {
				return model.TopicCard{}, model.TopicBundle{}, false
			}
		}
	case model.TopicTypeSingleton:
		if len(anchors) == 0 {
			return model.TopicCard{}, model.TopicBundle{}, false
		}
		anchors = anchors[:1]
		doc := byRef[anchors[0].AnchorRef]
		if anchors[0].Score < e.thresholds.SingletonScoreThreshold || utf8.RuneCountInString(doc.TextClean) < e.thresholds.SingletonMinTextLength {
			return model.TopicCard{}, model.TopicBundle{}, false
		}
	default:
		return model.TopicCard{}, model.TopicBundle{}, false
	}

	topicID := identity.TopicID(anchors[0].AnchorRef)
	now := time.Now()

	card := model.TopicCard{
		ID:        topicID,
		Title:     p.Title,
		Summary:   p.Summary,
		ScopeIn:   p.ScopeIn,
		ScopeOut:  p.ScopeOut,
		Type:      topicType(p.Type),
		Anchors:   anchors,
		UpdatedAt: now,
		Metadata: map[string]any{
			"prompt_id": prompts.Get(prompts.Topicize).ID(),
		},
	}

	items := make([]model.BundleItem, 0, len(anchors))
	for _, a := range anchors {
		items = append(items, model.BundleItem{
			ChannelID:   a.ChannelID,
			MessageID:   a.MessageID,
			MessageType: a.MessageType,
			SourceRef:   a.AnchorRef,
			Role:        model.BundleRoleAnchor,
			Score:       a.Score,
		})
	}
	bundle := model.TopicBundle{
		TopicID:   topicID,
		UpdatedAt: now,
		Items:     items,
	}
	return card, bundle, true
}

// attachSupportingItems runs spec §4.5 step 6: a second LLM call scoped
// to the accepted topic and every remaining (non-anchor) candidate. A
// failure here degrades to an anchors-only bundle rather than failing
// the whole topicization run, since supporting items are enrichment.
func (e *Engine) attachSupportingItems(ctx context.Context, bundle *model.TopicBundle, card model.TopicCard, allCandidates []candidate) {
	anchorRefs := make(map[string]bool, len(card.Anchors))
	for _, a := range card.Anchors {
		anchorRefs[a.AnchorRef] = true
	}

	remaining := make([]candidate, 0, len(allCandidates))
	for _, c := range allCandidates {
		if !anchorRefs[c.SourceRef] {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		sortBundleItems(bundle.Items)
		return
	}

	ctxJSON, err := topicizeJSON.Marshal(supportingRequest{
		Topic: supportingTopicContext{
			Title:      card.Title,
			Summary:    card.Summary,
			ScopeIn:    card.ScopeIn,
			ScopeOut:   card.ScopeOut,
			AnchorRefs: anchorRefsSorted(card.Anchors),
		},
		Candidates: remaining,
	})
	if err != nil {
		sortBundleItems(bundle.Items)
		return
	}

	prompt := prompts.Get(prompts.SupportingItems)
	user := prompt.Render(string(ctxJSON))
	params := llmclient.Deterministic(e.maxTokens)

	selection, genErr := retry.Run(ctx, e.policy, func(ctx context.Context, attemptNum int) retry.Result[supportingSelection] {
		out, err := e.llm.Generate(ctx, prompt.System, user, params)
		if err != nil {
			return classifyGenErr[supportingSelection](err)
		}
		var parsed supportingSelection
		if err := topicizeJSON.Unmarshal([]byte(out), &parsed); err != nil {
			return retry.Retryable[supportingSelection]("parse_error", err.Error(), err)
		}
		return retry.Ok(parsed)
	})
	if genErr != nil {
		sortBundleItems(bundle.Items)
		return
	}

	seen := make(map[string]bool)
	for _, it := range selection.Items {
		if it.Score < e.thresholds.SupportingScoreThreshold {
			continue
		}
		if anchorRefs[it.SourceRef] || seen[it.SourceRef] {
			continue
		}
		seen[it.SourceRef] = true
		bundle.Items = append(bundle.Items, model.BundleItem{
			ChannelID:     it.ChannelID,
			MessageID:     it.MessageID,
			MessageType:   model.MessageType(it.MessageType),
			SourceRef:     it.SourceRef,
			Role:          model.BundleRoleSupporting,
			Score:         it.Score,
			Justification: it.Justification,
		})
	}
	bundle.Items = mergeBundleItemsByRef(bundle.Items)
	sortBundleItems(bundle.Items)
}

// mergeBundleItemsByRef dedupes by source_ref; on collision the anchor
// role wins, taking the max score (spec §4.5 step 7 "anchors winning
// role and score on collision").
func mergeBundleItemsByRef(items []model.BundleItem) []model.BundleItem {
	byRef := make(map[string]model.BundleItem, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		existing, ok := byRef[it.SourceRef]
		if !ok {
			byRef[it.SourceRef] = it
			order = append(order, it.SourceRef)
			continue
		}
		byRef[it.SourceRef] = mergeBundleItem(existing, it)
	}
	out := make([]model.BundleItem, 0, len(order))
	for _, ref := range order {
		out = append(out, byRef[ref])
	}
	return out
}

func mergeBundleItem(a, b model.BundleItem) model.BundleItem {
	winner := a
	if b.Role == model.BundleRoleAnchor {
		winner.Role = model.BundleRoleAnchor
	}
	if a.Score > b.Score {
		winner.Score = a.Score
	} else {
		winner.Score = b.Score
	}
	return winner
}

// sortBundleItems orders anchors before supporting items, then by
// (-score, source_ref) within each group (spec §4.5 determinism
// requirement).
func sortBundleItems(items []model.BundleItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if (items[i].Role == model.BundleRoleAnchor) != (items[j].Role == model.BundleRoleAnchor) {
			return items[i].Role == model.BundleRoleAnchor
		}
		return identity.Less(items[i], items[j])
	})
}

// bundleChannelIDs returns the deduped, sorted set of channel ids
// covered by a bundle's items (spec §3 TopicCard.sources[] / channel
// IDs, and TopicBundle.channels[]).
func bundleChannelIDs(bundle model.TopicBundle) []string {
	seen := make(map[string]struct{}, len(bundle.Items))
	for _, it := range bundle.Items {
		seen[it.ChannelID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func anchorRefsSorted(anchors []model.Anchor) []string {
	out := make([]string, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, a.AnchorRef)
	}
	return out
}

// normalizeAnchors dedupes a proposal's anchors by anchor_ref (keeping
// the highest score on collision) and sorts by (-score, anchor_ref)
// per spec §4.5 step 3.
func normalizeAnchors(proposed []proposedAnchor) []model.Anchor {
	byRef := make(map[string]model.Anchor, len(proposed))
	order := make([]string, 0, len(proposed))
	for _, p := range proposed {
		a := model.Anchor{
			ChannelID:   p.ChannelID,
			MessageID:   p.MessageID,
			MessageType: model.MessageType(p.MessageType),
			AnchorRef:   p.AnchorRef,
			Score:       p.Score,
		}
		existing, ok := byRef[a.AnchorRef]
		if !ok {
			byRef[a.AnchorRef] = a
			order = append(order, a.AnchorRef)
			continue
		}
		if a.Score > existing.Score {
			byRef[a.AnchorRef] = a
		}
	}
	out := make([]model.Anchor, 0, len(order))
	for _, ref := range order {
		out = append(out, byRef[ref])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return identity.Less(out[i], out[j])
	})
	return out
}

// filterKnownAnchors drops any anchor whose ref does not correspond to
// a candidate in this run's scope; the topicization prompt instructs
// the model not to invent anchors, but the gate cannot assume that
// held (spec §4.5 step 2 prompt instruction "Do not invent anchors").
func filterKnownAnchors(anchors []model.Anchor, byRef map[string]model.ProcessedDocument) []model.Anchor {
	out := make([]model.Anchor, 0, len(anchors))
	for _, a := range anchors {
		if _, ok := byRef[a.AnchorRef]; ok {
			out = append(out, a)
		}
	}
	return out
}

func topicType(s string) model.TopicType {
	switch model.TopicType(s) {
	case model.TopicTypeSingleton, model.TopicTypeCluster:
		return model.TopicType(s)
	default:
		return ""
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

var topicizeJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type candidate struct {
	SourceRef string   `json:"source_ref"`
	TextClean string   `json:"text_clean"`
	Summary   string   `json:"summary,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

type proposedAnchor struct {
	ChannelID   string  `json:"channel_id"`
	MessageID   string  `json:"message_id"`
	MessageType string  `json:"message_type"`
	AnchorRef   string  `json:"anchor_ref"`
	Score       float64 `json:"score"`
}

type proposedTopic struct {
	Title    string           `json:"title"`
	Summary  string           `json:"summary"`
	ScopeIn  []string         `json:"scope_in"`
	ScopeOut []string         `json:"scope_out"`
	Type     string           `json:"type"`
	Anchors  []proposedAnchor `json:"anchors"`
}

type topicProposals struct {
	Topics []proposedTopic `json:"topics"`
}

type supportingTopicContext struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	ScopeIn    []string `json:"scope_in"`
	ScopeOut   []string `json:"scope_out"`
	AnchorRefs []string `json:"anchor_refs"`
}

type supportingRequest struct {
	Topic      supportingTopicContext `json:"topic"`
	Candidates []candidate            `json:"candidates"`
}

type proposedItem struct {
	SourceRef     string  `json:"source_ref"`
	ChannelID     string  `json:"channel_id"`
	MessageID     string  `json:"message_id"`
	MessageType   string  `json:"message_type"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification,omitempty"`
}

type supportingSelection struct {
	Items []proposedItem `json:"items"`
}
