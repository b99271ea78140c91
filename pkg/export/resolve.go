package export

import (
	"sort"

	"chronicle/pkg/identity"
	"chronicle/pkg/model"
)

// MergeResolvedSources implements spec §4.5's "resolved_sources[]
// merge algorithm": the union of card anchors and bundle items keyed
// by source_ref. On collision the anchor role wins, the score is the
// max of both sides, and justification comes only from the bundle
// item side (anchors carry none).
func MergeResolvedSources(anchors []model.Anchor, items []model.BundleItem) []model.ResolvedSource {
	byRef := make(map[string]model.ResolvedSource)
	order := make([]string, 0, len(anchors)+len(items))

	merge := func(rs model.ResolvedSource) {
		existing, ok := byRef[rs.SourceRef]
		if !ok {
			byRef[rs.SourceRef] = rs
			order = append(order, rs.SourceRef)
			return
		}
		if existing.Role == model.BundleRoleAnchor || rs.Role == model.BundleRoleAnchor {
			existing.Role = model.BundleRoleAnchor
		}
		if rs.Score > existing.Score {
			existing.Score = rs.Score
		}
		if existing.Justification == "" {
			existing.Justification = rs.Justification
		}
		byRef[rs.SourceRef] = existing
	}

	for _, a := range anchors {
		merge(model.ResolvedSource{
			SourceRef: a.AnchorRef, ChannelID: a.ChannelID, MessageID: a.MessageID,
			MessageType: a.MessageType, Role: model.BundleRoleAnchor, Score: a.Score,
		})
	}
	for _, it := range items {
		merge(model.ResolvedSource{
			SourceRef: it.SourceRef, ChannelID: it.ChannelID, MessageID: it.MessageID,
			MessageType: it.MessageType, Role: it.Role, Score: it.Score, Justification: it.Justification,
		})
	}

	out := make([]model.ResolvedSource, 0, len(order))
	for _, ref := range order {
		out = append(out, byRef[ref])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Role == model.BundleRoleAnchor) != (out[j].Role == model.BundleRoleAnchor) {
			return out[i].Role == model.BundleRoleAnchor
		}
		return identity.Less(out[i], out[j])
	})
	return out
}
