package export_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/export"
	"chronicle/pkg/model"
)

func TestMergeResolvedSourcesAnchorWinsOnCollision(t *testing.T) {
	anchors := []model.Anchor{
		{ChannelID: "demo", MessageID: "1", MessageType: model.MessageTypePost, AnchorRef: "tg:demo:post:1", Score: 0.8},
	}
	items := []model.BundleItem{
		{ChannelID: "demo", MessageID: "1", MessageType: model.MessageTypePost, SourceRef: "tg:demo:post:1", Role: model.BundleRoleAnchor, Score: 0.8},
		{ChannelID: "demo", MessageID: "2", MessageType: model.MessageTypePost, SourceRef: "tg:demo:post:2", Role: model.BundleRoleSupporting, Score: 0.9, Justification: "related"},
	}

	merged := export.MergeResolvedSources(anchors, items)
	require.Len(t, merged, 2)
	require.Equal(t, "tg:demo:post:1", merged[0].SourceRef)
	require.Equal(t, model.BundleRoleAnchor, merged[0].Role)
	require.Empty(t, merged[0].Justification)
	require.Equal(t, "tg:demo:post:2", merged[1].SourceRef)
	require.Equal(t, model.BundleRoleSupporting, merged[1].Role)
	require.Equal(t, "related", merged[1].Justification)
}

func TestMergeResolvedSourcesTakesMaxScoreOnCollision(t *testing.T) {
	anchors := []model.Anchor{
		{ChannelID: "demo", MessageID: "1", MessageType: model.MessageTypePost, AnchorRef: "tg:demo:post:1", Score: 0.6},
	}
	items := []model.BundleItem{
		{ChannelID: "demo", MessageID: "1", MessageType: model.MessageTypePost, SourceRef: "tg:demo:post:1", Role: model.BundleRoleAnchor, Score: 0.9},
	}

	merged := export.MergeResolvedSources(anchors, items)
	require.Len(t, merged, 1)
	require.Equal(t, 0.9, merged[0].Score)
}

func TestMergeResolvedSourcesSortsAnchorsFirstThenByScoreDescRefAsc(t *testing.T) {
	anchors := []model.Anchor{
		{ChannelID: "demo", MessageID: "2", MessageType: model.MessageTypePost, AnchorRef: "tg:demo:post:2", Score: 0.7},
	}
	items := []model.BundleItem{
		{ChannelID: "demo", MessageID: "3", MessageType: model.MessageTypePost, SourceRef: "tg:demo:post:3", Role: model.BundleRoleSupporting, Score: 0.95},
		{ChannelID: "demo", MessageID: "1", MessageType: model.MessageTypePost, SourceRef: "tg:demo:post:1", Role: model.BundleRoleSupporting, Score: 0.95},
	}

	merged := export.MergeResolvedSources(anchors, items)
	require.Len(t, merged, 3)
	require.Equal(t, "tg:demo:post:2", merged[0].SourceRef) // anchor sorts first regardless of score
	require.Equal(t, "tg:demo:post:1", merged[1].SourceRef) // tie broken lexicographically
	require.Equal(t, "tg:demo:post:3", merged[2].SourceRef)
}
