package prompts_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/prompts"
)

func TestIDIsStableAndFormatted(t *testing.T) {
	p := prompts.Get(prompts.Processing)
	id1 := p.ID()
	id2 := p.ID()
	require.Equal(t, id1, id2)
	require.True(t, strings.HasPrefix(id1, "sha256:"))
	require.Len(t, strings.TrimPrefix(id1, "sha256:"), 16)
}

func TestDistinctPromptsHaveDistinctIDs(t *testing.T) {
	a := prompts.Get(prompts.Processing).ID()
	b := prompts.Get(prompts.Topicize).ID()
	require.NotEqual(t, a, b)
}

func TestRenderSubstitutesText(t *testing.T) {
	p := prompts.Get(prompts.Processing)
	out := p.Render("hello world")
	require.Contains(t, out, "hello world")
	require.NotContains(t, out, "{{text}}")
}

func TestGetUnknownPanics(t *testing.T) {
	require.Panics(t, func() {
		prompts.Get(prompts.Name("nope"))
	})
}
