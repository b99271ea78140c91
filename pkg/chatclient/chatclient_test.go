package chatclient_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/chatclient"
)

func TestToRawMessagePreservesFields(t *testing.T) {
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := chatclient.RawPostObservation{
		MessageID: "42", ChannelID: "chan1", Date: date, Text: "hello",
	}
	raw := obs.ToRawMessage("tg:chan1:post:42")
	require.Equal(t, "tg:chan1:post:42", raw.SourceRef)
	require.Equal(t, "42", raw.MessageID)
	require.True(t, date.Equal(raw.Date))
	require.Equal(t, "hello", raw.Text)
}

func TestCommentToRawMessageCarriesThread(t *testing.T) {
	obs := chatclient.RawCommentObservation{
		MessageID: "7", ChannelID: "chan1", ThreadID: "42", ParentMessageID: "42", Text: "a reply",
	}
	raw := obs.ToRawMessage("tg:chan1:comment:7")
	require.Equal(t, "42", raw.ThreadID)
	require.Equal(t, "42", raw.ParentMessageID)
}

func TestNewRegistryUnknownPlatformErrors(t *testing.T) {
	_, err := chatclient.NewRegistry(map[string][]byte{"nope": []byte(`{}`)})
	require.Error(t, err)
}

func TestNewRegistryEmptyConfigsSucceeds(t *testing.T) {
	r, err := chatclient.NewRegistry(map[string][]byte{})
	require.NoError(t, err)
	_, ok := r.Get("telegram")
	require.False(t, ok)
}
