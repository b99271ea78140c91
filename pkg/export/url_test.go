package export_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chronicle/pkg/export"
)

// TestTelegramURLBranches covers scenario E6.
func TestTelegramURLBranches(t *testing.T) {
	u := export.TelegramURL("durov", "", "42")
	require.NotNil(t, u)
	require.Equal(t, "https://t.me/durov/42", *u)

	u = export.TelegramURL("", "-1001234567890", "42")
	require.NotNil(t, u)
	require.Equal(t, "https://t.me/c/1234567890/42", *u)

	u = export.TelegramURL("", "test_channel", "42")
	require.NotNil(t, u)
	require.Equal(t, "https://t.me/test_channel/42", *u)

	u = export.TelegramURL("", "-42", "1")
	require.Nil(t, u)
}

func TestTelegramURLUsernamePreferredOverChannelID(t *testing.T) {
	u := export.TelegramURL("durov", "-1001234567890", "1")
	require.NotNil(t, u)
	require.Equal(t, "https://t.me/durov/1", *u)
}
