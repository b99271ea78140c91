package export

import (
	"fmt"
	"regexp"
	"strings"
)

var plainChannelIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{5,}$`)

// TelegramURL resolves the best-effort message URL per spec §4.5
// "Telegram URL resolution". Returns nil when none of the four
// branches applies.
func TelegramURL(channelUsername, channelID, messageID string) *string {
	var url string
	switch {
	case channelUsername != "":
		url = fmt.Sprintf("https://t.me/%s/%s", channelUsername, messageID)
	case strings.HasPrefix(channelID, "-100"):
		url = fmt.Sprintf("https://t.me/c/%s/%s", channelID[4:], messageID)
	case plainChannelIDPattern.MatchString(channelID) && !strings.HasPrefix(channelID, "-"):
		url = fmt.Sprintf("https://t.me/%s/%s", channelID, messageID)
	default:
		return nil
	}
	return &url
}
