// Package identity builds the canonical identifiers used across every
// stage of the pipeline. No other package may construct a source_ref,
// doc id, topic id, or kb id inline — they all go through here.
package identity

import (
	"fmt"
	"strings"
)

// MessageType enumerates the two kinds of material a source_ref can
// point at.
type MessageType string

const (
	MessageTypePost    MessageType = "post"
	MessageTypeComment MessageType = "comment"
)

// Anchor is the minimal shape identity needs to compute the canonical
// anchor sort key; pkg/model.Anchor satisfies this.
type Anchor interface {
	GetAnchorRef() string
	GetScore() float64
}

// CanonicalRef builds the source_ref string "tg:<channel_id>:<message_type>:<message_id>".
// It rejects any component containing ':' and any message_type other than
// post/comment, since those would break the uniqueness and parseability
// the rest of the system relies on.
func CanonicalRef(channelID string, messageType MessageType, messageID string) (string, error) {
	if messageType != MessageTypePost && messageType != MessageTypeComment {
		return "", fmt.Errorf("identity: invalid message_type %q", messageType)
	}
	for name, v := range map[string]string{
		"channel_id": channelID,
		"message_id": messageID,
	} {
		if v == "" {
			return "", fmt.Errorf("identity: %s must not be empty", name)
		}
		if strings.Contains(v, ":") {
			return "", fmt.Errorf("identity: %s %q must not contain ':'", name, v)
		}
	}
	return fmt.Sprintf("tg:%s:%s:%s", channelID, messageType, messageID), nil
}

// MustCanonicalRef panics on invalid input. Reserved for call sites that
// build a ref from values already validated upstream (e.g. tests).
func MustCanonicalRef(channelID string, messageType MessageType, messageID string) string {
	ref, err := CanonicalRef(channelID, messageType, messageID)
	if err != nil {
		panic(err)
	}
	return ref
}

// DocID returns the ProcessedDocument id for a source_ref.
func DocID(sourceRef string) string {
	return "doc:" + sourceRef
}

// TopicID returns the deterministic TopicCard id derived from the
// primary (highest-ranked) anchor's anchor_ref.
func TopicID(primaryAnchorRef string) string {
	return "topic:" + primaryAnchorRef
}

// KBMsgID returns the export-only knowledge base id for a message entry.
func KBMsgID(sourceRef string) string {
	return "kb:msg:" + sourceRef
}

// KBTopicID returns the export-only knowledge base id for a topic entry.
func KBTopicID(topicID string) string {
	return "kb:topic:" + topicID
}

// AnchorsSortKey returns the canonical ordering key for anchors and
// resolved-source records alike: score descending, anchor_ref ascending
// as the tiebreak. Less is the comparator over the same key.
func AnchorsSortKey(a Anchor) (negScore float64, ref string) {
	return -a.GetScore(), a.GetAnchorRef()
}

// Less reports whether a sorts before b under the canonical anchor
// ordering: score desc, anchor_ref asc.
func Less(a, b Anchor) bool {
	if a.GetScore() != b.GetScore() {
		return a.GetScore() > b.GetScore()
	}
	return a.GetAnchorRef() < b.GetAnchorRef()
}
