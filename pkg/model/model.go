// Package model defines the durable and export-only record shapes
// described in spec.md §3. These are plain value structs; relationships
// (topic -> anchors -> source_ref, bundle -> items -> source_ref) are
// resolved by lookup through pkg/store, never by pointer.
package model

import "time"

// MessageType mirrors identity.MessageType for storage/export purposes
// without creating an import cycle.
type MessageType string

const (
	MessageTypePost    MessageType = "post"
	MessageTypeComment MessageType = "comment"
)

// SourceStatus enumerates SourceState.Status.
type SourceStatus string

const (
	SourceStatusActive SourceStatus = "active"
	SourceStatusPaused SourceStatus = "paused"
	SourceStatusError  SourceStatus = "error"
)

// RawMessage is an immutable snapshot of one fetched post or comment.
type RawMessage struct {
	SourceRef        string      `json:"source_ref"`
	MessageID        string      `json:"message_id"`
	MessageType      MessageType `json:"message_type"`
	ChannelID        string      `json:"channel_id"`
	Date             time.Time   `json:"date"`
	Text             string      `json:"text"`
	ThreadID         string      `json:"thread_id,omitempty"`
	ParentMessageID  string      `json:"parent_message_id,omitempty"`
	Language         string      `json:"language,omitempty"`
	RawPayload       []byte      `json:"raw_payload,omitempty"`
	PayloadTruncated bool        `json:"payload_truncated,omitempty"`
	OriginalSize     int         `json:"original_size,omitempty"`
	InsertedAt       time.Time   `json:"inserted_at"`
}

// RawConflictReason enumerates why a RawConflict journal row was written.
type RawConflictReason string

const (
	RawConflictContentMismatch  RawConflictReason = "content_mismatch"
	RawConflictDuplicateSeen    RawConflictReason = "duplicate_seen"
	RawConflictPayloadTruncated RawConflictReason = "payload_truncated"
)

// RawConflict records a subsequent observation of a source_ref whose
// content diverged from (or merely repeated, or was truncated relative
// to) the first-stored RawMessage.
type RawConflict struct {
	ID         int64             `json:"id"`
	SourceRef  string            `json:"source_ref"`
	Reason     RawConflictReason `json:"reason"`
	NewText    string            `json:"new_text,omitempty"`
	NewDate    time.Time         `json:"new_date,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// RawUpsertOutcome is the result tag of RawStore.Upsert.
type RawUpsertOutcome int

const (
	RawInserted RawUpsertOutcome = iota
	RawDuplicate
	RawConflictOutcome
)

// SourceState is the per-source cursor and health record driving the
// ingestion engine's state machine.
type SourceState struct {
	SourceID             string       `json:"source_id"`
	Platform             string       `json:"platform"`
	ChannelID            string       `json:"channel_id"`
	ChannelUsername      string       `json:"channel_username,omitempty"`
	Status               SourceStatus `json:"status"`
	IncludeComments      bool         `json:"include_comments"`
	HistoryFrom          *time.Time   `json:"history_from,omitempty"`
	HistoryTo            *time.Time   `json:"history_to,omitempty"`
	BatchSize            int          `json:"batch_size"`
	PollIntervalSeconds  int          `json:"poll_interval_seconds"`
	LastPostID           string       `json:"last_post_id,omitempty"`
	BackfillCompletedAt  *time.Time   `json:"backfill_completed_at,omitempty"`
	LastAttemptAt        *time.Time   `json:"last_attempt_at,omitempty"`
	LastSuccessAt        *time.Time   `json:"last_success_at,omitempty"`
	FailCount            int          `json:"fail_count"`
	LastError            string       `json:"last_error,omitempty"`
	RateLimitUntil       *time.Time   `json:"rate_limit_until,omitempty"`
	CommentsUnavailable  bool         `json:"comments_unavailable"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// CommentCursor is the per-thread high-watermark for comment ingestion.
type CommentCursor struct {
	SourceID        string    `json:"source_id"`
	ThreadID        string    `json:"thread_id"`
	LastCommentID   string    `json:"last_comment_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SourceAttempt is one append-only ingestion-attempt log line.
type SourceAttempt struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Success    bool      `json:"success"`
	ErrorClass string    `json:"error_class,omitempty"`
	Message    string    `json:"message,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Entity is a named-entity extraction inside a ProcessedDocument.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ProcessedMetadata carries provenance for reproducibility and future
// reprocessing decisions (spec §9 open question 3).
type ProcessedMetadata struct {
	PipelineVersion string         `json:"pipeline_version"`
	ModelID         string         `json:"model_id"`
	PromptID        string         `json:"prompt_id"`
	PromptName      string         `json:"prompt_name"`
	Parameters      map[string]any `json:"parameters,omitempty"`
}

// ProcessedDocument is the structured output of the processing engine
// for one source_ref.
type ProcessedDocument struct {
	SourceRef       string            `json:"source_ref"`
	ID              string            `json:"id"`
	SourceMessageID string            `json:"source_message_id"`
	ChannelID       string            `json:"channel_id"`
	ProcessedAt     time.Time         `json:"processed_at"`
	TextClean       string            `json:"text_clean"`
	Summary         string            `json:"summary,omitempty"`
	Topics          []string          `json:"topics"`
	Entities        []Entity          `json:"entities"`
	Language        string            `json:"language,omitempty"`
	Metadata        ProcessedMetadata `json:"metadata"`
}

// ProcessingFailure records bookkeeping for a source_ref that exhausted
// its processing retries. Mutually exclusive with a pending
// ProcessedDocument for the same source_ref.
type ProcessingFailure struct {
	SourceRef     string    `json:"source_ref"`
	ChannelID     string    `json:"channel_id"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	ErrorClass    string    `json:"error_class"`
	ErrorMessage  string    `json:"error_message"`
	ErrorDetails  string    `json:"error_details,omitempty"`
}

// TopicType enumerates TopicCard.Type.
type TopicType string

const (
	TopicTypeSingleton TopicType = "singleton"
	TopicTypeCluster   TopicType = "cluster"
)

// Anchor is a message selected as a primary representative of a topic.
type Anchor struct {
	ChannelID   string      `json:"channel_id"`
	MessageID   string      `json:"message_id"`
	MessageType MessageType `json:"message_type"`
	AnchorRef   string      `json:"anchor_ref"`
	Score       float64     `json:"score"`
}

// GetAnchorRef and GetScore satisfy identity.Anchor.
func (a Anchor) GetAnchorRef() string { return a.AnchorRef }
func (a Anchor) GetScore() float64    { return a.Score }

// TopicCard is the deterministic, upserted topic record.
type TopicCard struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Summary       string         `json:"summary"`
	ScopeIn       []string       `json:"scope_in,omitempty"`
	ScopeOut      []string       `json:"scope_out,omitempty"`
	Type          TopicType      `json:"type"`
	Anchors       []Anchor       `json:"anchors"`
	Sources       []string       `json:"sources"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Tags          []string       `json:"tags,omitempty"`
	RelatedTopics []string       `json:"related_topics,omitempty"`
	Status        string         `json:"status,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// BundleRole enumerates BundleItem.Role.
type BundleRole string

const (
	BundleRoleAnchor     BundleRole = "anchor"
	BundleRoleSupporting BundleRole = "supporting"
)

// BundleItem is one message attached to a topic bundle.
type BundleItem struct {
	ChannelID     string      `json:"channel_id"`
	MessageID     string      `json:"message_id"`
	MessageType   MessageType `json:"message_type"`
	SourceRef     string      `json:"source_ref"`
	Role          BundleRole  `json:"role"`
	Score         float64     `json:"score"`
	Justification string      `json:"justification,omitempty"`
}

// GetAnchorRef and GetScore let BundleItem participate in the same
// canonical sort as Anchor (keyed by source_ref instead of anchor_ref).
func (b BundleItem) GetAnchorRef() string { return b.SourceRef }
func (b BundleItem) GetScore() float64    { return b.Score }

// TopicBundle is the upserted set of items supporting a TopicCard. A
// nil TimeFrom/TimeTo pair marks the "current" snapshot; at most one
// current bundle may exist per topic.
type TopicBundle struct {
	TopicID   string         `json:"topic_id"`
	UpdatedAt time.Time      `json:"updated_at"`
	TimeFrom  *time.Time     `json:"time_from,omitempty"`
	TimeTo    *time.Time     `json:"time_to,omitempty"`
	Items     []BundleItem   `json:"items"`
	Channels  []string       `json:"channels,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// KBSourceDescriptor identifies what an export entry was built from.
type KBSourceDescriptor struct {
	Type string `json:"type"`
}

const (
	KBSourceTypeMessage = "telegram_message"
	KBSourceTypeTopic   = "topic"
)

// ResolvedSource is one row of a topic's merged anchors+bundle-items
// union, as described in spec §4.5 "resolved_sources[] merge algorithm".
type ResolvedSource struct {
	SourceRef     string      `json:"source_ref"`
	ChannelID     string      `json:"channel_id"`
	MessageID     string      `json:"message_id"`
	MessageType   MessageType `json:"message_type"`
	Role          BundleRole  `json:"role"`
	Score         float64     `json:"score"`
	Justification string      `json:"justification,omitempty"`
}

func (r ResolvedSource) GetAnchorRef() string { return r.SourceRef }
func (r ResolvedSource) GetScore() float64    { return r.Score }

// KnowledgeBaseEntry is the export-only artifact record. Never persisted.
type KnowledgeBaseEntry struct {
	ID        string              `json:"id"`
	Source    KBSourceDescriptor  `json:"source"`
	CreatedAt time.Time           `json:"created_at"`
	Title     string              `json:"title"`
	Content   string              `json:"content"`
	Topics    []string            `json:"topics,omitempty"`
	Tags      []string            `json:"tags,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}
