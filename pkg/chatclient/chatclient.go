// Package chatclient defines the abstract collaborator the ingestion
// engine pulls from (spec §6 "Collaborator interfaces") and a registry
// for addressing more than one named chat source by platform.
package chatclient

import (
	"context"
	"fmt"
	"time"

	"chronicle/pkg/model"
)

// RawPostObservation is one fetched channel post, carrying the fields
// needed to build a model.RawMessage (spec §6).
type RawPostObservation struct {
	MessageID  string
	ChannelID  string
	Date       time.Time
	Text       string
	Language   string
	RawPayload []byte
	Truncated  bool
	OriginalSize int
}

// RawCommentObservation is one fetched comment/reply attached to a
// thread (a post's discussion).
type RawCommentObservation struct {
	MessageID       string
	ChannelID       string
	ThreadID        string
	ParentMessageID string
	Date            time.Time
	Text            string
	Language        string
	RawPayload      []byte
	Truncated       bool
	OriginalSize    int
}

// ErrorClass classifies a ChatClient error so the ingestion engine's
// retry decision never depends on a particular client's concrete error
// type (spec §6, REDESIGN FLAGS).
type ErrorClass string

const (
	ErrRetryable    ErrorClass = "retryable"
	ErrFatal        ErrorClass = "fatal"
	ErrRateLimited  ErrorClass = "rate_limited"
)

// ClientError is the classified error type every ChatClient method
// returns on failure.
type ClientError struct {
	Class      ErrorClass
	Message    string
	Err        error
	ResetAt    *time.Time // set only when Class == ErrRateLimited and a reset time is known
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("chatclient: %s: %s", e.Class, e.Message)
}

func (e *ClientError) Unwrap() error { return e.Err }

func Retryable(message string, err error) *ClientError {
	return &ClientError{Class: ErrRetryable, Message: message, Err: err}
}

func Fatal(message string, err error) *ClientError {
	return &ClientError{Class: ErrFatal, Message: message, Err: err}
}

func RateLimited(message string, err error, resetAt *time.Time) *ClientError {
	return &ClientError{Class: ErrRateLimited, Message: message, Err: err, ResetAt: resetAt}
}

// ChatClient is the abstract chat-protocol collaborator (spec §6).
// Implementations fetch history; they never push or relay live events.
type ChatClient interface {
	// FetchPosts returns posts in (since_id, until_id] up to limit,
	// ascending by message id. untilID may be zero-valued for "no upper
	// bound" (online-mode tailing).
	FetchPosts(ctx context.Context, channelID, sinceID, untilID string, limit int) ([]RawPostObservation, error)
	// FetchComments returns comments in a thread after sinceID, up to
	// limit, ascending by comment id.
	FetchComments(ctx context.Context, channelID, threadID, sinceID string, limit int) ([]RawCommentObservation, error)
}

// ToRawMessage converts a RawPostObservation into a model.RawMessage
// keyed by the given canonical source_ref.
func (o RawPostObservation) ToRawMessage(sourceRef string) model.RawMessage {
	return model.RawMessage{
		SourceRef:        sourceRef,
		MessageID:        o.MessageID,
		MessageType:      model.MessageTypePost,
		ChannelID:        o.ChannelID,
		Date:             o.Date,
		Text:             o.Text,
		Language:         o.Language,
		RawPayload:       o.RawPayload,
		PayloadTruncated: o.Truncated,
		OriginalSize:     o.OriginalSize,
	}
}

// ToRawMessage converts a RawCommentObservation into a model.RawMessage
// keyed by the given canonical source_ref.
func (o RawCommentObservation) ToRawMessage(sourceRef string) model.RawMessage {
	return model.RawMessage{
		SourceRef:        sourceRef,
		MessageID:        o.MessageID,
		MessageType:      model.MessageTypeComment,
		ChannelID:        o.ChannelID,
		ThreadID:         o.ThreadID,
		ParentMessageID:  o.ParentMessageID,
		Date:             o.Date,
		Text:             o.Text,
		Language:         o.Language,
		RawPayload:       o.RawPayload,
		PayloadTruncated: o.Truncated,
		OriginalSize:     o.OriginalSize,
	}
}

// Factory builds a ChatClient from a platform-specific raw JSON config
// block, generalizing the teacher's per-platform ChannelFactory.
type Factory interface {
	Create(rawConfig []byte) (ChatClient, error)
}

var factories = make(map[string]Factory)

// RegisterFactory adds a Factory to the global registry under name
// (e.g. "telegram"), normally called from the adapter package's init().
func RegisterFactory(name string, factory Factory) {
	factories[name] = factory
}

// Registry holds the concrete ChatClient instances active for a
// pipeline run, addressed by source platform name (generalized from
// the teacher's channels.Source loader).
type Registry struct {
	clients map[string]ChatClient
}

// NewRegistry builds a Registry from a map of platform name -> raw
// config block, instantiating each via its registered Factory. An
// unknown platform name or a construction failure is a fatal
// configuration error (spec §8 "Config" error class) — the pipeline
// cannot run with a chat source it failed to wire up.
func NewRegistry(configs map[string][]byte) (*Registry, error) {
	clients := make(map[string]ChatClient, len(configs))
	for name, raw := range configs {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("chatclient: unknown platform %q", name)
		}
		client, err := factory.Create(raw)
		if err != nil {
			return nil, fmt.Errorf("chatclient: create %q: %w", name, err)
		}
		clients[name] = client
	}
	return &Registry{clients: clients}, nil
}

// Get returns the ChatClient registered under platform name, or false.
func (r *Registry) Get(platform string) (ChatClient, bool) {
	c, ok := r.clients[platform]
	return c, ok
}
