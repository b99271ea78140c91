// Package telegram adapts the Telegram Bot API into chatclient.ChatClient.
// It reuses the teacher's bot-construction idiom (a dedicated *http.Client
// with tuned transport settings, NewBotAPIWithClient) but drops the
// long-poll relay entirely: FetchPosts/FetchComments are bounded,
// one-shot history reads rather than a persistent update stream.
package telegram

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chronicle/pkg/chatclient"
)

// Config carries the credentials and per-channel metadata needed to
// resolve a channel_id to a fetchable chat.
type Config struct {
	Token string `json:"token"`
	// ChannelUsernames maps a channel_id to its public @username, used
	// only for the export URL resolver's preferred branch; optional.
	ChannelUsernames map[string]string `json:"channel_usernames,omitempty"`
	TimeoutMs        int               `json:"timeout_ms,omitempty"`
}

// Client is the Telegram-backed chatclient.ChatClient.
type Client struct {
	bot    *tgbotapi.BotAPI
	cfg    Config
}

// New constructs a Client, wiring a dedicated HTTP transport the same
// way the teacher's TelegramChannel does (tuned keep-alive/idle
// timeouts) so a slow Telegram endpoint can't starve the rest of the
// pipeline's HTTP traffic.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("chatclient/telegram: missing token")
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("chatclient/telegram: authorize: %w", err)
	}

	return &Client{bot: bot, cfg: cfg}, nil
}

// FetchPosts scans the bot's pending channel-post updates for the
// given channel, returning those with message id in (sinceID, untilID]
// (untilID == "" means unbounded), ascending, capped at limit.
func (c *Client) FetchPosts(ctx context.Context, channelID, sinceID, untilID string, limit int) ([]chatclient.RawPostObservation, error) {
	since, err := parseMessageID(sinceID)
	if err != nil {
		return nil, chatclient.Fatal("invalid since_id", err)
	}
	until := -1
	if untilID != "" {
		until, err = parseMessageID(untilID)
		if err != nil {
			return nil, chatclient.Fatal("invalid until_id", err)
		}
	}

	updates, err := c.pollUpdates(ctx)
	if err != nil {
		return nil, err
	}

	var out []chatclient.RawPostObservation
	for _, u := range updates {
		post := u.ChannelPost
		if post == nil || post.Chat == nil {
			continue
		}
		if !chatMatches(post.Chat, channelID) {
			continue
		}
		if post.MessageID <= since {
			continue
		}
		if until >= 0 && post.MessageID > until {
			continue
		}
		out = append(out, postObservation(post, channelID))
	}

	sort.Slice(out, func(i, j int) bool { return lessMessageID(out[i].MessageID, out[j].MessageID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FetchComments scans pending updates for replies to threadID within
// channelID's linked discussion, ascending, capped at limit.
func (c *Client) FetchComments(ctx context.Context, channelID, threadID, sinceID string, limit int) ([]chatclient.RawCommentObservation, error) {
	since, err := parseMessageID(sinceID)
	if err != nil {
		return nil, chatclient.Fatal("invalid since_id", err)
	}
	thread, err := parseMessageID(threadID)
	if err != nil {
		return nil, chatclient.Fatal("invalid thread_id", err)
	}

	updates, err := c.pollUpdates(ctx)
	if err != nil {
		return nil, err
	}

	var out []chatclient.RawCommentObservation
	for _, u := range updates {
		msg := u.Message
		if msg == nil || msg.Chat == nil || msg.ReplyToMessage == nil {
			continue
		}
		if !chatMatches(msg.Chat, channelID) {
			continue
		}
		if msg.ReplyToMessage.MessageID != thread {
			continue
		}
		if msg.MessageID <= since {
			continue
		}
		out = append(out, commentObservation(msg, channelID, threadID))
	}

	sort.Slice(out, func(i, j int) bool { return lessMessageID(out[i].MessageID, out[j].MessageID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// pollUpdates drains one batch of pending updates, classifying
// transport/auth failures per spec §6.
func (c *Client) pollUpdates(ctx context.Context) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Limit = 100
	cfg.Timeout = 0

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := c.bot.GetUpdates(cfg)
		done <- result{updates, err}
	}()

	select {
	case <-ctx.Done():
		return nil, chatclient.Retryable("context cancelled", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classifyError(r.err)
		}
		return r.updates, nil
	}
}

func classifyError(err error) *chatclient.ClientError {
	if apiErr, ok := err.(*tgbotapi.Error); ok {
		if apiErr.ResponseParameters.RetryAfter > 0 {
			resetAt := time.Now().Add(time.Duration(apiErr.ResponseParameters.RetryAfter) * time.Second)
			return chatclient.RateLimited(apiErr.Message, err, &resetAt)
		}
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return chatclient.Fatal(apiErr.Message, err)
		case http.StatusTooManyRequests:
			return chatclient.RateLimited(apiErr.Message, err, nil)
		}
	}
	return chatclient.Retryable(err.Error(), err)
}

func chatMatches(chat *tgbotapi.Chat, channelID string) bool {
	if strconv.FormatInt(chat.ID, 10) == channelID {
		return true
	}
	return chat.UserName != "" && chat.UserName == channelID
}

func postObservation(msg *tgbotapi.Message, channelID string) chatclient.RawPostObservation {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return chatclient.RawPostObservation{
		MessageID: strconv.Itoa(msg.MessageID),
		ChannelID: channelID,
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
		Text:      text,
	}
}

func commentObservation(msg *tgbotapi.Message, channelID, threadID string) chatclient.RawCommentObservation {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return chatclient.RawCommentObservation{
		MessageID:       strconv.Itoa(msg.MessageID),
		ChannelID:       channelID,
		ThreadID:        threadID,
		ParentMessageID: threadID,
		Date:            time.Unix(int64(msg.Date), 0).UTC(),
		Text:            text,
	}
}

func parseMessageID(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func lessMessageID(a, b string) bool {
	ai, _ := strconv.Atoi(a)
	bi, _ := strconv.Atoi(b)
	return ai < bi
}
