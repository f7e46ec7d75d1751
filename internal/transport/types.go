package transport

import (
	"context"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound event from the chat platform.
// Exactly one of Text / Media is meaningful for non-command messages.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	Media        *MediaRef
	IsGroup      bool
}

// MediaRef points at a platform-hosted media object by id.
// The bot never downloads media; it re-sends by reference.
type MediaRef struct {
	FileID   string
	Kind     MediaKind
	Caption  string
	FileName string
}

type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
)

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ContentKind tags a captured content item.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentMedia ContentKind = "media"
)

// Content is a captured content item: plain text, or a media reference with
// an optional caption. It is immutable once captured; copy by value.
type Content struct {
	Kind ContentKind

	Text string

	MediaFileID string
	MediaKind   MediaKind
	Caption     string
}

func TextContent(s string) Content {
	return Content{Kind: ContentText, Text: s}
}

func MediaContent(m MediaRef) Content {
	return Content{Kind: ContentMedia, MediaFileID: m.FileID, MediaKind: m.Kind, Caption: m.Caption}
}

// Summary returns a short human-readable description of the content,
// suitable for audit records and logs.
func (c Content) Summary() string {
	switch c.Kind {
	case ContentMedia:
		if c.Caption != "" {
			return fmt.Sprintf("%s %q", c.MediaKind, truncateSummary(c.Caption, 64))
		}
		return string(c.MediaKind)
	default:
		return fmt.Sprintf("text %q", truncateSummary(c.Text, 64))
	}
}

func truncateSummary(s string, maxN int) string {
	rs := []rune(s)
	if len(rs) <= maxN {
		return s
	}
	return string(rs[:maxN-1]) + "…"
}

// RateLimitError reports that the platform rejected a send and requires the
// caller to wait before retrying. It is an explicit result variant so that
// backoff logic is a branch on the error type, not exception interception.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Sink is the outbound delivery capability: send one content item to one
// destination channel. Failures are either a *RateLimitError or a generic
// delivery error.
type Sink interface {
	SendContent(ctx context.Context, to ChatTarget, c Content, opt *SendOptions) (MessageRef, error)
}

// Adapter is a full platform transport: the Sink capability plus the inbound
// update loop lifecycle.
type Adapter interface {
	Sink

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
