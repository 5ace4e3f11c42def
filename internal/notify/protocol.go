package notify

import (
	"context"
	"encoding/json"
	"time"
)

// MessageKind enumerates the worker<->page protocol. The set is closed:
// unknown kinds are ignored by both sides.
type MessageKind string

const (
	KindBackgroundNotification MessageKind = "BACKGROUND_NOTIFICATION"
	KindUpdateBadge            MessageKind = "UPDATE_BADGE"
	KindGetBadgeCount          MessageKind = "GET_BADGE_COUNT"
	KindBadgeCount             MessageKind = "BADGE_COUNT"
	KindClearBadge             MessageKind = "CLEAR_BADGE"
	KindBadgeUpdated           MessageKind = "BADGE_UPDATED"
	KindNotificationClicked    MessageKind = "NOTIFICATION_CLICKED"
	KindPing                   MessageKind = "PING"
	KindPong                   MessageKind = "PONG"
)

// BackgroundNotification carries the page-supplied fields of a
// BACKGROUND_NOTIFICATION request.
type BackgroundNotification struct {
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Message is the single frame type exchanged between worker and pages.
// Fields beyond Kind are populated per the kind's contract.
type Message struct {
	Kind         MessageKind             `json:"type"`
	Count        *int                    `json:"count,omitempty"`
	Notification *BackgroundNotification `json:"notification,omitempty"`
	Data         map[string]any          `json:"data,omitempty"`
	BadgeCount   *int                    `json:"badgeCount,omitempty"`
	Version      string                  `json:"version,omitempty"`
	Timestamp    int64                   `json:"timestamp,omitempty"`
}

func NewMessage(kind MessageKind) Message {
	return Message{Kind: kind, Timestamp: time.Now().UnixMilli()}
}

func BadgeUpdatedMessage(count int) Message {
	msg := NewMessage(KindBadgeUpdated)
	msg.Count = &count
	return msg
}

func BadgeCountReply(count int) Message {
	msg := NewMessage(KindBadgeCount)
	msg.Count = &count
	return msg
}

func NotificationClickedMessage(data map[string]any, badgeCount int) Message {
	msg := NewMessage(KindNotificationClicked)
	msg.Data = data
	msg.BadgeCount = &badgeCount
	return msg
}

func PongMessage(version string) Message {
	msg := NewMessage(KindPong)
	msg.Version = version
	return msg
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Page is an ephemeral handle to a connected foreground page, valid only for
// the duration of the broadcast or handoff that obtained it.
type Page interface {
	ID() string
	Origin() string
	Deliver(ctx context.Context, msg Message) error
	Focus(ctx context.Context) error
}

// PageRegistry discovers connected pages on demand. Snapshot returns the
// pages live at call time; the list must never be cached.
type PageRegistry interface {
	Snapshot(ctx context.Context) []Page
	// OpenRoot asks the platform to open a fresh page at the root route.
	// Returns nil when the platform cannot open pages.
	OpenRoot(ctx context.Context) (Page, error)
}

// NoPages is a PageRegistry with no connected pages and no ability to open
// one. Broadcasts against it are no-ops.
type NoPages struct{}

func (NoPages) Snapshot(context.Context) []Page        { return nil }
func (NoPages) OpenRoot(context.Context) (Page, error) { return nil, nil }
