// Package gateway defines the channel-source boundary.
//
// The concrete Telegram implementation lives in gateway/telegram; everything
// above this interface is transport-agnostic.
package gateway

import (
	"context"
	"time"
)

// ChannelInfo is the canonical identity of a resolved channel.
type ChannelInfo struct {
	ID    string
	Title string
}

// Message is one inbound channel post.
type Message struct {
	ChannelID string
	MessageID int64
	Text      string
	Timestamp time.Time
}

// Handler receives inbound messages. Handlers must not block; heavy work
// belongs behind a queue.
type Handler func(msg Message)

// Gateway supplies live messages for a set of channels.
type Gateway interface {
	// Resolve maps a human-entered identifier (@username, t.me link, numeric
	// id) to a canonical channel id and title.
	Resolve(ctx context.Context, identifier string) (ChannelInfo, error)

	// SetChannels replaces the set of channels the gateway listens to.
	// It is non-destructive: already-ingested history is never reset unless
	// resetHistory is set.
	SetChannels(ctx context.Context, ids []string, resetHistory, ingestHistory bool) error

	// StopListening clears the listening set entirely.
	StopListening(ctx context.Context) error

	// OnMessage registers a handler for inbound messages. Multiple handlers
	// are invoked in registration order.
	OnMessage(h Handler)
}
