// Package channels provides the channel abstraction layer for
// multi-platform messaging. Adapters connect external platforms
// (Telegram, Discord, WhatsApp, etc.) to the orchestrator by writing
// inbound messages to the store, where the poll loop picks them up.
// Outbound delivery goes through the Manager, which dispatches on the
// jid's platform prefix.
package channels

import (
	"context"
	"strings"

	"github.com/nanogridbot/ngb/internal/store"
)

// Channel defines the interface that all channel implementations must
// satisfy.
type Channel interface {
	// Name returns the platform identifier, e.g. "telegram". It is
	// also the jid prefix the adapter claims.
	Name() string

	// OwnsJID reports whether this adapter delivers to the given jid.
	OwnsJID(jid string) bool

	// SendMessage delivers text to the chat addressed by jid.
	SendMessage(ctx context.Context, jid, text string) error

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Connected reports whether the channel is actively receiving.
	Connected() bool
}

// MessageSink is where adapters persist inbound messages. The store
// satisfies it directly.
type MessageSink interface {
	SaveMessage(ctx context.Context, m *store.Message) error
}

// JID builds the canonical {platform}:{id} address for a chat.
func JID(platform, id string) string {
	return platform + ":" + id
}

// SplitJID splits a jid into platform and platform-local id. The id
// keeps any further colons, so "qq:group:42" yields ("qq", "group:42").
func SplitJID(jid string) (platform, id string) {
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		return jid[:i], jid[i+1:]
	}
	return jid, ""
}

// OwnsPrefix is the standard OwnsJID implementation for adapters that
// claim every jid under their platform prefix.
func OwnsPrefix(platform, jid string) bool {
	return strings.HasPrefix(jid, platform+":")
}

// Allowed checks a sender against an allowlist. An empty allowlist
// admits everyone. Entries match with or without a leading "@".
func Allowed(allowFrom []string, sender string) bool {
	if len(allowFrom) == 0 {
		return true
	}
	for _, a := range allowFrom {
		if sender == a || sender == strings.TrimPrefix(a, "@") {
			return true
		}
	}
	return false
}
