// Package router decides which workspace an incoming message belongs
// to and carries outbound text back to the owning channel adapter.
package router

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/nanogridbot/ngb/internal/store"
)

// Outbound dispatches text to the channel adapter that owns a jid.
// Implemented by channels.Manager.
type Outbound interface {
	Send(ctx context.Context, jid, text string) error
}

// Verdict is the result of routing one message.
type Verdict struct {
	Matched     bool
	GroupFolder string
	GroupJID    string
}

// Router matches messages against registered groups and sends
// responses back out. It is the ipc watcher's Sender.
type Router struct {
	registry  *Registry
	out       Outbound
	assistant string
	log       *slog.Logger
}

// New builds a Router. assistant is the fallback name for the default
// trigger pattern when a group has no display name of its own.
func New(registry *Registry, out Outbound, assistant string, log *slog.Logger) *Router {
	return &Router{registry: registry, out: out, assistant: assistant, log: log}
}

// Registry exposes the group registry the router matches against.
func (r *Router) Registry() *Registry { return r.registry }

// Route matches msg against the group bound to its chat jid. Groups
// with requires_trigger unset match every message; otherwise the
// group's trigger pattern (or the default @-mention pattern) must
// match the content. An invalid stored pattern is logged and treated
// as a non-match rather than failing the poll.
func (r *Router) Route(msg *store.Message) Verdict {
	g := r.registry.Get(msg.ChatJID)
	if g == nil {
		return Verdict{}
	}
	if !g.RequiresTrigger {
		return Verdict{Matched: true, GroupFolder: g.Folder, GroupJID: g.JID}
	}
	pattern := g.TriggerPattern
	if pattern == "" {
		name := g.Name
		if name == "" {
			name = r.assistant
		}
		pattern = `(?i)^@` + regexp.QuoteMeta(name) + `\b`
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		r.log.Warn("invalid trigger pattern", "jid", g.JID, "pattern", pattern, "error", err)
		return Verdict{}
	}
	if !re.MatchString(msg.Content) {
		return Verdict{}
	}
	return Verdict{Matched: true, GroupFolder: g.Folder, GroupJID: g.JID}
}

// SendResponse delivers text to the channel adapter owning jid.
func (r *Router) SendResponse(ctx context.Context, jid, text string) error {
	return r.out.Send(ctx, jid, text)
}

// Broadcast sends text to every registered group whose folder is in
// folders and returns the jids that accepted. Send failures are
// logged, not fatal.
func (r *Router) Broadcast(ctx context.Context, text string, folders []string) []string {
	want := make(map[string]bool, len(folders))
	for _, f := range folders {
		want[f] = true
	}
	var sent []string
	for _, g := range r.registry.All() {
		if !want[g.Folder] {
			continue
		}
		if err := r.out.Send(ctx, g.JID, text); err != nil {
			r.log.Warn("broadcast send failed", "jid", g.JID, "error", err)
			continue
		}
		sent = append(sent, g.JID)
	}
	return sent
}
