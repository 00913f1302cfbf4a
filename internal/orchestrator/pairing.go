package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nanogridbot/ngb/internal/store"
)

// handlePairing intercepts pair commands from chats that are not yet
// bound to a workspace. Returns true when the message was a pairing
// attempt, matched or not, so the caller skips normal routing.
func (o *Orchestrator) handlePairing(ctx context.Context, m *store.Message) bool {
	if o.router.Registry().Get(m.ChatJID) != nil {
		return false
	}
	token, ok := parsePairCommand(m.Content, o.cfg.AssistantName)
	if !ok {
		return false
	}

	reply := func(text string) {
		if err := o.router.SendResponse(ctx, m.ChatJID, text); err != nil {
			o.log.Warn("pairing reply failed", "jid", m.ChatJID, "error", err)
		}
	}

	tok, err := o.db.ConsumeToken(ctx, token)
	if err != nil {
		o.log.Error("token lookup failed", "jid", m.ChatJID, "error", err)
		reply("Pairing failed, please try again later.")
		return true
	}
	if tok == nil {
		reply("That pairing token is invalid or already used.")
		return true
	}

	ws, err := o.db.GetWorkspace(ctx, tok.WorkspaceID)
	if err != nil || ws == nil {
		o.log.Error("token names a missing workspace", "workspace", tok.WorkspaceID, "error", err)
		reply("Pairing failed, the workspace no longer exists.")
		return true
	}

	binding := &store.ChannelBinding{
		ChannelJID:  m.ChatJID,
		WorkspaceID: ws.ID,
		CreatedAt:   time.Now(),
	}
	if err := o.db.BindChannel(ctx, binding); err != nil {
		o.log.Error("channel binding failed", "jid", m.ChatJID, "error", err)
		reply("Pairing failed, please try again later.")
		return true
	}

	g := &store.Group{
		JID:             m.ChatJID,
		Name:            ws.Name,
		Folder:          ws.Folder,
		RequiresTrigger: true,
	}
	if err := o.RegisterGroup(ctx, g); err != nil {
		o.log.Error("group registration failed", "jid", m.ChatJID, "error", err)
		reply("Pairing failed, please try again later.")
		return true
	}

	o.log.Info("chat paired", "jid", m.ChatJID, "workspace", ws.ID, "folder", ws.Folder)
	reply(fmt.Sprintf("Paired with workspace %s. Mention @%s to talk to the agent.", ws.Name, o.cfg.AssistantName))
	return true
}

// parsePairCommand recognizes "/pair TOKEN" and "@Name pair TOKEN".
func parsePairCommand(content, assistant string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	switch {
	case len(fields) == 2 && fields[0] == "/pair":
		return fields[1], true
	case len(fields) == 3 && strings.EqualFold(fields[0], "@"+assistant) && strings.EqualFold(fields[1], "pair"):
		return fields[2], true
	}
	return "", false
}
