package discord

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/store"
)

type fakeSink struct {
	saved []*store.Message
}

func (f *fakeSink) SaveMessage(_ context.Context, m *store.Message) error {
	f.saved = append(f.saved, m)
	return nil
}

func testChannel(cfg config.DiscordConfig, sink *fakeSink) *Channel {
	return &Channel{
		cfg:       cfg,
		sink:      sink,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		botUserID: "bot-1",
	}
}

func inbound(id, channelID, authorID, username, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        id,
			ChannelID: channelID,
			Content:   content,
			Timestamp: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
			Author:    &discordgo.User{ID: authorID, Username: username, GlobalName: "Alice G"},
		},
	}
}

func TestHandleMessageStoresInbound(t *testing.T) {
	sink := &fakeSink{}
	c := testChannel(config.DiscordConfig{}, sink)

	c.handleMessage(nil, inbound("111", "222", "42", "alice", "hello"))

	if len(sink.saved) != 1 {
		t.Fatalf("saved %d messages, want 1", len(sink.saved))
	}
	m := sink.saved[0]
	if m.ID != "dc-111" || m.ChatJID != "discord:222" {
		t.Errorf("message = %q in %q, want dc-111 in discord:222", m.ID, m.ChatJID)
	}
	if m.Sender != "42" || m.SenderName != "Alice G" {
		t.Errorf("sender = %q/%q, want 42/Alice G", m.Sender, m.SenderName)
	}
	if m.Role != "user" || m.IsFromMe {
		t.Errorf("message = %+v, want inbound user role", m)
	}
}

func TestHandleMessageSkipsOwnAndBots(t *testing.T) {
	sink := &fakeSink{}
	c := testChannel(config.DiscordConfig{}, sink)

	own := inbound("1", "222", "bot-1", "self", "mine")
	c.handleMessage(nil, own)

	bot := inbound("2", "222", "99", "otherbot", "beep")
	bot.Author.Bot = true
	c.handleMessage(nil, bot)

	if len(sink.saved) != 0 {
		t.Fatalf("saved = %v, want none", sink.saved)
	}
}

func TestHandleMessageAllowlist(t *testing.T) {
	sink := &fakeSink{}
	c := testChannel(config.DiscordConfig{AllowFrom: []string{"42"}}, sink)

	c.handleMessage(nil, inbound("1", "222", "42", "alice", "in"))
	c.handleMessage(nil, inbound("2", "222", "77", "mallory", "out"))

	if len(sink.saved) != 1 || sink.saved[0].Content != "in" {
		t.Fatalf("saved = %v, want only the allowlisted message", sink.saved)
	}
}

func TestDisplayNamePrefersNick(t *testing.T) {
	msg := inbound("1", "2", "42", "alice", "hi")
	msg.Member = &discordgo.Member{Nick: "Nickname"}

	if got := displayName(msg); got != "Nickname" {
		t.Errorf("displayName = %q, want Nickname", got)
	}

	msg.Member = nil
	msg.Author.GlobalName = ""
	if got := displayName(msg); got != "alice" {
		t.Errorf("displayName = %q, want alice", got)
	}
}

func TestOwnsJID(t *testing.T) {
	c := testChannel(config.DiscordConfig{}, &fakeSink{})

	if !c.OwnsJID("discord:222") {
		t.Error("OwnsJID(discord:222) = false, want true")
	}
	if c.OwnsJID("telegram:222") {
		t.Error("OwnsJID(telegram:222) = true, want false")
	}
}
