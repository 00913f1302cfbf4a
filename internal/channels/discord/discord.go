// Package discord connects to the Discord gateway. Inbound text lands
// in the message store under jids of the form discord:{channel_id}.
package discord

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

const platform = "discord"

// Channel is the Discord adapter.
type Channel struct {
	cfg     config.DiscordConfig
	session *discordgo.Session
	sink    channels.MessageSink
	log     *slog.Logger

	botUserID string
	connected atomic.Bool
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, sink channels.MessageSink, log *slog.Logger) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, faults.Wrap(faults.Channel, err, "create discord session")
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		cfg:     cfg,
		session: session,
		sink:    sink,
		log:     log,
	}, nil
}

func (c *Channel) Name() string            { return platform }
func (c *Channel) OwnsJID(jid string) bool { return channels.OwnsPrefix(platform, jid) }
func (c *Channel) Connected() bool         { return c.connected.Load() }

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return faults.Wrap(faults.Channel, err, "open discord session")
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return faults.Wrap(faults.Channel, err, "fetch discord bot identity")
	}
	c.botUserID = user.ID

	c.connected.Store(true)
	c.log.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.connected.Store(false)
	return c.session.Close()
}

// SendMessage delivers text to a discord:{channel_id} jid.
func (c *Channel) SendMessage(_ context.Context, jid, text string) error {
	_, channelID := channels.SplitJID(jid)
	if channelID == "" {
		return faults.New(faults.Channel, "invalid discord jid %q", jid)
	}
	if _, err := c.session.ChannelMessageSend(channelID, text); err != nil {
		return faults.Wrap(faults.Channel, err, "send discord message to %s", channelID)
	}
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	if !channels.Allowed(c.cfg.AllowFrom, m.Author.ID) && !channels.Allowed(c.cfg.AllowFrom, m.Author.Username) {
		c.log.Debug("discord message rejected by allowlist", "user_id", m.Author.ID, "username", m.Author.Username)
		return
	}

	msg := &store.Message{
		ID:         "dc-" + m.ID,
		ChatJID:    channels.JID(platform, m.ChannelID),
		Sender:     m.Author.ID,
		SenderName: displayName(m),
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		Role:       "user",
	}
	if err := c.sink.SaveMessage(context.Background(), msg); err != nil {
		c.log.Error("save discord message failed", "channel_id", m.ChannelID, "error", err)
		return
	}
	c.log.Debug("discord message stored", "jid", msg.ChatJID, "sender", m.Author.ID)
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
