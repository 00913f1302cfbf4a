// Package slack delivers outbound messages through the Slack Web API.
// The adapter is send-only; jids take the form slack:{channel_id}.
package slack

import (
	"context"
	"log/slog"
	"sync/atomic"

	goslack "github.com/slack-go/slack"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
)

const platform = "slack"

// Channel is the Slack adapter.
type Channel struct {
	api       *goslack.Client
	log       *slog.Logger
	connected atomic.Bool
}

// New creates a Slack channel from config.
func New(cfg config.SlackConfig, log *slog.Logger) (*Channel, error) {
	if cfg.BotToken == "" {
		return nil, faults.New(faults.Config, "slack bot_token is required")
	}

	var opts []goslack.Option
	if cfg.APIURL != "" {
		opts = append(opts, goslack.OptionAPIURL(cfg.APIURL))
	}

	return &Channel{
		api: goslack.New(cfg.BotToken, opts...),
		log: log,
	}, nil
}

func (c *Channel) Name() string            { return platform }
func (c *Channel) OwnsJID(jid string) bool { return channels.OwnsPrefix(platform, jid) }
func (c *Channel) Connected() bool         { return c.connected.Load() }

// Start verifies the token against auth.test.
func (c *Channel) Start(ctx context.Context) error {
	if _, err := c.api.AuthTestContext(ctx); err != nil {
		return faults.Wrap(faults.Channel, err, "slack auth test")
	}
	c.connected.Store(true)
	c.log.Info("slack channel ready")
	return nil
}

// Stop marks the channel disconnected. There is no socket to close.
func (c *Channel) Stop(_ context.Context) error {
	c.connected.Store(false)
	return nil
}

// SendMessage posts text to a slack:{channel_id} jid via
// chat.postMessage.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	_, channelID := channels.SplitJID(jid)
	if channelID == "" {
		return faults.New(faults.Channel, "invalid slack jid %q", jid)
	}

	_, _, err := c.api.PostMessageContext(ctx, channelID, goslack.MsgOptionText(text, false))
	if err != nil {
		return faults.Wrap(faults.Channel, err, "chat.postMessage to %s", channelID)
	}
	return nil
}
