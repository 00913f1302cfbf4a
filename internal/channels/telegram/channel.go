// Package telegram connects to the Telegram Bot API using long
// polling. Inbound text lands in the message store under jids of the
// form telegram:{chat_id}.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

const platform = "telegram"

// Channel is the Telegram adapter.
type Channel struct {
	cfg  config.TelegramConfig
	bot  *telego.Bot
	sink channels.MessageSink
	log  *slog.Logger

	connected  atomic.Bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, sink channels.MessageSink, log *slog.Logger) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, faults.Wrap(faults.Channel, err, "create telegram bot")
	}
	return &Channel{
		cfg:  cfg,
		bot:  bot,
		sink: sink,
		log:  log,
	}, nil
}

func (c *Channel) Name() string            { return platform }
func (c *Channel) OwnsJID(jid string) bool { return channels.OwnsPrefix(platform, jid) }
func (c *Channel) Connected() bool         { return c.connected.Load() }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return faults.Wrap(faults.Channel, err, "start long polling")
	}

	c.connected.Store(true)
	c.log.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					c.log.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels the long polling context and waits for the polling
// goroutine to exit so Telegram releases the getUpdates lock.
func (c *Channel) Stop(_ context.Context) error {
	c.connected.Store(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.log.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendMessage delivers text to a telegram:{chat_id} jid.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	_, id := channels.SplitJID(jid)
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return faults.New(faults.Channel, "invalid telegram jid %q", jid)
	}

	msg := tu.Message(tu.ID(chatID), text)
	if _, err := c.bot.SendMessage(ctx, msg); err != nil {
		return faults.Wrap(faults.Channel, err, "send telegram message to %d", chatID)
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	user := msg.From
	if user == nil {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	sender := strconv.FormatInt(user.ID, 10)
	if !channels.Allowed(c.cfg.AllowFrom, sender) && !channels.Allowed(c.cfg.AllowFrom, user.Username) {
		c.log.Debug("telegram message rejected by allowlist", "user_id", sender, "username", user.Username)
		return
	}

	senderName := user.Username
	if senderName == "" {
		senderName = user.FirstName
	}

	m := &store.Message{
		ID:         fmt.Sprintf("tg-%d-%d", msg.Chat.ID, msg.MessageID),
		ChatJID:    channels.JID(platform, strconv.FormatInt(msg.Chat.ID, 10)),
		Sender:     sender,
		SenderName: senderName,
		Content:    text,
		Timestamp:  time.Unix(int64(msg.Date), 0),
		Role:       "user",
	}
	if err := c.sink.SaveMessage(ctx, m); err != nil {
		c.log.Error("save telegram message failed", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	c.log.Debug("telegram message stored", "jid", m.ChatJID, "sender", sender)
}
