// Package whatsapp connects to a WhatsApp bridge over WebSocket. The
// bridge (whatsapp-web.js based) speaks the actual WhatsApp protocol;
// this adapter exchanges JSON frames with it. Chats land in the store
// under whatsapp:{jid}, where group jids end in "@g.us".
package whatsapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

const platform = "whatsapp"

// bridgeEvent is one JSON frame on the bridge socket, both directions.
type bridgeEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Chat      string `json:"chat,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	cfg  config.WhatsAppConfig
	sink channels.MessageSink
	log  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, sink channels.MessageSink, log *slog.Logger) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, faults.New(faults.Config, "whatsapp bridge_url is required")
	}
	return &Channel{
		cfg:  cfg,
		sink: sink,
		log:  log,
	}, nil
}

func (c *Channel) Name() string            { return platform }
func (c *Channel) OwnsJID(jid string) bool { return channels.OwnsPrefix(platform, jid) }

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start connects to the bridge and begins listening. A failed initial
// dial is not fatal; the listen loop keeps retrying.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		c.log.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	return nil
}

// Stop shuts the bridge connection down.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	return nil
}

// SendMessage delivers text to a whatsapp:{jid} chat via the bridge.
func (c *Channel) SendMessage(_ context.Context, jid, text string) error {
	_, chat := channels.SplitJID(jid)
	if chat == "" {
		return faults.New(faults.Channel, "invalid whatsapp jid %q", jid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return faults.New(faults.Channel, "whatsapp bridge not connected")
	}

	data, err := json.Marshal(bridgeEvent{Type: "message", To: chat, Content: text})
	if err != nil {
		return faults.Wrap(faults.Channel, err, "marshal whatsapp message")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return faults.Wrap(faults.Channel, err, "send whatsapp message to %s", chat)
	}
	return nil
}

func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return faults.Wrap(faults.Channel, err, "dial whatsapp bridge %s", c.cfg.BridgeURL)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("whatsapp bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			c.log.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				c.log.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var ev bridgeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		if ev.Type == "message" {
			c.handleEvent(&ev)
		}
	}
}

func (c *Channel) handleEvent(ev *bridgeEvent) {
	if ev.From == "" || ev.Content == "" {
		return
	}

	chat := ev.Chat
	if chat == "" {
		chat = ev.From
	}

	if !channels.Allowed(c.cfg.AllowFrom, ev.From) {
		c.log.Debug("whatsapp message rejected by allowlist", "sender", ev.From)
		return
	}

	id := ev.ID
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.Unix(ev.Timestamp, 0)
	}

	m := &store.Message{
		ID:         "wa-" + id,
		ChatJID:    channels.JID(platform, chat),
		Sender:     ev.From,
		SenderName: ev.FromName,
		Content:    ev.Content,
		Timestamp:  ts,
		Role:       "user",
	}
	if err := c.sink.SaveMessage(context.Background(), m); err != nil {
		c.log.Error("save whatsapp message failed", "chat", chat, "error", err)
		return
	}
	c.log.Debug("whatsapp message stored", "jid", m.ChatJID, "sender", ev.From)
}
