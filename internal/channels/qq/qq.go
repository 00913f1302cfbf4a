// Package qq connects to a OneBot v11 endpoint (go-cqhttp, Lagrange,
// NapCat) over WebSocket. Private chats land under qq:{user_id}, group
// chats under qq:group:{group_id}.
package qq

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

const platform = "qq"

// event is an incoming OneBot v11 event frame.
type event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	MessageID   int64  `json:"message_id"`
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id"`
	RawMessage  string `json:"raw_message"`
	SelfID      int64  `json:"self_id"`
	Time        int64  `json:"time"`
	Sender      struct {
		Nickname string `json:"nickname"`
	} `json:"sender"`
}

// action is an outgoing OneBot v11 API call.
type action struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
}

// Channel is the QQ adapter.
type Channel struct {
	cfg  config.QQConfig
	sink channels.MessageSink
	log  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a QQ channel from config.
func New(cfg config.QQConfig, sink channels.MessageSink, log *slog.Logger) (*Channel, error) {
	if cfg.WSURL == "" {
		return nil, faults.New(faults.Config, "qq ws_url is required")
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

// Start connects to the OneBot endpoint and begins listening. A failed
// initial dial is not fatal; the read loop keeps retrying.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		c.log.Warn("initial qq connection failed, will retry", "error", err)
	}

	go c.readLoop()
	return nil
}

// Stop shuts the OneBot connection down.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
	c.connected = false
	return nil
}

// SendMessage delivers text to a qq:{user_id} or qq:group:{group_id}
// jid via the send_msg action.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	_, id := channels.SplitJID(jid)

	params := map[string]interface{}{"message": text}
	if gid, ok := strings.CutPrefix(id, "group:"); ok {
		n, err := strconv.ParseInt(gid, 10, 64)
		if err != nil {
			return faults.New(faults.Channel, "invalid qq jid %q", jid)
		}
		params["message_type"] = "group"
		params["group_id"] = n
	} else {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return faults.New(faults.Channel, "invalid qq jid %q", jid)
		}
		params["message_type"] = "private"
		params["user_id"] = n
	}

	data, err := json.Marshal(action{Action: "send_msg", Params: params})
	if err != nil {
		return faults.Wrap(faults.Channel, err, "marshal qq action")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return faults.New(faults.Channel, "qq endpoint not connected")
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return faults.Wrap(faults.Channel, err, "send qq message to %s", id)
	}
	return nil
}

func (c *Channel) connect() error {
	headers := http.Header{}
	if c.cfg.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	conn, _, err := websocket.Dial(c.ctx, c.cfg.WSURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return faults.Wrap(faults.Channel, err, "dial qq endpoint %s", c.cfg.WSURL)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("qq endpoint connected", "url", c.cfg.WSURL)
	return nil
}

// readLoop reads OneBot events with automatic reconnection.
func (c *Channel) readLoop() {
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
			c.log.Info("attempting qq reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				c.log.Warn("qq reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("qq read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close(websocket.StatusNormalClosure, "")
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("invalid qq event frame", "error", err)
			continue
		}
		if ev.PostType == "message" {
			c.handleEvent(&ev)
		}
	}
}

func (c *Channel) handleEvent(ev *event) {
	if ev.UserID == 0 || ev.UserID == ev.SelfID || ev.RawMessage == "" {
		return
	}

	sender := strconv.FormatInt(ev.UserID, 10)
	if !channels.Allowed(c.cfg.AllowFrom, sender) {
		c.log.Debug("qq message rejected by allowlist", "user_id", sender)
		return
	}

	var jid string
	switch ev.MessageType {
	case "group":
		jid = channels.JID(platform, "group:"+strconv.FormatInt(ev.GroupID, 10))
	case "private":
		jid = channels.JID(platform, sender)
	default:
		return
	}

	id := strconv.FormatInt(ev.MessageID, 10)
	if ev.MessageID == 0 {
		id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	ts := time.Now()
	if ev.Time > 0 {
		ts = time.Unix(ev.Time, 0)
	}

	m := &store.Message{
		ID:         "qq-" + id,
		ChatJID:    jid,
		Sender:     sender,
		SenderName: ev.Sender.Nickname,
		Content:    ev.RawMessage,
		Timestamp:  ts,
		Role:       "user",
	}
	if err := c.sink.SaveMessage(context.Background(), m); err != nil {
		c.log.Error("save qq message failed", "jid", jid, "error", err)
		return
	}
	c.log.Debug("qq message stored", "jid", jid, "sender", sender)
}
