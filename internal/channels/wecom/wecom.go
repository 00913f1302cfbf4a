// Package wecom delivers outbound messages through a WeCom (企业微信)
// group robot webhook. The webhook URL identifies the target group, so
// every wecom:* jid lands in the same chat.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
)

const platform = "wecom"

// Channel is the WeCom adapter.
type Channel struct {
	cfg        config.WeComConfig
	httpClient *http.Client
	log        *slog.Logger
	connected  atomic.Bool
}

// New creates a WeCom channel from config.
func New(cfg config.WeComConfig, log *slog.Logger) (*Channel, error) {
	if cfg.WebhookURL == "" {
		return nil, faults.New(faults.Config, "wecom webhook_url is required")
	}
	return &Channel{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}, nil
}

func (c *Channel) Name() string            { return platform }
func (c *Channel) OwnsJID(jid string) bool { return channels.OwnsPrefix(platform, jid) }
func (c *Channel) Connected() bool         { return c.connected.Load() }

// Start marks the channel ready. Webhook robots have no session.
func (c *Channel) Start(_ context.Context) error {
	c.connected.Store(true)
	c.log.Info("wecom channel ready")
	return nil
}

// Stop marks the channel disconnected.
func (c *Channel) Stop(_ context.Context) error {
	c.connected.Store(false)
	return nil
}

// SendMessage posts text to the configured group robot webhook.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	payload := map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.Channel, err, "marshal wecom payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.Channel, err, "build wecom request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.Channel, err, "send wecom message")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return faults.New(faults.Channel, "wecom webhook returned status %d", resp.StatusCode)
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return faults.Wrap(faults.Channel, err, "decode wecom response")
	}
	if result.ErrCode != 0 {
		return faults.New(faults.Channel, "wecom send failed: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg)
	}
	return nil
}
