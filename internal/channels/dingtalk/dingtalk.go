// Package dingtalk delivers outbound messages through a DingTalk
// custom robot webhook. When a secret is configured each request is
// signed with the timestamped HMAC the robot security settings expect.
package dingtalk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
)

const platform = "dingtalk"

// Channel is the DingTalk adapter.
type Channel struct {
	cfg        config.DingTalkConfig
	httpClient *http.Client
	log        *slog.Logger
	connected  atomic.Bool

	now func() time.Time
}

// New creates a DingTalk channel from config.
func New(cfg config.DingTalkConfig, log *slog.Logger) (*Channel, error) {
	if cfg.WebhookURL == "" {
		return nil, faults.New(faults.Config, "dingtalk webhook_url is required")
	}
	return &Channel{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		now:        time.Now,
	}, nil
}

func (c *Channel) Name() string            { return platform }
func (c *Channel) OwnsJID(jid string) bool { return channels.OwnsPrefix(platform, jid) }
func (c *Channel) Connected() bool         { return c.connected.Load() }

// Start marks the channel ready. Webhook robots have no session.
func (c *Channel) Start(_ context.Context) error {
	c.connected.Store(true)
	c.log.Info("dingtalk channel ready")
	return nil
}

// Stop marks the channel disconnected.
func (c *Channel) Stop(_ context.Context) error {
	c.connected.Store(false)
	return nil
}

// SendMessage posts text to the configured robot webhook.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	endpoint, err := signedURL(c.cfg.WebhookURL, c.cfg.Secret, c.now())
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.Channel, err, "marshal dingtalk payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.Channel, err, "build dingtalk request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.Channel, err, "send dingtalk message")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return faults.New(faults.Channel, "dingtalk webhook returned status %d", resp.StatusCode)
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return faults.Wrap(faults.Channel, err, "decode dingtalk response")
	}
	if result.ErrCode != 0 {
		return faults.New(faults.Channel, "dingtalk send failed: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

// signedURL appends timestamp and sign query parameters when a secret
// is set: sign = base64(hmac_sha256(secret, "{timestamp_ms}\n{secret}")).
func signedURL(webhook, secret string, now time.Time) (string, error) {
	if secret == "" {
		return webhook, nil
	}

	u, err := url.Parse(webhook)
	if err != nil {
		return "", faults.Wrap(faults.Config, err, "parse dingtalk webhook url")
	}

	ts := now.UnixMilli()
	stringToSign := fmt.Sprintf("%d\n%s", ts, secret)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(stringToSign))
	sign := base64.StdEncoding.EncodeToString(h.Sum(nil))

	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", sign)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
