// Package feishu delivers outbound messages through the Feishu/Lark
// Open API using a tenant access token. The adapter is send-only; jids
// take the form feishu:{chat_id} (oc_ chat ids or ou_ open ids).
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
)

const (
	platform          = "feishu"
	defaultBaseURL    = "https://open.feishu.cn"
	tokenEndpoint     = "/open-apis/auth/v3/tenant_access_token/internal"
	messagesEndpoint  = "/open-apis/im/v1/messages"
	tokenExpiryBuffer = 3 * time.Minute
)

// Channel is the Feishu adapter. It handles tenant_access_token
// auto-refresh internally.
type Channel struct {
	cfg        config.FeishuConfig
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time

	connected atomic.Bool
}

// New creates a Feishu channel from config.
func New(cfg config.FeishuConfig, log *slog.Logger) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, faults.New(faults.Config, "feishu app_id and app_secret are required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Channel{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}, nil
}

func (c *Channel) Name() string            { return platform }
func (c *Channel) OwnsJID(jid string) bool { return channels.OwnsPrefix(platform, jid) }
func (c *Channel) Connected() bool         { return c.connected.Load() }

// Start fetches an initial tenant token to verify the credentials.
func (c *Channel) Start(ctx context.Context) error {
	if _, err := c.getToken(ctx); err != nil {
		return err
	}
	c.connected.Store(true)
	c.log.Info("feishu channel ready")
	return nil
}

// Stop marks the channel disconnected. There is no socket to close.
func (c *Channel) Stop(_ context.Context) error {
	c.connected.Store(false)
	return nil
}

// SendMessage posts text to a feishu:{id} jid via im/v1/messages.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	_, id := channels.SplitJID(jid)
	if id == "" {
		return faults.New(faults.Channel, "invalid feishu jid %q", jid)
	}

	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return faults.Wrap(faults.Channel, err, "marshal feishu content")
	}
	body, _ := json.Marshal(map[string]string{
		"receive_id": id,
		"msg_type":   "text",
		"content":    string(content),
	})

	url := c.baseURL + messagesEndpoint + "?receive_id_type=" + receiveIDType(id)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(faults.Channel, err, "build feishu request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Wrap(faults.Channel, err, "send feishu message to %s", id)
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return faults.Wrap(faults.Channel, err, "decode feishu response")
	}
	if result.Code != 0 {
		return faults.New(faults.Channel, "feishu send failed: code=%d msg=%s", result.Code, result.Msg)
	}
	return nil
}

func (c *Channel) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.cfg.AppID,
		"app_secret": c.cfg.AppSecret,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", faults.Wrap(faults.Channel, err, "build feishu token request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", faults.Wrap(faults.Channel, err, "feishu token request")
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", faults.Wrap(faults.Channel, err, "decode feishu token")
	}
	if result.Code != 0 {
		return "", faults.New(faults.Channel, "feishu token error: code=%d msg=%s", result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

// receiveIDType maps a Lark id to the receive_id_type query value.
func receiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default:
		return "chat_id"
	}
}
