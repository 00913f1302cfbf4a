package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/titanous/json5"

	"github.com/nanogridbot/ngb/internal/faults"
)

// Load reads config from a JSON5 file, then overlays env vars and
// normalizes paths. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, faults.Wrap(faults.Config, err, "read config")
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, faults.Wrap(faults.Config, err, "parse config")
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("NGB_ASSISTANT_NAME", &c.AssistantName)
	envStr("NGB_BASE_DIR", &c.BaseDir)
	envStr("NGB_DATA_DIR", &c.DataDir)
	envStr("NGB_GROUPS_DIR", &c.GroupsDir)
	envStr("NGB_STORE_DIR", &c.StoreDir)
	envStr("NGB_LOG_LEVEL", &c.LogLevel)

	envInt("NGB_MAX_CONCURRENT", &c.Queue.MaxConcurrent)
	envStr("NGB_CONTAINER_RUNTIME", &c.Container.Runtime)
	envStr("NGB_CONTAINER_IMAGE", &c.Container.Image)
	envInt("NGB_CONTAINER_TIMEOUT_SEC", &c.Container.TimeoutS)

	envStr("NGB_STORE_DRIVER", &c.Store.Driver)
	envStr("NGB_STORE_DSN", &c.Store.DSN)

	envStr("NGB_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NGB_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("NGB_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("NGB_QQ_WS_URL", &c.Channels.QQ.WSURL)
	envStr("NGB_QQ_ACCESS_TOKEN", &c.Channels.QQ.AccessToken)
	envStr("NGB_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("NGB_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("NGB_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("NGB_WECOM_WEBHOOK_URL", &c.Channels.WeCom.WebhookURL)
	envStr("NGB_DINGTALK_WEBHOOK_URL", &c.Channels.DingTalk.WebhookURL)
	envStr("NGB_DINGTALK_SECRET", &c.Channels.DingTalk.Secret)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.QQ.WSURL != "" {
		c.Channels.QQ.Enabled = true
	}

	envBool("NGB_API_ENABLED", &c.API.Enabled)
	envStr("NGB_API_LISTEN", &c.API.Listen)
	envStr("NGB_API_AUTH_TOKEN", &c.API.AuthToken)
	envStr("NGB_TSNET_HOSTNAME", &c.API.Tailscale.Hostname)
	envStr("NGB_TSNET_AUTH_KEY", &c.API.Tailscale.AuthKey)
	envStr("NGB_TSNET_DIR", &c.API.Tailscale.StateDir)

	envBool("NGB_TRACING_ENABLED", &c.Tracing.Enabled)
	envStr("NGB_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	envStr("NGB_TRACING_PROTOCOL", &c.Tracing.Protocol)
	envBool("NGB_TRACING_INSECURE", &c.Tracing.Insecure)
}

// normalize expands ~ in paths and resolves BaseDir to an absolute path.
func (c *Config) normalize() {
	c.BaseDir = ExpandHome(c.BaseDir)
	c.DataDir = ExpandHome(c.DataDir)
	c.GroupsDir = ExpandHome(c.GroupsDir)
	c.StoreDir = ExpandHome(c.StoreDir)
	if abs, err := filepath.Abs(c.BaseDir); err == nil {
		c.BaseDir = abs
	}
}

// Validate rejects statically broken configuration at startup.
func (c *Config) Validate() error {
	if c.AssistantName == "" {
		return faults.New(faults.Config, "assistant_name must not be empty")
	}
	for name, dir := range map[string]string{
		"data_dir":   c.DataDir,
		"groups_dir": c.GroupsDir,
		"store_dir":  c.StoreDir,
		"base_dir":   c.BaseDir,
	} {
		if dir == "" {
			return faults.New(faults.Config, "%s must not be empty", name)
		}
	}
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			return faults.New(faults.Config, "store.dsn is required for the postgres driver")
		}
	default:
		return faults.New(faults.Config, "unknown store driver %q", c.Store.Driver)
	}
	if c.Queue.MaxConcurrent < 1 {
		return faults.New(faults.Config, "queue.max_concurrent must be at least 1")
	}
	if c.Queue.MaxRetries < 1 {
		return faults.New(faults.Config, "queue.max_retries must be at least 1")
	}
	if c.Container.Runtime == "" || c.Container.Image == "" {
		return faults.New(faults.Config, "container.runtime and container.image must be set")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return faults.New(faults.Config, "tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

var (
	currentMu sync.RWMutex
	current   *Config
)

// Install publishes cfg as the process-wide snapshot.
func Install(cfg *Config) {
	currentMu.Lock()
	current = cfg
	currentMu.Unlock()
}

// Current returns the installed snapshot. Callers must treat it as
// read-only; a reload swaps the pointer, never mutates in place.
func Current() *Config {
	currentMu.RLock()
	defer currentMu.RUnlock()
	if current == nil {
		return Default()
	}
	return current
}

// Reload re-reads the file at path and swaps the snapshot on success.
func Reload(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}
	Install(cfg)
	return cfg, nil
}
