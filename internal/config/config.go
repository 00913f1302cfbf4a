// Package config holds the process-wide runtime configuration: a JSON5 file
// overlaid with NGB_* environment variables. The loaded snapshot is
// read-mostly; Install/Current/Reload manage the shared copy.
package config

import (
	"path/filepath"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// AssistantName feeds the default trigger pattern (?i)^@{name}\b.
	AssistantName string `json:"assistant_name,omitempty"`

	// BaseDir is the project directory mounted read-only into the main
	// group's containers.
	BaseDir   string `json:"base_dir,omitempty"`
	DataDir   string `json:"data_dir,omitempty"`
	GroupsDir string `json:"groups_dir,omitempty"`
	StoreDir  string `json:"store_dir,omitempty"`

	// MainGroup is the folder name whose containers get the project mount.
	MainGroup string `json:"main_group,omitempty"`

	LogLevel string `json:"log_level,omitempty"`

	// PollIntervalMS is the orchestrator's message poll cadence.
	PollIntervalMS int `json:"poll_interval_ms,omitempty"`
	// IPCPollIntervalMS is the IPC watcher poll cadence.
	IPCPollIntervalMS int `json:"ipc_poll_interval_ms,omitempty"`
	// SchedulerIntervalS is the scheduler tick cadence.
	SchedulerIntervalS int `json:"scheduler_interval_s,omitempty"`

	Queue     QueueConfig     `json:"queue,omitempty"`
	Container ContainerConfig `json:"container,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	API       APIConfig       `json:"api,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
}

// QueueConfig bounds the workspace queue.
type QueueConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	MaxRetries    int `json:"max_retries,omitempty"`
}

// ContainerConfig describes how sandbox containers are launched.
type ContainerConfig struct {
	// Runtime is the container CLI binary, e.g. "docker" or "podman".
	Runtime  string            `json:"runtime,omitempty"`
	Image    string            `json:"image,omitempty"`
	Network  string            `json:"network,omitempty"`
	Memory   string            `json:"memory,omitempty"`
	CPUs     string            `json:"cpus,omitempty"`
	TimeoutS int               `json:"timeout_s,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Breaker  BreakerConfig     `json:"breaker,omitempty"`
}

// BreakerConfig tunes the spawn-failure circuit breaker.
type BreakerConfig struct {
	Threshold int `json:"threshold,omitempty"`
	CooldownS int `json:"cooldown_s,omitempty"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" (default, embedded) or "postgres".
	Driver string `json:"driver,omitempty"`
	// DSN is the postgres connection string; unused for sqlite.
	DSN           string `json:"dsn,omitempty"`
	PoolSize      int    `json:"pool_size,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

// ChannelsConfig configures the platform adapters.
type ChannelsConfig struct {
	// SendPerSecond / SendBurst feed the per-platform outbound limiter.
	SendPerSecond float64 `json:"send_per_second,omitempty"`
	SendBurst     int     `json:"send_burst,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	QQ       QQConfig       `json:"qq,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Feishu   FeishuConfig   `json:"feishu,omitempty"`
	WeCom    WeComConfig    `json:"wecom,omitempty"`
	DingTalk DingTalkConfig `json:"dingtalk,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"token,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"token,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// WhatsAppConfig points at a whatsapp-web.js style bridge reachable over
// WebSocket; the bridge speaks the actual WhatsApp protocol.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	BridgeURL string   `json:"bridge_url,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// QQConfig points at a OneBot v11 endpoint.
type QQConfig struct {
	Enabled     bool     `json:"enabled,omitempty"`
	WSURL       string   `json:"ws_url,omitempty"`
	AccessToken string   `json:"access_token,omitempty"`
	AllowFrom   []string `json:"allow_from,omitempty"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	BotToken string `json:"bot_token,omitempty"`
	// APIURL overrides the Slack API base URL, for tests.
	APIURL string `json:"api_url,omitempty"`
}

type FeishuConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	AppSecret string `json:"app_secret,omitempty"`
	// BaseURL overrides the Lark API host, for Lark global or tests.
	BaseURL string `json:"base_url,omitempty"`
}

type WeComConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type DingTalkConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// APIConfig exposes the admin/health HTTP server.
type APIConfig struct {
	Enabled   bool            `json:"enabled,omitempty"`
	Listen    string          `json:"listen,omitempty"`
	AuthToken string          `json:"auth_token,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// TailscaleConfig serves the API over a tsnet listener instead of a local
// TCP socket.
type TailscaleConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	AuthKey  string `json:"auth_key,omitempty"`
	StateDir string `json:"state_dir,omitempty"`
}

// TracingConfig enables OTLP span export for container runs.
type TracingConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Endpoint is host:port of the OTLP collector.
	Endpoint    string  `json:"endpoint,omitempty"`
	Protocol    string  `json:"protocol,omitempty"` // "grpc" or "http"
	Insecure    bool    `json:"insecure,omitempty"`
	SampleRatio float64 `json:"sample_ratio,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		AssistantName:      "Nano",
		BaseDir:            ".",
		DataDir:            "~/.ngb/data",
		GroupsDir:          "~/.ngb/groups",
		StoreDir:           "~/.ngb/store",
		MainGroup:          "main",
		LogLevel:           "info",
		PollIntervalMS:     2000,
		IPCPollIntervalMS:  500,
		SchedulerIntervalS: 60,
		Queue: QueueConfig{
			MaxConcurrent: 5,
			MaxRetries:    5,
		},
		Container: ContainerConfig{
			Runtime:  "docker",
			Image:    "ngb-agent:latest",
			Network:  "none",
			Memory:   "2g",
			CPUs:     "1.0",
			TimeoutS: 300,
			Breaker: BreakerConfig{
				Threshold: 3,
				CooldownS: 30,
			},
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			PoolSize: 5,
		},
		Channels: ChannelsConfig{
			SendPerSecond: 5,
			SendBurst:     10,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8590",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			SampleRatio: 1.0,
		},
	}
}

// StorePath returns the embedded database file location.
func (c *Config) StorePath() string {
	return filepath.Join(c.StoreDir, "messages.db")
}

// IPCDir returns the IPC directory for a jid.
func (c *Config) IPCDir(jid string) string {
	return filepath.Join(c.DataDir, "ipc", jid)
}

// PollInterval returns the orchestrator poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// IPCPollInterval returns the IPC watcher poll cadence as a duration.
func (c *Config) IPCPollInterval() time.Duration {
	return time.Duration(c.IPCPollIntervalMS) * time.Millisecond
}

// SchedulerInterval returns the scheduler tick cadence as a duration.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalS) * time.Second
}

// ContainerTimeout returns the default per-run wall clock limit.
func (c *Config) ContainerTimeout() time.Duration {
	return time.Duration(c.Container.TimeoutS) * time.Second
}
