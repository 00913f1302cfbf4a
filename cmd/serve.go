package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanogridbot/ngb/internal/api"
	"github.com/nanogridbot/ngb/internal/channels"
	"github.com/nanogridbot/ngb/internal/channels/dingtalk"
	"github.com/nanogridbot/ngb/internal/channels/discord"
	"github.com/nanogridbot/ngb/internal/channels/feishu"
	"github.com/nanogridbot/ngb/internal/channels/qq"
	"github.com/nanogridbot/ngb/internal/channels/slack"
	"github.com/nanogridbot/ngb/internal/channels/telegram"
	"github.com/nanogridbot/ngb/internal/channels/wecom"
	"github.com/nanogridbot/ngb/internal/channels/whatsapp"
	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/ipc"
	"github.com/nanogridbot/ngb/internal/orchestrator"
	"github.com/nanogridbot/ngb/internal/queue"
	"github.com/nanogridbot/ngb/internal/router"
	"github.com/nanogridbot/ngb/internal/sandbox"
	"github.com/nanogridbot/ngb/internal/scheduler"
	"github.com/nanogridbot/ngb/internal/store"
	"github.com/nanogridbot/ngb/internal/store/pg"
	"github.com/nanogridbot/ngb/internal/store/sqlite"
	"github.com/nanogridbot/ngb/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging("")

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	config.Install(cfg)
	setupLogging(cfg.LogLevel)
	log := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		log.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := openStore(cfg)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	launcher := sandbox.NewLauncher(cfg, sandbox.ExecCLI{Binary: cfg.Container.Runtime}, db, log)
	q := queue.NewManager(cfg, launcher, db, log)

	chMgr := channels.NewManager(cfg.Channels.SendPerSecond, cfg.Channels.SendBurst, log)
	if err := registerChannels(chMgr, cfg, db, log); err != nil {
		log.Error("failed to build channels", "error", err)
		os.Exit(1)
	}

	registry := router.NewRegistry(db, log)
	rt := router.New(registry, chMgr, cfg.AssistantName, log)

	watcher := ipc.NewWatcher(cfg.DataDir, cfg.IPCPollInterval(), rt, log)
	sched := scheduler.New(db, q, cfg.SchedulerInterval(), log)

	orch := orchestrator.New(cfg, db, q, rt, watcher, sched, chMgr, log)
	if err := orch.Start(ctx); err != nil {
		log.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	if cfg.API.Enabled {
		apiSrv := api.NewServer(cfg.API, db, orch.Health, log)
		// Build the mux first, then pass it to InitTailscale so the same
		// routes are served on both the local and tailnet listeners.
		mux := apiSrv.BuildMux()
		if cleanup := api.InitTailscale(cfg.API.Tailscale, mux, log); cleanup != nil {
			defer cleanup()
		}
		go func() {
			if err := apiSrv.Start(ctx); err != nil {
				log.Error("api server error", "error", err)
			}
		}()
	}

	log.Info("ngb started",
		"version", Version,
		"store", cfg.Store.Driver,
		"groups", registry.Len(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if _, err := config.Reload(cfgPath); err != nil {
				log.Error("config reload failed", "error", err)
			} else {
				setupLogging(config.Current().LogLevel)
				log.Info("config reloaded")
			}
			continue
		}
		log.Info("graceful shutdown initiated", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orch.Stop(shutdownCtx)
	q.Wait()
}

// setupLogging installs the default slog handler. The verbose flag wins
// over the configured level.
func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	} else {
		switch level {
		case "debug":
			logLevel = slog.LevelDebug
		case "warn":
			logLevel = slog.LevelWarn
		case "error":
			logLevel = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// openStore opens the configured persistence backend, applying pending
// migrations.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		s, err := sqlite.Open(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := pg.Open(cfg.Store.DSN, cfg.Store.PoolSize)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// registerChannels constructs every enabled platform adapter and hands it
// to the manager. Inbound-capable adapters write to the store; HTTP-only
// platforms receive inbound traffic through POST /api/messages instead.
func registerChannels(m *channels.Manager, cfg *config.Config, sink channels.MessageSink, log *slog.Logger) error {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, sink, log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		m.Register(ch)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, sink, log)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		m.Register(ch)
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, sink, log)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		m.Register(ch)
	}
	if cfg.Channels.QQ.Enabled {
		ch, err := qq.New(cfg.Channels.QQ, sink, log)
		if err != nil {
			return fmt.Errorf("qq: %w", err)
		}
		m.Register(ch)
	}
	if cfg.Channels.Slack.Enabled {
		ch, err := slack.New(cfg.Channels.Slack, log)
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		m.Register(ch)
	}
	if cfg.Channels.Feishu.Enabled {
		ch, err := feishu.New(cfg.Channels.Feishu, log)
		if err != nil {
			return fmt.Errorf("feishu: %w", err)
		}
		m.Register(ch)
	}
	if cfg.Channels.WeCom.Enabled {
		ch, err := wecom.New(cfg.Channels.WeCom, log)
		if err != nil {
			return fmt.Errorf("wecom: %w", err)
		}
		m.Register(ch)
	}
	if cfg.Channels.DingTalk.Enabled {
		ch, err := dingtalk.New(cfg.Channels.DingTalk, log)
		if err != nil {
			return fmt.Errorf("dingtalk: %w", err)
		}
		m.Register(ch)
	}
	return nil
}
