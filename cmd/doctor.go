package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanogridbot/ngb/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("ngb doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Store
	fmt.Println()
	fmt.Println("  Store:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Store.Driver)
	checkStore(cfg)

	// Container runtime
	fmt.Println()
	fmt.Println("  Container:")
	checkRuntime(cfg.Container.Runtime)
	fmt.Printf("    %-12s %s\n", "Image:", cfg.Container.Image)

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")
	checkChannel("QQ", cfg.Channels.QQ.Enabled, cfg.Channels.QQ.WSURL != "")
	checkChannel("Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BotToken != "")
	checkChannel("Feishu", cfg.Channels.Feishu.Enabled, cfg.Channels.Feishu.AppID != "")
	checkChannel("WeCom", cfg.Channels.WeCom.Enabled, cfg.Channels.WeCom.WebhookURL != "")
	checkChannel("DingTalk", cfg.Channels.DingTalk.Enabled, cfg.Channels.DingTalk.WebhookURL != "")

	// Directories
	fmt.Println()
	fmt.Println("  Directories:")
	checkDir("Data:", cfg.DataDir)
	checkDir("Groups:", cfg.GroupsDir)
	checkDir("Store:", cfg.StoreDir)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStore(cfg *config.Config) {
	switch cfg.Store.Driver {
	case "sqlite":
		fmt.Printf("    %-12s %s\n", "Path:", cfg.StorePath())
	case "postgres":
		masked := cfg.Store.DSN
		if i := strings.Index(masked, "@"); i > 0 {
			masked = "***" + masked[i:]
		}
		fmt.Printf("    %-12s %s\n", "DSN:", masked)
	}

	db, err := openStore(cfg)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		fmt.Printf("    %-12s PING FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK (migrations applied)\n", "Status:")
}

func checkRuntime(binary string) {
	path, err := exec.LookPath(binary)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", binary+":")
		return
	}
	fmt.Printf("    %-12s %s\n", binary+":", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, binary, "version").Run(); err != nil {
		fmt.Printf("    %-12s NOT RESPONDING (%s)\n", "Daemon:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Daemon:")
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkDir(label, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("    %-12s %s (CREATE FAILED: %s)\n", label, dir, err)
		return
	}
	probe := filepath.Join(dir, ".ngb-doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf("    %-12s %s (NOT WRITABLE: %s)\n", label, dir, err)
		return
	}
	os.Remove(probe)
	fmt.Printf("    %-12s %s (OK)\n", label, dir)
}
