//go:build tsnet

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/nanogridbot/ngb/internal/config"
)

// InitTailscale serves the same mux on a tailnet listener so the API is
// reachable from other machines without exposing a public port. Returns a
// cleanup function, or nil when disabled or the listener fails.
// Compiled via build tags: `go build -tags tsnet` to enable.
func InitTailscale(cfg config.TailscaleConfig, mux *http.ServeMux, log *slog.Logger) func() {
	if !cfg.Enabled {
		return nil
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "ngb"
	}

	srv := &tsnet.Server{
		Hostname: hostname,
		AuthKey:  cfg.AuthKey,
		Dir:      cfg.StateDir,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		log.Error("tsnet listen failed", "hostname", hostname, "error", err)
		srv.Close()
		return nil
	}

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("tsnet serve failed", "error", err)
		}
	}()

	log.Info("api serving on tailnet", "hostname", hostname)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Close()
	}
}
