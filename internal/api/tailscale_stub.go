//go:build !tsnet

package api

import (
	"log/slog"
	"net/http"

	"github.com/nanogridbot/ngb/internal/config"
)

// InitTailscale is a stub for builds without the tsnet tag. Rebuild with
// `go build -tags tsnet` to serve the API over Tailscale.
func InitTailscale(cfg config.TailscaleConfig, mux *http.ServeMux, log *slog.Logger) func() {
	if cfg.Enabled {
		log.Warn("tailscale configured but binary built without tsnet tag")
	}
	return nil
}
