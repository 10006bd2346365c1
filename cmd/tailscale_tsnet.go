//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/wecomclaw/internal/config"
)

// initTailscale serves mux on a tsnet listener so the webhook mounts and
// ops feed are reachable inside the tailnet without a public port. Returns
// a cleanup func, or nil when no hostname is configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       config.ExpandHome(ts.StateDir),
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
	}
	// tsnet logs a lot; keep it quiet unless asked.
	srv.Logf = func(format string, args ...any) {}
	if verbose {
		srv.Logf = func(format string, args ...any) {
			slog.Debug(fmt.Sprintf("tsnet: "+format, args...))
		}
	}

	var ln net.Listener
	var err error
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	slog.Info("tailscale listener up", "hostname", ts.Hostname, "tls", ts.EnableTLS)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if serveErr := httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Warn("tailscale serve ended", "error", serveErr)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
