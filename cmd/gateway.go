package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
	"github.com/nextlevelbuilder/wecomclaw/internal/bus"
	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
	"github.com/nextlevelbuilder/wecomclaw/internal/gateway"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
	"github.com/nextlevelbuilder/wecomclaw/internal/tracing"
	"github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	masked, _ := json.Marshal(cfg.MaskedCopy())
	slog.Debug("effective config", "config", string(masked))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (no-op unless telemetry.enabled)
	tp, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing init failed", "error", err)
	} else if tp != nil {
		defer tracing.Shutdown(context.Background(), tp)
	}

	// Core components: event bus, stream store, upstream agent bridge.
	msgBus := bus.New()

	store := streamq.New()
	store.Events = msgBus
	store.StartPruner(ctx)

	agentCfg := cfg.AgentSnapshot()
	bridge := agent.NewBridge(agent.BridgeConfig{
		URL:          agentCfg.GatewayURL,
		Token:        agentCfg.Token,
		DefaultAgent: agentCfg.DefaultAgentID,
		MediaDir:     config.ExpandHome(agentCfg.MediaDir),
		MediaBaseURL: agentCfg.MediaBaseURL,
	})
	defer bridge.Close()

	// WeCom accounts: codecs, corp clients, Bot/Application handlers.
	channel, err := wecom.NewChannel(cfg, store, bridge, msgBus)
	if err != nil {
		slog.Error("failed to build accounts", "error", err)
		os.Exit(1)
	}
	slog.Info("accounts mounted", "count", len(channel.Accounts()))

	// Upstream "send" requests deliver through the account channel; wire it
	// before the first dial so no request races the registration.
	bridge.SetSender(channel)
	bridge.Start(ctx)

	// Gateway server: webhook mounts + /healthz + /ws ops feed.
	server := gateway.NewServer(cfg, msgBus, channel, store)

	// Config hot reload: the watcher swaps the live config, then the
	// account registry rebuilds and the ops feed hears about it.
	watchErr := config.Watch(ctx, cfgPath, cfg, func(live *config.Config) {
		if err := channel.Reload(); err != nil {
			slog.Warn("account reload failed", "error", err)
			return
		}
		msgBus.Broadcast(bus.Event{
			Name:    protocol.EventConfigReloaded,
			Payload: map[string]string{"hash": live.Hash()},
		})
	})
	if watchErr != nil {
		slog.Warn("config watcher unavailable", "error", watchErr)
	}

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		cancel()
	}()

	slog.Info("wecomclaw gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"accounts", len(channel.Accounts()),
		"agent_gateway", agentCfg.GatewayURL,
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both the main listener and Tailscale.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
