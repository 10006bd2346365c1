package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18791,
		},
		Agent: AgentConfig{
			GatewayURL:     "ws://127.0.0.1:18790/ws",
			DefaultAgentID: "default",
			MediaDir:       "~/.wecomclaw/media",
		},
		Network: NetworkConfig{
			TimeoutSeconds: 15,
		},
		Media: MediaConfig{
			MaxBytes: 80 << 20,
		},
		Queue: QueueConfig{
			DebounceMs: 1000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: env vars alone can configure one account.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
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

	// Gateway
	envStr("WECOMCLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("WECOMCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("WECOMCLAW_GATEWAY_TOKEN", &c.Gateway.Token)

	// Upstream agent bridge
	envStr("WECOMCLAW_AGENT_GATEWAY_URL", &c.Agent.GatewayURL)
	envStr("WECOMCLAW_AGENT_TOKEN", &c.Agent.Token)
	envStr("WECOMCLAW_MEDIA_DIR", &c.Agent.MediaDir)

	// Egress proxy: both names accepted, the generic one wins last.
	envStr("WECOMCLAW_EGRESS_PROXY_URL", &c.Network.EgressProxyURL)
	envStr("EGRESS_PROXY_URL", &c.Network.EgressProxyURL)

	// Single-account setup straight from env: fills the first account,
	// creating it when the file declared none.
	if os.Getenv("WECOMCLAW_CORP_ID") != "" && len(c.Accounts) == 0 {
		c.Accounts = append(c.Accounts, AccountConfig{BasePath: "/wecom"})
	}
	if len(c.Accounts) > 0 {
		a := &c.Accounts[0]
		envStr("WECOMCLAW_CORP_ID", &a.CorpID)
		envStr("WECOMCLAW_APP_ID", &a.AppID)
		envStr("WECOMCLAW_CORP_SECRET", &a.Secret)
		envStr("WECOMCLAW_CALLBACK_TOKEN", &a.Token)
		envStr("WECOMCLAW_ENCODING_AES_KEY", &a.EncodingAESKey)
		envStr("WECOMCLAW_BASE_PATH", &a.BasePath)
	}

	// Telemetry
	envStr("WECOMCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WECOMCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WECOMCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("WECOMCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WECOMCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("WECOMCLAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("WECOMCLAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("WECOMCLAW_TSNET_DIR", &c.Tailscale.StateDir)
}

// Hash returns a SHA-256 hash of the config. The watcher uses it to skip
// no-op reloads (editors often fire several write events per save).
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used when logging the effective config at startup.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Agent.Token)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	for i := range cp.Accounts {
		maskNonEmpty(&cp.Accounts[i].Secret)
		maskNonEmpty(&cp.Accounts[i].Token)
		maskNonEmpty(&cp.Accounts[i].EncodingAESKey)
	}

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
