package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the wecomclaw gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Accounts  []AccountConfig `json:"accounts,omitempty"`
	Agent     AgentConfig     `json:"agent"`
	Network   NetworkConfig   `json:"network,omitempty"`
	Media     MediaConfig     `json:"media,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the webhook HTTP server and the ops WebSocket feed.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"` // ops /ws auth token
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // webhook requests per source per minute, 0 = off
}

// AccountConfig is one WeCom corp application. An account serves both the
// Bot channel (/<base_path> and /<base_path>/bot) and the Application
// channel (/<base_path>/agent).
type AccountConfig struct {
	Name           string `json:"name,omitempty"`    // logical id, default "default"
	CorpID         string `json:"corp_id"`
	AppID          string `json:"app_id"`            // WeCom agentid
	Secret         string `json:"secret,omitempty"`  // corpsecret for gettoken; empty disables the Application channel
	Token          string `json:"token"`             // callback token (signature)
	EncodingAESKey string `json:"encoding_aes_key"`  // 43-char base64 key
	BasePath       string `json:"base_path"`         // webhook mount, e.g. "/wecom"
	ReceiverID     string `json:"receiver_id,omitempty"` // envelope receiver check; usually corp_id, empty skips

	// Bot-channel texts. StreamPlaceholder is the first passive reply body.
	WelcomeText       string `json:"welcome_text,omitempty"`
	StreamPlaceholder string `json:"stream_placeholder,omitempty"` // default "1"

	// Delivery behaviour.
	TableMode    string              `json:"table_mode,omitempty"` // "keep" (default), "text", "strip"
	DMPolicy     string              `json:"dm_policy,omitempty"`  // "open" (default) or "allowlist"
	AllowFrom    FlexibleStringSlice `json:"allow_from,omitempty"` // user ids allowed to run commands
	AgentID      string              `json:"agent,omitempty"`      // agent binding, default from AgentConfig
	RateLimitQPS float64             `json:"rate_limit_qps,omitempty"` // outbound API limiter, 0 = off
}

// ResolvedName returns the account name, defaulting to "default".
func (a AccountConfig) ResolvedName() string {
	if a.Name != "" {
		return a.Name
	}
	return "default"
}

// AgentConfig configures the upstream agent gateway bridge.
type AgentConfig struct {
	GatewayURL     string `json:"gateway_url"`       // e.g. "ws://127.0.0.1:18790/ws"
	Token          string `json:"token,omitempty"`   // upstream connect token
	DefaultAgentID string `json:"default_agent_id,omitempty"`
	MediaDir       string `json:"media_dir,omitempty"`      // inbound media spool
	MediaBaseURL   string `json:"media_base_url,omitempty"` // public prefix for saved media
}

// NetworkConfig configures outbound HTTP behaviour.
type NetworkConfig struct {
	EgressProxyURL string `json:"egressProxyUrl,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // default 15
}

// MediaConfig caps inbound media downloads.
type MediaConfig struct {
	MaxBytes int64 `json:"max_bytes,omitempty"` // default 80 MiB
}

// QueueConfig tunes the conversation debounce.
type QueueConfig struct {
	DebounceMs int `json:"debounce_ms,omitempty"` // default 1000
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "wecomclaw-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env WECOMCLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Accounts = src.Accounts
	c.Agent = src.Agent
	c.Network = src.Network
	c.Media = src.Media
	c.Queue = src.Queue
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// AccountList returns a snapshot of the configured accounts.
func (c *Config) AccountList() []AccountConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AccountConfig, len(c.Accounts))
	copy(out, c.Accounts)
	return out
}

// Validate checks the account set for usability before the gateway starts.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		name := a.ResolvedName()
		switch {
		case a.CorpID == "":
			return fmt.Errorf("account %s: corp_id is required", name)
		case a.AppID == "":
			return fmt.Errorf("account %s: app_id is required", name)
		case a.Token == "":
			return fmt.Errorf("account %s: token is required", name)
		case a.EncodingAESKey == "":
			return fmt.Errorf("account %s: encoding_aes_key is required", name)
		case a.BasePath == "" || !strings.HasPrefix(a.BasePath, "/"):
			return fmt.Errorf("account %s: base_path must start with /", name)
		}
		// Accounts may share a base path; the webhook handler picks the
		// recipient by signature. Names must stay unique.
		if seen[name] {
			return fmt.Errorf("account name %q declared twice", name)
		}
		seen[name] = true
	}
	return nil
}

// GatewaySnapshot returns a copy of the gateway section.
func (c *Config) GatewaySnapshot() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// AgentSnapshot returns a copy of the agent bridge section.
func (c *Config) AgentSnapshot() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

// NetworkSnapshot returns a copy of the network section.
func (c *Config) NetworkSnapshot() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// MediaSnapshot returns a copy of the media section.
func (c *Config) MediaSnapshot() MediaConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Media
}

// QueueSnapshot returns a copy of the queue section.
func (c *Config) QueueSnapshot() QueueConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Queue
}
