// Package wecom bridges WeCom (企业微信) to the agent runtime over two
// callback surfaces sharing one account configuration: the Bot channel
// (passive stream replies, JSON envelopes) and the Application channel
// (XML envelopes, token-gated corp API for active sends).
package wecom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
	"github.com/nextlevelbuilder/wecomclaw/internal/bus"
	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
	"github.com/nextlevelbuilder/wecomclaw/internal/markdown"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
	pkgprotocol "github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

const (
	// maxWebhookBody caps inbound callback bodies.
	maxWebhookBody = 1 << 20

	// appDedupeTTL covers WeCom's retry window for Application callbacks.
	appDedupeTTL = 10 * time.Minute
	appDedupeMax = 4096

	defaultDebounce = time.Second
)

// Account is one WeCom corp application wired for serving: the immutable
// config snapshot, the callback codec, and the corp-API client.
type Account struct {
	cfg    config.AccountConfig
	codec  *protocol.Codec
	client *Client
}

func newAccount(cfg config.AccountConfig, fetcher *Fetcher, tokens *TokenCache, proxy func() string) (*Account, error) {
	codec, err := protocol.NewCodec(cfg.Token, cfg.EncodingAESKey, cfg.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.ResolvedName(), err)
	}
	return &Account{
		cfg:    cfg,
		codec:  codec,
		client: NewClient(cfg, fetcher, tokens, proxy),
	}, nil
}

// Name returns the account's logical id.
func (a *Account) Name() string { return a.cfg.ResolvedName() }

// appConfigured reports whether the token-gated Application channel is
// usable. Without a secret the account is Bot-only.
func (a *Account) appConfigured() bool { return a.cfg.Secret != "" }

// ProbeCredentials exercises the account's corp credentials by fetching an
// access token. Bot-only accounts have nothing to probe.
func (a *Account) ProbeCredentials(ctx context.Context) error {
	if !a.appConfigured() {
		return nil
	}
	_, err := a.client.token(ctx)
	return err
}

func (a *Account) placeholderText() string {
	if a.cfg.StreamPlaceholder != "" {
		return a.cfg.StreamPlaceholder
	}
	return defaultStreamPlaceholder
}

func (a *Account) tableMode() string {
	if a.cfg.TableMode != "" {
		return a.cfg.TableMode
	}
	return markdown.TableModeKeep
}

// Channel is the HTTP entry point for every configured account. It
// normalizes the request path, picks the candidate account set, and hands
// off to the Bot or Application handler. Route lookup happens per request,
// so config reloads take effect without re-registering handlers.
type Channel struct {
	cfg     *config.Config
	store   *streamq.Store
	runtime agent.Runtime
	events  bus.EventPublisher

	fetcher *Fetcher
	tokens  *TokenCache
	driver  *Driver
	bot     *BotHandler
	app     *AppHandler

	mu       sync.RWMutex
	accounts map[string][]*Account // base path → accounts, config order
}

// NewChannel wires the full WeCom side: clients, handlers, and the agent
// driver. It claims the store's OnFlush hook.
func NewChannel(cfg *config.Config, store *streamq.Store, runtime agent.Runtime, events bus.EventPublisher) (*Channel, error) {
	net := cfg.NetworkSnapshot()
	c := &Channel{
		cfg:     cfg,
		store:   store,
		runtime: runtime,
		events:  events,
		fetcher: NewFetcher(time.Duration(net.TimeoutSeconds) * time.Second),
		tokens:  NewTokenCache(),
	}
	c.driver = NewDriver(store, runtime, cfg, events, c.fetcher, c.proxyURL)
	c.bot = &BotHandler{store: store, driver: c.driver, events: events, debounce: c.debounce}
	c.app = &AppHandler{
		runtime: runtime,
		cfg:     cfg,
		events:  events,
		dedupe:  bus.NewDedupeCache(appDedupeTTL, appDedupeMax),
	}
	store.OnFlush = c.driver.HandleBatch
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rebuilds the account registry from the live configuration.
// Called at startup and from the config watcher.
func (c *Channel) Reload() error {
	list := c.cfg.AccountList()
	accounts := make(map[string][]*Account, len(list))
	for _, ac := range list {
		acct, err := newAccount(ac, c.fetcher, c.tokens, c.proxyURL)
		if err != nil {
			return err
		}
		base := normalizeBasePath(ac.BasePath)
		accounts[base] = append(accounts[base], acct)
	}

	c.mu.Lock()
	c.accounts = accounts
	c.mu.Unlock()

	slog.Info("wecom accounts loaded", "accounts", len(list), "paths", len(accounts))
	return nil
}

// proxyURL returns the current egress proxy. Env overrides are folded into
// the config at load time, so this follows hot reloads too.
func (c *Channel) proxyURL() string {
	return c.cfg.NetworkSnapshot().EgressProxyURL
}

func (c *Channel) debounce() time.Duration {
	if ms := c.cfg.QueueSnapshot().DebounceMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultDebounce
}

// accountsFor returns the accounts mounted at base, or nil.
func (c *Channel) accountsFor(base string) []*Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accounts[base]
}

// Accounts returns every registered account. Used by the doctor command
// for connectivity probes.
func (c *Channel) Accounts() []*Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Account
	for _, list := range c.accounts {
		out = append(out, list...)
	}
	return out
}

func normalizeBasePath(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	return p
}

// ServeHTTP dispatches `/<base>` and `/<base>/bot` to the Bot handler and
// `/<base>/agent` to the Application handler.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := normalizeBasePath(r.URL.Path)

	surface := "bot"
	base := path
	switch {
	case strings.HasSuffix(path, "/agent"):
		surface = "app"
		base = normalizeBasePath(strings.TrimSuffix(path, "/agent"))
	case strings.HasSuffix(path, "/bot"):
		base = normalizeBasePath(strings.TrimSuffix(path, "/bot"))
	}

	accounts := c.accountsFor(base)
	if len(accounts) == 0 {
		http.NotFound(w, r)
		return
	}

	switch surface {
	case "app":
		c.app.serve(w, r, accounts)
	default:
		c.bot.serve(w, r, accounts)
	}
}

// rejectWebhook answers a failed verification and feeds the ops stream.
func rejectWebhook(w http.ResponseWriter, events bus.EventPublisher, surface, reason string, status int) {
	slog.Warn("webhook rejected", "surface", surface, "reason", reason, "status", status)
	if events != nil {
		events.Broadcast(bus.Event{Name: pkgprotocol.EventWebhookDenied, Payload: map[string]string{
			"surface": surface,
			"reason":  reason,
		}})
	}
	http.Error(w, reason, status)
}

// openWithAccounts tries each account's codec until one verifies and
// decrypts the envelope. A signature mismatch just means "not this
// account"; an account that verified but failed to decrypt is the real
// error and wins the classification.
func openWithAccounts(accounts []*Account, signature, timestamp, nonce, encrypted string) (*Account, []byte, error) {
	var decryptErr error
	for _, acct := range accounts {
		plain, err := acct.codec.Open(signature, timestamp, nonce, encrypted)
		if err == nil {
			return acct, plain, nil
		}
		if errors.Is(err, protocol.ErrSignatureMismatch) {
			continue
		}
		if decryptErr == nil {
			decryptErr = err
		}
	}
	if decryptErr != nil {
		return nil, nil, decryptErr
	}
	return nil, nil, protocol.ErrSignatureMismatch
}

// signatureParam pulls the callback signature out of the query under its
// observed spellings.
func signatureParam(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{"msg_signature", "msgsignature", "signature"} {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return ""
}
