package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/wecomclaw/internal/bus"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
	"github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

// Server is the HTTP front door: it serves every account's webhook mounts
// plus the ops surface (/healthz and the /ws event feed).
type Server struct {
	cfg      *config.Config
	events   bus.EventPublisher
	webhooks http.Handler
	store    *streamq.Store

	upgrader websocket.Upgrader
	limiter  *WebhookRateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	started    time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. webhooks handles everything outside
// the ops routes, typically the account channel mux; nil disables the
// webhook mount. store feeds the ops gauges and may be nil.
func NewServer(cfg *config.Config, events bus.EventPublisher, webhooks http.Handler, store *streamq.Store) *Server {
	s := &Server{
		cfg:      cfg,
		events:   events,
		webhooks: webhooks,
		store:    store,
		clients:  make(map[string]*Client),
		started:  time.Now(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0 → per-source webhook limiting at that RPM
	// rate_limit_rpm <= 0 → disabled
	s.limiter = NewWebhookRateLimiter(cfg.GatewaySnapshot().RateLimitRPM)
	return s
}

// checkOrigin validates WebSocket connection origin against the allowed
// origins whitelist. No configured origins allows all. An empty Origin
// header (non-browser clients like CLI tooling) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.GatewaySnapshot().AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners
// (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	// Everything else is webhook territory; the channel mux resolves the
	// account by path.
	if s.webhooks != nil {
		mux.Handle("/", s.rateLimited(s.webhooks))
	}

	s.mux = mux
	return mux
}

// rateLimited wraps the webhook handler with the per-source limiter.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter.Enabled() && !s.limiter.Allow(sourceKey(r)) {
			slog.Warn("webhook rate limited", "source", sourceKey(r), "path", r.URL.Path)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sourceKey extracts the client IP used as the rate-limit key.
func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Start begins listening for webhook and WebSocket connections.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	gw := s.cfg.GatewaySnapshot()
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates, upgrades and runs one ops feed connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if tok := s.cfg.GatewaySnapshot().Token; tok != "" && !wsAuthorized(r, tok) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// wsAuthorized accepts the ops token as a bearer header or ?token= query.
func wsAuthorized(r *http.Request, token string) bool {
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" || got == r.Header.Get("Authorization") {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// handleHealth reports liveness plus the store gauges.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.status())
}

type statusPayload struct {
	Status   string `json:"status"`
	Protocol int    `json:"protocol"`
	UptimeS  int64  `json:"uptime_s"`
	Accounts int    `json:"accounts"`
	Clients  int    `json:"clients"`
	Streams  int    `json:"streams"`
	Pending  int    `json:"pending"`
}

func (s *Server) status() statusPayload {
	p := statusPayload{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
		UptimeS:  int64(time.Since(s.started).Seconds()),
		Accounts: len(s.cfg.AccountList()),
		Clients:  s.clientCount(),
	}
	if s.store != nil {
		p.Streams = s.store.CountActive()
		p.Pending = s.store.PendingCount()
	}
	return p
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// BroadcastEvent sends an event to all connected ops clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	// Mirror bus events onto this connection.
	if s.events != nil {
		s.events.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}

	slog.Info("ops client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	if s.events != nil {
		s.events.Unsubscribe(c.id)
	}
	slog.Info("ops client disconnected", "id", c.id)
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
