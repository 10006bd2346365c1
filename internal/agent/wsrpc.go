package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

const (
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
	dialTimeout       = 15 * time.Second
	pingInterval      = 30 * time.Second
	maxFrameBytes     = 32 << 20
	blockBufferSize   = 64

	// sendTimeout bounds one upstream-initiated delivery, uploads included.
	sendTimeout = 60 * time.Second
)

// ErrNotConnected is returned for RPCs attempted while the upstream agent
// gateway link is down.
var ErrNotConnected = errors.New("agent gateway not connected")

// BridgeConfig wires a Bridge to one upstream agent gateway.
type BridgeConfig struct {
	URL          string // ws(s):// endpoint; http(s):// is rewritten
	Token        string
	DefaultAgent string
	MediaDir     string
	MediaBaseURL string
}

// Bridge implements Runtime over a persistent WebSocket connection to the
// upstream agent gateway. One Bridge serves every account; per-conversation
// block ordering holds because the store serializes dispatches per key and
// each session's blocks drain through a dedicated sink goroutine.
type Bridge struct {
	url          string
	token        string
	defaultAgent string
	mediaDir     string
	mediaBaseURL string

	httpClient *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan rpcOutcome
	sinks   map[string]*blockSink
	sender  Sender

	writeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Runtime = (*Bridge)(nil)

type rpcOutcome struct {
	ok      bool
	payload json.RawMessage
	errBody *protocol.ErrorBody
	err     error
}

// wireResponse mirrors protocol.ResponseFrame with a raw payload so callers
// can decode into their own result types.
type wireResponse struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload"`
	Error   *protocol.ErrorBody `json:"error"`
}

// NewBridge builds a Bridge. Call Start to open the connection.
func NewBridge(cfg BridgeConfig) *Bridge {
	mediaDir := cfg.MediaDir
	if mediaDir == "" {
		mediaDir = filepath.Join(os.TempDir(), "wecomclaw-media")
	}
	defaultAgent := cfg.DefaultAgent
	if defaultAgent == "" {
		defaultAgent = "default"
	}
	return &Bridge{
		url:          normalizeWSURL(cfg.URL),
		token:        cfg.Token,
		defaultAgent: defaultAgent,
		mediaDir:     mediaDir,
		mediaBaseURL: cfg.MediaBaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pending:      make(map[string]chan rpcOutcome),
		sinks:        make(map[string]*blockSink),
	}
}

func normalizeWSURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	return raw
}

// Start dials the gateway and keeps the link alive until Close. A failed
// first dial is not fatal: webhooks stay up while the retry loop keeps
// dialing in the background.
func (b *Bridge) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.run(runCtx)
}

// Close tears down the connection and waits for the retry loop to exit.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	b.wg.Wait()
}

// Connected reports whether the gateway link is currently up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// SetSender wires the channel that serves upstream "send" requests. Until
// set, such requests are answered with an error frame.
func (b *Bridge) SetSender(s Sender) {
	b.mu.Lock()
	b.sender = s
	b.mu.Unlock()
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()

	delay := reconnectMinDelay
	for ctx.Err() == nil {
		conn, err := b.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("agent gateway unreachable", "url", b.url, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectMinDelay

		readDone := make(chan struct{})
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.pingLoop(ctx, conn, readDone)
		}()

		err = b.readLoop(ctx, conn)
		close(readDone)
		b.dropConn(conn, err)
		if ctx.Err() == nil {
			slog.Warn("agent gateway connection lost", "error", err)
		}
	}
}

func (b *Bridge) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent gateway: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	if err := b.handshake(dialCtx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "connect rejected")
		return nil, err
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	slog.Info("agent gateway connected", "url", b.url)
	return conn, nil
}

// handshake runs the connect RPC inline, before the read loop starts.
func (b *Bridge) handshake(ctx context.Context, conn *websocket.Conn) error {
	params := map[string]string{}
	if b.token != "" {
		params["token"] = b.token
	}
	paramsJSON, _ := json.Marshal(params)
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: paramsJSON,
	}
	data, _ := json.Marshal(req)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	// The gateway may push events before answering; skip to our response.
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read connect response: %w", err)
		}
		var resp wireResponse
		if json.Unmarshal(raw, &resp) != nil || resp.Type != protocol.FrameTypeResponse || resp.ID != req.ID {
			continue
		}
		if !resp.OK {
			if resp.Error != nil {
				return fmt.Errorf("connect rejected: %s", resp.Error.Message)
			}
			return fmt.Errorf("connect rejected")
		}
		return nil
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			slog.Debug("agent gateway sent unparsable frame", "error", err)
			continue
		}
		switch frameType {
		case protocol.FrameTypeResponse:
			b.handleResponse(raw)
		case protocol.FrameTypeEvent:
			b.handleEvent(raw)
		case protocol.FrameTypeRequest:
			b.handleRequest(ctx, conn, raw)
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Unblocks the read loop so run() reconnects.
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (b *Bridge) handleResponse(raw []byte) {
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	b.mu.Lock()
	ch := b.pending[resp.ID]
	delete(b.pending, resp.ID)
	b.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- rpcOutcome{ok: resp.OK, payload: resp.Payload, errBody: resp.Error}
}

func (b *Bridge) handleEvent(raw []byte) {
	var evt struct {
		Event   string `json:"event"`
		Payload struct {
			Type       string   `json:"type"`
			SessionKey string   `json:"sessionKey"`
			Content    string   `json:"content"`
			MediaURL   string   `json:"mediaUrl"`
			MediaURLs  []string `json:"mediaUrls"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	switch evt.Event {
	case protocol.EventChat:
		if evt.Payload.Type != protocol.ChatEventChunk && evt.Payload.Type != protocol.ChatEventMessage {
			return
		}
		b.mu.Lock()
		sink := b.sinks[evt.Payload.SessionKey]
		b.mu.Unlock()
		if sink == nil {
			return
		}
		sink.deliver(Block{
			Text:      evt.Payload.Content,
			MediaURL:  evt.Payload.MediaURL,
			MediaURLs: evt.Payload.MediaURLs,
		})
	case protocol.EventShutdown:
		slog.Info("agent gateway announced shutdown")
	}
}

type sendParams struct {
	Channel   string   `json:"channel,omitempty"`
	Account   string   `json:"account,omitempty"`
	To        string   `json:"to"`
	Content   string   `json:"content,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

// handleRequest answers RPCs the gateway pushes down to this channel. Only
// "send" is served: proactive outbound delivery on behalf of the agent's
// message tool. Delivery runs off the read loop so a slow corp API cannot
// stall block streaming.
func (b *Bridge) handleRequest(ctx context.Context, conn *websocket.Conn, raw []byte) {
	var req protocol.RequestFrame
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == "" {
		return
	}
	if req.Method != protocol.MethodSend {
		b.respond(ctx, conn, protocol.NewErrorResponse(req.ID, "unknown_method", "method not served by this channel: "+req.Method))
		return
	}
	b.mu.Lock()
	sender := b.sender
	b.mu.Unlock()
	if sender == nil {
		b.respond(ctx, conn, protocol.NewErrorResponse(req.ID, "no_sender", "outbound delivery is not wired"))
		return
	}
	var params sendParams
	if err := json.Unmarshal(req.Params, &params); err != nil || strings.TrimSpace(params.To) == "" {
		b.respond(ctx, conn, protocol.NewErrorResponse(req.ID, "bad_params", "send requires a recipient"))
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		err := sender.SendOutbound(sendCtx, SendRequest{
			Account:   params.Account,
			To:        params.To,
			Content:   params.Content,
			MediaURL:  params.MediaURL,
			MediaURLs: params.MediaURLs,
		})
		if err != nil {
			slog.Warn("upstream send failed", "to", params.To, "error", err)
			b.respond(ctx, conn, protocol.NewErrorResponse(req.ID, "send_failed", err.Error()))
			return
		}
		b.respond(ctx, conn, protocol.NewResponse(req.ID, map[string]string{"status": "ok"}))
	}()
}

// respond writes one response frame, logging rather than propagating
// failures: a dead connection already unwinds through the read loop.
func (b *Bridge) respond(ctx context.Context, conn *websocket.Conn, frame *protocol.ResponseFrame) {
	if err := b.writeFrame(ctx, conn, frame); err != nil {
		slog.Debug("send response write failed", "error", err)
	}
}

// writeFrame marshals and writes one frame under the write mutex; the
// websocket allows a single concurrent writer.
func (b *Bridge) writeFrame(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// dropConn clears the active connection and fails every pending RPC.
func (b *Bridge) dropConn(conn *websocket.Conn, cause error) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	waiting := b.pending
	b.pending = make(map[string]chan rpcOutcome)
	b.mu.Unlock()

	conn.Close(websocket.StatusGoingAway, "")
	for _, ch := range waiting {
		ch <- rpcOutcome{err: fmt.Errorf("%w: %v", ErrNotConnected, cause)}
	}
}

// call performs one request/response RPC over the active connection.
func (b *Bridge) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	id := uuid.NewString()[:8]
	ch := make(chan rpcOutcome, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	frame := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: paramsJSON,
	}
	if err := b.writeFrame(ctx, conn, frame); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if !out.ok {
			if out.errBody != nil {
				return nil, fmt.Errorf("%s: %s (%s)", method, out.errBody.Message, out.errBody.Code)
			}
			return nil, fmt.Errorf("%s rejected", method)
		}
		return out.payload, nil
	}
}

// --- Runtime implementation ---

// ResolveRoute maps an account binding and peer onto an agent session.
func (b *Bridge) ResolveRoute(ctx context.Context, q RouteQuery) (Route, error) {
	if q.PeerID == "" {
		return Route{}, fmt.Errorf("resolve route: empty peer id")
	}
	agentID := q.AgentID
	if agentID == "" {
		agentID = b.defaultAgent
	}
	return Route{
		AgentID:    agentID,
		SessionKey: BuildSessionKey(agentID, PeerKindFromChatType(q.ChatType), q.PeerID),
		AccountID:  q.AccountID,
	}, nil
}

type chatSendParams struct {
	Message           string   `json:"message"`
	RawMessage        string   `json:"rawMessage,omitempty"`
	Command           string   `json:"command,omitempty"`
	AgentID           string   `json:"agentId"`
	SessionKey        string   `json:"sessionKey"`
	Stream            bool     `json:"stream"`
	ChatType          string   `json:"chatType,omitempty"`
	From              string   `json:"from,omitempty"`
	To                string   `json:"to,omitempty"`
	Provider          string   `json:"provider,omitempty"`
	Surface           string   `json:"surface,omitempty"`
	CommandAuthorized bool     `json:"commandAuthorized,omitempty"`
	MediaPath         string   `json:"mediaPath,omitempty"`
	MediaType         string   `json:"mediaType,omitempty"`
	MediaURL          string   `json:"mediaUrl,omitempty"`
	DeniedTools       []string `json:"deniedTools,omitempty"`
}

type chatSendResult struct {
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

// Dispatch sends one batch to the agent and streams block deliveries to
// onBlock until the final response arrives. Dispatch does not return until
// every delivered block has been handed to onBlock, in arrival order.
func (b *Bridge) Dispatch(ctx context.Context, req Request, onBlock func(Block)) (Result, error) {
	agentID, _ := ParseSessionKey(req.SessionKey)
	if agentID == "" {
		agentID = b.defaultAgent
	}

	if onBlock != nil {
		sink := newBlockSink(onBlock)
		b.mu.Lock()
		b.sinks[req.SessionKey] = sink
		b.mu.Unlock()
		defer func() {
			b.mu.Lock()
			delete(b.sinks, req.SessionKey)
			b.mu.Unlock()
			sink.close()
		}()
	}

	params := chatSendParams{
		Message:           req.Body,
		RawMessage:        req.RawBody,
		Command:           req.CommandBody,
		AgentID:           agentID,
		SessionKey:        req.SessionKey,
		Stream:            true,
		ChatType:          req.ChatType,
		From:              req.From,
		To:                req.To,
		Provider:          req.Provider,
		Surface:           req.Surface,
		CommandAuthorized: req.CommandAuthorized,
		MediaPath:         req.MediaPath,
		MediaType:         req.MediaType,
		MediaURL:          req.MediaURL,
		DeniedTools:       req.DeniedTools,
	}
	payload, err := b.call(ctx, protocol.MethodChatSend, params)
	if err != nil {
		return Result{}, err
	}

	var res chatSendResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return Result{}, fmt.Errorf("decode chat.send payload: %w", err)
		}
	}
	return Result{Content: res.Content, MessageID: res.MessageID}, nil
}

type inboundParams struct {
	SessionKey string `json:"sessionKey"`
	MsgID      string `json:"msgId,omitempty"`
	From       string `json:"from,omitempty"`
	ChatType   string `json:"chatType,omitempty"`
	Body       string `json:"body"`
	At         string `json:"at,omitempty"`
}

// RecordInbound persists an inbound turn upstream so merged batches keep
// conversation context.
func (b *Bridge) RecordInbound(ctx context.Context, rec InboundRecord) error {
	params := inboundParams{
		SessionKey: rec.SessionKey,
		MsgID:      rec.MsgID,
		From:       rec.From,
		ChatType:   rec.ChatType,
		Body:       rec.Body,
	}
	if !rec.At.IsZero() {
		params.At = rec.At.UTC().Format(time.RFC3339)
	}
	_, err := b.call(ctx, protocol.MethodChatInbound, params)
	return err
}

// Authorize evaluates the account's DM policy for a command sender.
func (b *Bridge) Authorize(ctx context.Context, check CommandCheck) (Verdict, error) {
	switch check.Policy {
	case "", "open":
		return Verdict{Allowed: true}, nil
	case "allowlist":
		for _, allow := range check.AllowFrom {
			if allow == "*" || strings.EqualFold(allow, check.From) {
				return Verdict{Allowed: true}, nil
			}
		}
		return Verdict{Allowed: false, Hint: "sender not in allow_from"}, nil
	default:
		return Verdict{Allowed: false, Hint: fmt.Sprintf("unknown dm policy %q", check.Policy)}, nil
	}
}

// --- block sink ---

// blockSink hands chunk events to one dispatch's callback on a dedicated
// goroutine, preserving arrival order without stalling the read loop on
// slow callbacks.
type blockSink struct {
	ch   chan Block
	stop chan struct{}
	done chan struct{}
}

func newBlockSink(onBlock func(Block)) *blockSink {
	s := &blockSink{
		ch:   make(chan Block, blockBufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			select {
			case blk := <-s.ch:
				onBlock(blk)
			case <-s.stop:
				// Drain whatever arrived before the stop signal.
				for {
					select {
					case blk := <-s.ch:
						onBlock(blk)
					default:
						return
					}
				}
			}
		}
	}()
	return s
}

func (s *blockSink) deliver(blk Block) {
	select {
	case s.ch <- blk:
	case <-s.stop:
	}
}

func (s *blockSink) close() {
	close(s.stop)
	<-s.done
}
