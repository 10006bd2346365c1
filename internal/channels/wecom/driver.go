package wecom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
	"github.com/nextlevelbuilder/wecomclaw/internal/bus"
	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
	"github.com/nextlevelbuilder/wecomclaw/internal/tracing"
	pkgprotocol "github.com/nextlevelbuilder/wecomclaw/pkg/protocol"
)

const (
	// streamWindow is WeCom's passive-stream lifetime; past it the client
	// stops polling and updates are lost. The margin leaves room to land
	// the fallback prompt while the stream is still being read.
	streamWindow       = 6 * time.Minute
	streamWindowMargin = 30 * time.Second

	// dmChunkBytes sizes the pieces of a DM fallback delivery.
	dmChunkBytes = 20 << 10

	pushTimeout  = 15 * time.Second
	mediaTimeout = 60 * time.Second
)

// Driver runs agent work for the Bot channel. Each flushed batch becomes
// one agent dispatch whose blocks stream into the batch's passive-stream
// slot; the failover rules route what the stream cannot carry through the
// Application channel instead.
type Driver struct {
	store   *streamq.Store
	runtime agent.Runtime
	cfg     *config.Config
	events  bus.EventPublisher
	fetcher *Fetcher
	proxy   func() string
	now     func() time.Time
}

func NewDriver(store *streamq.Store, runtime agent.Runtime, cfg *config.Config, events bus.EventPublisher, fetcher *Fetcher, proxy func() string) *Driver {
	return &Driver{
		store:   store,
		runtime: runtime,
		cfg:     cfg,
		events:  events,
		fetcher: fetcher,
		proxy:   proxy,
		now:     time.Now,
	}
}

func mediaMaxBytesFor(cfg *config.Config) int64 {
	if mb := cfg.MediaSnapshot().MaxBytes; mb > 0 {
		return mb
	}
	return DefaultMediaMaxBytes
}

// HandleBatch is the store's OnFlush hook: it receives each debounced
// batch exactly once, on a timer goroutine. Dispatch is deliberately not
// cancellable; once agent work starts it runs to completion even if the
// conversation moved on.
func (d *Driver) HandleBatch(p *streamq.PendingBatch) {
	acct, okAcct := p.Target.(*Account)
	msg, okMsg := p.Msg.(*protocol.IncomingMessage)
	if !okAcct || !okMsg {
		slog.Error("batch carries unexpected payload types", "batch", p.BatchKey)
		d.store.MarkError(p.StreamID, "internal: bad batch payload")
		d.store.OnStreamFinished(p.StreamID)
		return
	}
	run := &streamRun{
		d:        d,
		acct:     acct,
		msg:      msg,
		streamID: p.StreamID,
		batchKey: p.BatchKey,
		rawBody:  strings.Join(p.Contents, "\n"),
	}
	run.execute()
}

// RunCardEvent dispatches a synthetic template-card interaction on a
// stream the Bot handler already allocated and marked started.
func (d *Driver) RunCardEvent(acct *Account, msg *protocol.IncomingMessage, streamID, body string) {
	run := &streamRun{
		d:         d,
		acct:      acct,
		msg:       msg,
		streamID:  streamID,
		rawBody:   body,
		cardEvent: true,
	}
	run.execute()
}

// streamRun is one agent dispatch bound to one passive stream.
type streamRun struct {
	d         *Driver
	acct      *Account
	msg       *protocol.IncomingMessage
	streamID  string
	batchKey  string
	rawBody   string
	cardEvent bool

	route   agent.Route
	isReset bool
}

func (r *streamRun) chatType() string { return chatTypeOf(r.msg) }
func (r *streamRun) userID() string   { return r.msg.UserID() }

func (r *streamRun) execute() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("agent run panicked", "stream", r.streamID, "panic", rec)
			r.d.store.SetContent(r.streamID, "Error: internal failure")
			r.d.store.MarkError(r.streamID, fmt.Sprint(rec))
			r.complete()
		}
	}()

	ctx, span := tracing.Tracer().Start(context.Background(), "wecom.bot.dispatch")
	defer span.End()

	d := r.d
	d.store.MarkStarted(r.streamID)
	r.isReset = isResetCommand(r.rawBody)

	if !r.cardEvent && r.trySendIntent() {
		r.complete()
		return
	}

	media := r.ingestInboundMedia(ctx)

	route, err := d.runtime.ResolveRoute(ctx, agent.RouteQuery{
		AccountID: r.acct.Name(),
		AgentID:   r.acct.cfg.AgentID,
		ChatType:  r.chatType(),
		PeerID:    r.msg.PeerID(),
	})
	if err != nil {
		r.fail(fmt.Errorf("resolve route: %w", err))
		return
	}
	r.route = route

	if isCommand(r.rawBody) {
		verdict, err := d.runtime.Authorize(ctx, agent.CommandCheck{
			Command:   r.rawBody,
			From:      r.userID(),
			ChatType:  r.chatType(),
			Policy:    r.acct.cfg.DMPolicy,
			AllowFrom: r.acct.cfg.AllowFrom,
		})
		if err != nil {
			r.fail(fmt.Errorf("authorize command: %w", err))
			return
		}
		if !verdict.Allowed {
			slog.Info("command rejected", "stream", r.streamID, "from", r.userID(), "hint", verdict.Hint)
			d.store.SetContent(r.streamID, textUnauthorizedCommand)
			d.store.MarkFinished(r.streamID)
			r.pushFrame(textUnauthorizedCommand, true, nil)
			r.complete()
			return
		}
	}

	if err := d.runtime.RecordInbound(ctx, agent.InboundRecord{
		SessionKey: route.SessionKey,
		MsgID:      r.msg.MsgID,
		From:       r.userID(),
		ChatType:   r.chatType(),
		Body:       r.rawBody,
		At:         d.now(),
	}); err != nil {
		slog.Warn("record inbound failed", "session", route.SessionKey, "error", err)
	}

	req := agent.Request{
		Body:              r.envelopeBody(),
		RawBody:           r.rawBody,
		SessionKey:        route.SessionKey,
		ChatType:          r.chatType(),
		From:              r.userID(),
		To:                r.acct.Name(),
		Provider:          "wecom",
		Surface:           "bot",
		CommandAuthorized: true,
		// The message tool would bypass stream delivery entirely; agents
		// answer through blocks only.
		DeniedTools: []string{"message"},
	}
	if isCommand(r.rawBody) {
		req.CommandBody = r.rawBody
	}
	if media != nil {
		req.MediaPath = media.path
		req.MediaType = media.mediaType
		req.MediaURL = media.url
	}

	res, err := d.runtime.Dispatch(ctx, req, r.onBlock)
	r.finalize(ctx, res, err)
}

// fail finishes the stream with a visible error note.
func (r *streamRun) fail(err error) {
	slog.Error("agent run failed", "stream", r.streamID, "error", err)
	r.d.store.SetContent(r.streamID, "Error: "+err.Error())
	r.d.store.MarkError(r.streamID, err.Error())
	r.pushFinalFrame()
	r.complete()
}

func (r *streamRun) finalize(ctx context.Context, res agent.Result, err error) {
	d := r.d
	if err != nil {
		r.fail(err)
		return
	}

	st, ok := d.store.Get(r.streamID)
	if !ok {
		r.complete()
		return
	}

	// A non-streaming agent returns everything in the result; run it
	// through the same block pipeline the streamed path uses.
	if res.Content != "" && st.Content == "" && st.DMContent == "" {
		r.onBlock(agent.Block{Text: res.Content})
	}

	if r.isReset {
		if cur, ok := d.store.Get(r.streamID); ok && strings.TrimSpace(cur.Content) == "" {
			d.store.SetContent(r.streamID, textResetAck)
		}
	}
	d.store.MarkFinished(r.streamID)

	st, ok = d.store.Get(r.streamID)
	if !ok {
		r.complete()
		return
	}

	if st.FallbackMode == streamq.FallbackTimeout && st.FinalDeliveredAt.IsZero() {
		r.deliverDMContent(ctx, st)
	}

	// Group chats may have stopped polling before the closing frame;
	// push the accumulated images so they are not lost.
	if st.ChatType == "group" && len(st.Images) > 0 {
		r.pushFrame(st.Content, true, imageItems(st.Images))
	}

	r.complete()
}

// complete drains this batch's ack streams and advances the conversation
// queue. Safe to call exactly once per run.
func (r *streamRun) complete() {
	d := r.d
	if r.batchKey != "" {
		for _, ackID := range d.store.TakeAckStreams(r.batchKey) {
			d.store.SetContent(ackID, textMergedDone)
			d.store.MarkFinished(ackID)
		}
	}
	d.store.OnStreamFinished(r.streamID)
}

// deliverDMContent ships the text withheld by the timeout fallback via
// Application DM, in order, stopping at the first send failure.
func (r *streamRun) deliverDMContent(ctx context.Context, st streamq.StreamState) {
	d := r.d
	if strings.TrimSpace(st.DMContent) == "" {
		return
	}
	if !r.acct.appConfigured() {
		slog.Warn("timeout fallback without application channel", "account", r.acct.Name(), "stream", r.streamID)
		return
	}
	target := Target{Kind: TargetUser, ID: st.UserID}
	for _, chunk := range chunkUTF8(st.DMContent, dmChunkBytes) {
		if err := r.acct.client.SendText(ctx, target, chunk); err != nil {
			slog.Error("dm fallback send failed", "stream", r.streamID, "error", err)
			return
		}
	}
	d.store.Update(r.streamID, func(s *streamq.StreamState) { s.FinalDeliveredAt = d.now() })
}

// pushFrame sends a passive-stream frame through the stored response URL.
// Missing URLs are normal for polled-only streams.
func (r *streamRun) pushFrame(content string, finish bool, images []protocol.ImageItem) {
	reply := protocol.NewStreamReply(r.streamID, content, finish)
	if len(images) > 0 {
		reply = reply.WithImages(images)
	}
	err := r.d.store.UseReplyURL(r.streamID, func(rs streamq.ReplyState) error {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		return r.acct.client.PushResponseURL(ctx, rs.ResponseURL, reply)
	})
	if err != nil && !errors.Is(err, streamq.ErrNoReplyURL) {
		slog.Warn("response url push failed", "stream", r.streamID, "error", err)
	}
}

func (r *streamRun) pushFinalFrame() {
	st, ok := r.d.store.Get(r.streamID)
	if !ok {
		return
	}
	r.pushFrame(st.Content, true, imageItems(st.Images))
}

func (r *streamRun) emitFailover(mode string) {
	if r.d.events == nil {
		return
	}
	r.d.events.Broadcast(bus.Event{Name: pkgprotocol.EventFailover, Payload: map[string]string{
		"stream_id": r.streamID,
		"mode":      mode,
	}})
}

// envelopeBody prefixes the raw content with a short routing header so the
// agent knows where the message came from.
func (r *streamRun) envelopeBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[wecom %s] from=%s", r.chatType(), r.userID())
	if r.msg.ChatID != "" {
		fmt.Fprintf(&b, " chat=%s", r.msg.ChatID)
	}
	b.WriteString("\n\n")
	b.WriteString(r.rawBody)
	return b.String()
}

// buildInboundBody renders one inbound message as the raw text the agent
// reads. Media bodies carry the (encrypted) URL so path-guarded media
// handling downstream can line them up with what the user sent.
func buildInboundBody(msg *protocol.IncomingMessage) string {
	var body string
	switch msg.MsgType {
	case "text":
		if msg.Text != nil {
			body = msg.Text.Content
		}
	case "voice":
		if msg.Voice != nil && msg.Voice.Content != "" {
			body = msg.Voice.Content
		} else {
			body = "[voice]"
		}
	case "image":
		body = "[image]"
		if msg.Image != nil && msg.Image.URL != "" {
			body += " " + msg.Image.URL
		}
	case "file":
		body = "[file]"
		if msg.File != nil && msg.File.URL != "" {
			body += " " + msg.File.URL
		}
	case "mixed":
		body = mixedBody(msg.Mixed)
	case "event":
		body = "[event]"
		if msg.Event != nil && msg.Event.EventType != "" {
			body += " " + msg.Event.EventType
		}
	case "stream":
		body = "[stream_refresh]"
		if msg.Stream != nil && msg.Stream.ID != "" {
			body += " " + msg.Stream.ID
		}
	case "link":
		if msg.Link != nil {
			body = strings.TrimSpace(fmt.Sprintf("[link] %s %s", msg.Link.Title, msg.Link.URL))
		} else {
			body = "[link]"
		}
	case "location":
		if msg.Location != nil {
			body = fmt.Sprintf("[location] %s (%g,%g)", msg.Location.Name, msg.Location.Latitude, msg.Location.Longitude)
		} else {
			body = "[location]"
		}
	default:
		body = "[" + msg.MsgType + "]"
	}

	if quoted := quoteBody(msg.Quote); quoted != "" {
		body += "\n\n" + quoted
	}
	return body
}

// mixedBody joins a mixed message's items line-wise. Only the first media
// item is downloaded later; the rest stay placeholders.
func mixedBody(m *protocol.MixedContent) string {
	if m == nil {
		return ""
	}
	var lines []string
	for _, item := range m.MsgItem {
		switch {
		case item.Text != nil:
			lines = append(lines, item.Text.Content)
		case item.Image != nil:
			lines = append(lines, "[image]")
		case item.File != nil:
			lines = append(lines, "[file]")
		}
	}
	return strings.Join(lines, "\n")
}

func quoteBody(q *protocol.Quote) string {
	if q == nil {
		return ""
	}
	switch {
	case q.Text != nil:
		return "> " + q.Text.Content
	case q.Image != nil:
		return "> [image]"
	case q.File != nil:
		return "> [file]"
	}
	if q.MsgType != "" {
		return "> [" + q.MsgType + "]"
	}
	return ""
}

func isCommand(s string) bool {
	t := strings.TrimSpace(s)
	return len(t) > 1 && strings.HasPrefix(t, "/") && !strings.HasPrefix(t, "//")
}

func isResetCommand(s string) bool {
	t := strings.TrimSpace(s)
	return t == "/new" || t == "/reset" ||
		strings.HasPrefix(t, "/new ") || strings.HasPrefix(t, "/reset ")
}

// looksLikeSessionAck spots the runtime's English acks for /new and
// /reset; the Bot side swallows them and answers in Chinese instead.
func looksLikeSessionAck(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" || len(t) > 120 {
		return false
	}
	for _, phrase := range []string{"new session", "session reset", "conversation reset", "session cleared"} {
		if strings.Contains(t, phrase) {
			return true
		}
	}
	return false
}

// chunkUTF8 splits s into pieces of at most max bytes without breaking a
// multi-byte rune.
func chunkUTF8(s string, max int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func dedupeStrings(items []string) []string {
	var out []string
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
