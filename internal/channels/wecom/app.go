package wecom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
	"github.com/nextlevelbuilder/wecomclaw/internal/bus"
	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
	"github.com/nextlevelbuilder/wecomclaw/internal/tracing"
)

const (
	// textSniffBytes is how much of a file the text heuristic reads.
	textSniffBytes = 4096

	// inlinePreviewRunes caps the inline preview attached for text files.
	inlinePreviewRunes = 12000
)

// AppHandler serves the Application channel (`/<base>/agent`): XML
// envelopes in, literal "success" out, with all agent work running
// detached from the request. Replies go back as corp-API DMs to the
// sender.
type AppHandler struct {
	runtime agent.Runtime
	cfg     *config.Config
	events  bus.EventPublisher
	dedupe  *bus.DedupeCache
}

func (h *AppHandler) serve(w http.ResponseWriter, r *http.Request, accounts []*Account) {
	switch r.Method {
	case http.MethodGet:
		h.echo(w, r, accounts)
	case http.MethodPost:
		h.message(w, r, accounts)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AppHandler) echo(w http.ResponseWriter, r *http.Request, accounts []*Account) {
	q := r.URL.Query()
	_, plain, err := openWithAccounts(accounts, signatureParam(r), q.Get("timestamp"), q.Get("nonce"), q.Get("echostr"))
	if err != nil {
		h.reject(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(plain)
}

func (h *AppHandler) reject(w http.ResponseWriter, err error) {
	if errors.Is(err, protocol.ErrSignatureMismatch) {
		rejectWebhook(w, h.events, "app", "signature mismatch", http.StatusUnauthorized)
		return
	}
	rejectWebhook(w, h.events, "app", "decrypt failure", http.StatusBadRequest)
}

// message verifies the envelope, acknowledges with "success" right away,
// and schedules the agent work. A malformed inner payload is logged and
// swallowed — WeCom already got its ack, so it will not retry.
func (h *AppHandler) message(w http.ResponseWriter, r *http.Request, accounts []*Account) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rejectWebhook(w, h.events, "app", "unreadable body", http.StatusBadRequest)
		return
	}
	env, err := protocol.ParseAppEnvelope(body)
	if err != nil || env.Encrypt == "" {
		rejectWebhook(w, h.events, "app", "malformed envelope", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	acct, plain, err := openWithAccounts(accounts, signatureParam(r), q.Get("timestamp"), q.Get("nonce"), env.Encrypt)
	if err != nil {
		h.reject(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "success")

	msg, err := protocol.ParseAppMessage(plain)
	if err != nil {
		slog.Warn("application payload unparseable", "account", acct.Name(), "error", err)
		return
	}
	go h.process(acct, msg)
}

func (h *AppHandler) process(acct *Account, msg protocol.AppMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("application processing panicked", "msg_id", msg.MsgID, "panic", rec)
		}
	}()

	ctx, span := tracing.Tracer().Start(context.Background(), "wecom.app.process")
	defer span.End()

	if msg.MsgID != "" && h.dedupe.IsDuplicate(acct.Name()+"|"+msg.MsgID) {
		slog.Debug("duplicate application callback dropped", "msg_id", msg.MsgID)
		return
	}
	if msg.MsgType == "event" {
		slog.Debug("application event ignored", "event", msg.Event, "key", msg.EventKey)
		return
	}
	from := msg.FromUserName
	if from == "" {
		slog.Warn("application message lacks sender", "msg_id", msg.MsgID)
		return
	}

	body, media := h.buildBody(ctx, acct, &msg)
	if body == "" && media == nil {
		return
	}

	route, err := h.runtime.ResolveRoute(ctx, agent.RouteQuery{
		AccountID: acct.Name(),
		AgentID:   acct.cfg.AgentID,
		ChatType:  "direct",
		PeerID:    from,
	})
	if err != nil {
		slog.Error("application route resolution failed", "from", from, "error", err)
		return
	}

	if isCommand(body) {
		verdict, err := h.runtime.Authorize(ctx, agent.CommandCheck{
			Command:   body,
			From:      from,
			ChatType:  "direct",
			Policy:    acct.cfg.DMPolicy,
			AllowFrom: acct.cfg.AllowFrom,
		})
		if err != nil {
			slog.Error("application authorize failed", "from", from, "error", err)
			return
		}
		if !verdict.Allowed {
			h.reply(ctx, acct, from, textUnauthorizedCommand)
			return
		}
	}

	if err := h.runtime.RecordInbound(ctx, agent.InboundRecord{
		SessionKey: route.SessionKey,
		MsgID:      msg.MsgID,
		From:       from,
		ChatType:   "direct",
		Body:       body,
		At:         time.Now(),
	}); err != nil {
		slog.Warn("record inbound failed", "session", route.SessionKey, "error", err)
	}

	req := agent.Request{
		Body:              fmt.Sprintf("[wecom direct] from=%s\n\n%s", from, body),
		RawBody:           body,
		SessionKey:        route.SessionKey,
		ChatType:          "direct",
		From:              from,
		To:                acct.Name(),
		Provider:          "wecom",
		Surface:           "app",
		CommandAuthorized: true,
	}
	if isCommand(body) {
		req.CommandBody = body
	}
	if media != nil {
		req.MediaPath = media.path
		req.MediaType = media.mediaType
		req.MediaURL = media.url
	}

	var pending strings.Builder
	sentMedia := make(map[string]bool)
	res, err := h.runtime.Dispatch(ctx, req, func(b agent.Block) {
		if b.Text != "" {
			pending.WriteString(b.Text)
		}
		items := b.MediaURLs
		if b.MediaURL != "" {
			items = append([]string{b.MediaURL}, items...)
		}
		for _, item := range dedupeStrings(items) {
			if sentMedia[item] {
				continue
			}
			sentMedia[item] = true
			h.sendBlockMedia(ctx, acct, from, item)
		}
	})
	if err != nil {
		slog.Error("application dispatch failed", "session", route.SessionKey, "error", err)
		h.reply(ctx, acct, from, "Error: "+err.Error())
		return
	}

	content := res.Content
	if content == "" {
		content = pending.String()
	}
	if isResetCommand(body) && (strings.TrimSpace(content) == "" || looksLikeSessionAck(content)) {
		content = textResetAck
	}
	h.reply(ctx, acct, from, content)
}

// buildBody renders the inbound message as agent text, downloading media
// through the corp API when present.
func (h *AppHandler) buildBody(ctx context.Context, acct *Account, msg *protocol.AppMessage) (string, *inboundMedia) {
	switch msg.MsgType {
	case "text":
		return strings.TrimSpace(msg.Content), nil
	case "image", "voice", "video", "file":
		if !msg.IsMedia() {
			return "[" + msg.MsgType + "]", nil
		}
		return h.ingestMedia(ctx, acct, msg)
	case "location":
		return fmt.Sprintf("[location] %s (%g,%g)", msg.Label, msg.LocationX, msg.LocationY), nil
	case "link":
		return strings.TrimSpace(fmt.Sprintf("[link] %s %s", msg.Title, msg.URL)), nil
	}
	return "[" + msg.MsgType + "]", nil
}

// ingestMedia implements the inbound media pipeline: download, content
// type inference (server header first, text sniff for files), save
// through the runtime sink, and an inline preview for text-like files.
func (h *AppHandler) ingestMedia(ctx context.Context, acct *Account, msg *protocol.AppMessage) (string, *inboundMedia) {
	dl, err := acct.client.DownloadMedia(ctx, msg.MediaID, mediaMaxBytesFor(h.cfg))
	if err != nil {
		slog.Error("application media download failed", "media_id", msg.MediaID, "error", err)
		if errors.Is(err, ErrBodyTooLarge) {
			h.reply(ctx, acct, msg.FromUserName, textMediaTooLarge)
		}
		return "", nil
	}

	name := msg.DisplayName()
	if name == "" {
		name = dl.Filename
	}

	ctype := dl.ContentType
	textLike := false
	if msg.MsgType == "file" && sniffText(dl.Data) {
		textLike = true
		ctype = textMIMEByName(name)
	}
	if ctype == "" {
		ctype = http.DetectContentType(dl.Data)
	}
	if name == "" {
		name = msg.MsgType + extForMime(ctype)
	}

	saved, err := h.runtime.SaveMedia(ctx, name, ctype, dl.Data)
	if err != nil {
		slog.Error("application media save failed", "file", name, "error", err)
		return "", nil
	}
	ref := saved.URL
	if ref == "" {
		ref = saved.Path
	}
	media := &inboundMedia{path: saved.Path, url: saved.URL, mediaType: ctype}

	switch msg.MsgType {
	case "voice":
		if msg.Recognition != "" {
			return msg.Recognition, media
		}
		return "[voice] " + ref, media
	case "image":
		return "[image] " + ref, media
	case "video":
		return "[video] " + ref, media
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[file] %s (%s)", name, ref)
	if textLike {
		b.WriteString("\n\n")
		b.WriteString(previewText(dl.Data, inlinePreviewRunes))
	} else {
		b.WriteString("\n")
		b.WriteString(textBinaryFileNotice)
	}
	return b.String(), media
}

// sendBlockMedia forwards an agent-produced attachment as a DM: local
// files read from disk, remote ones fetched through the runtime.
func (h *AppHandler) sendBlockMedia(ctx context.Context, acct *Account, to, item string) {
	if err := pushMediaItem(ctx, h.runtime, acct, Target{Kind: TargetUser, ID: to}, item); err != nil {
		slog.Error("block media send failed", "item", item, "error", err)
	}
}

// reply DMs content to the sender in rune-safe chunks.
func (h *AppHandler) reply(ctx context.Context, acct *Account, to, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	target := Target{Kind: TargetUser, ID: to}
	for _, chunk := range chunkUTF8(content, dmChunkBytes) {
		if err := acct.client.SendText(ctx, target, chunk); err != nil {
			slog.Error("application reply failed", "to", to, "error", err)
			return
		}
	}
}

// sniffText reports whether data reads as plain text: at least 98% of the
// first 4 KiB must be printable or whitespace ASCII.
func sniffText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > textSniffBytes {
		sample = sample[:textSniffBytes]
	}
	printable := 0
	for _, c := range sample {
		if c == '\t' || c == '\n' || c == '\r' || (c >= 0x20 && c < 0x7f) {
			printable++
		}
	}
	return printable*100 >= len(sample)*98
}

func textMIMEByName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	}
	return "text/plain"
}

// previewText returns up to maxRunes characters of s without splitting a
// rune.
func previewText(data []byte, maxRunes int) string {
	s := string(data)
	count := 0
	for i := range s {
		if count == maxRunes {
			return s[:i] + "\n…（已截断）"
		}
		count++
	}
	return s
}
