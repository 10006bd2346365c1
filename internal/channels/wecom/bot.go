package wecom

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/wecomclaw/internal/bus"
	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
)

// BotHandler serves the Bot channel: URL verification echoes, stream
// polls, events, and message admission. Replies are synchronous and
// sealed with the matched account's codec; agent work rides the store's
// debounce, never this handler's goroutine.
type BotHandler struct {
	store    *streamq.Store
	driver   *Driver
	events   bus.EventPublisher
	debounce func() time.Duration
}

func (h *BotHandler) serve(w http.ResponseWriter, r *http.Request, accounts []*Account) {
	switch r.Method {
	case http.MethodGet:
		h.echo(w, r, accounts)
	case http.MethodPost:
		h.message(w, r, accounts)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// echo answers WeCom's URL verification: decrypt echostr, return the
// plaintext bare.
func (h *BotHandler) echo(w http.ResponseWriter, r *http.Request, accounts []*Account) {
	q := r.URL.Query()
	_, plain, err := openWithAccounts(accounts, signatureParam(r), q.Get("timestamp"), q.Get("nonce"), q.Get("echostr"))
	if err != nil {
		h.reject(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(plain)
}

func (h *BotHandler) message(w http.ResponseWriter, r *http.Request, accounts []*Account) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rejectWebhook(w, h.events, "bot", "unreadable body", http.StatusBadRequest)
		return
	}

	var req protocol.EncryptedRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Encrypt == "" {
		rejectWebhook(w, h.events, "bot", "malformed envelope", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	timestamp, nonce := q.Get("timestamp"), q.Get("nonce")
	acct, plain, err := openWithAccounts(accounts, signatureParam(r), timestamp, nonce, req.Encrypt)
	if err != nil {
		h.reject(w, err)
		return
	}

	var msg protocol.IncomingMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		rejectWebhook(w, h.events, "bot", "malformed message json", http.StatusBadRequest)
		return
	}

	if msg.MsgType == "stream" && msg.Stream != nil {
		h.poll(w, acct, &msg, timestamp, nonce)
		return
	}
	if msg.MsgType == "event" && msg.Event != nil {
		switch msg.Event.EventType {
		case "template_card_event":
			h.cardEvent(w, acct, &msg, timestamp, nonce)
			return
		case "enter_chat":
			h.enterChat(w, acct, &msg, timestamp, nonce)
			return
		}
		// Other events queue like ordinary messages; the driver renders
		// them as "[event] <type>" bodies.
	}
	h.admit(w, acct, &msg, timestamp, nonce)
}

func (h *BotHandler) reject(w http.ResponseWriter, err error) {
	if errors.Is(err, protocol.ErrSignatureMismatch) {
		rejectWebhook(w, h.events, "bot", "signature mismatch", http.StatusUnauthorized)
		return
	}
	rejectWebhook(w, h.events, "bot", "decrypt failure", http.StatusBadRequest)
}

// poll answers a stream-refresh callback with the stream's current state.
func (h *BotHandler) poll(w http.ResponseWriter, acct *Account, msg *protocol.IncomingMessage, timestamp, nonce string) {
	st, ok := h.store.Get(msg.Stream.ID)
	if !ok {
		// Unknown id: the state was pruned or predates a restart. Finish
		// the stream so the client stops polling.
		h.writeEncrypted(w, acct, protocol.NewStreamReply(msg.Stream.ID, textStreamNotFound, true), timestamp, nonce)
		return
	}
	h.writeEncrypted(w, acct, streamFrame(st), timestamp, nonce)
}

// cardEvent turns a template-card interaction into a synthetic agent
// message with its own stream, answered by an empty sealed payload.
func (h *BotHandler) cardEvent(w http.ResponseWriter, acct *Account, msg *protocol.IncomingMessage, timestamp, nonce string) {
	if msg.MsgID != "" {
		if _, dup := h.store.LookupMsgID(msg.MsgID); dup {
			h.writeSealed(w, acct, nil, timestamp, nonce)
			return
		}
	}

	streamID := h.store.CreateStream(streamq.StreamState{
		MsgID:           msg.MsgID,
		ConversationKey: conversationKey(acct, msg),
		UserID:          msg.UserID(),
		ChatType:        chatTypeOf(msg),
		ChatID:          msg.ChatID,
		AgentID:         acct.cfg.AgentID,
		TaskKey:         msg.AIBotID,
	})
	h.store.MarkStarted(streamID)
	h.store.BindMsgID(msg.MsgID, streamID)
	h.store.PutReplyURL(streamID, msg.ResponseURL, h.driver.proxy())

	go h.driver.RunCardEvent(acct, msg, streamID, cardEventText(msg.Event.TemplateCard))

	h.writeSealed(w, acct, nil, timestamp, nonce)
}

func (h *BotHandler) enterChat(w http.ResponseWriter, acct *Account, msg *protocol.IncomingMessage, timestamp, nonce string) {
	welcome := acct.cfg.WelcomeText
	if welcome == "" {
		h.writeSealed(w, acct, nil, timestamp, nonce)
		return
	}
	h.writeEncrypted(w, acct, protocol.NewTextReply(welcome), timestamp, nonce)
}

// admit queues the message and answers with the placeholder matching its
// admission outcome. The msg-id binding is written before the reply, so a
// platform retry arriving immediately after still finds the stream.
func (h *BotHandler) admit(w http.ResponseWriter, acct *Account, msg *protocol.IncomingMessage, timestamp, nonce string) {
	if msg.MsgID != "" {
		if sid, ok := h.store.LookupMsgID(msg.MsgID); ok {
			if st, live := h.store.Get(sid); live {
				h.writeEncrypted(w, acct, streamFrame(st), timestamp, nonce)
				return
			}
		}
	}

	adm := h.store.Admit(streamq.AdmitRequest{
		ConversationKey: conversationKey(acct, msg),
		Target:          acct,
		Msg:             msg,
		Content:         buildInboundBody(msg),
		MsgID:           msg.MsgID,
		Debounce:        h.debounce(),
		UserID:          msg.UserID(),
		ChatType:        chatTypeOf(msg),
		ChatID:          msg.ChatID,
		AgentID:         acct.cfg.AgentID,
		TaskKey:         msg.AIBotID,
	})
	h.store.PutReplyURL(adm.StreamID, msg.ResponseURL, h.driver.proxy())

	var reply protocol.StreamReply
	switch adm.Status {
	case streamq.AdmitActiveNew:
		h.store.BindMsgID(msg.MsgID, adm.StreamID)
		reply = protocol.NewStreamReply(adm.StreamID, acct.placeholderText(), false)
	case streamq.AdmitQueuedNew:
		h.store.BindMsgID(msg.MsgID, adm.StreamID)
		reply = protocol.NewStreamReply(adm.StreamID, textQueuedPlaceholder, false)
	default:
		ackID := h.newAckStream(acct, msg, adm.StreamID)
		h.store.BindMsgID(msg.MsgID, ackID)
		reply = protocol.NewStreamReply(ackID, textMergedAck, false)
	}

	slog.Debug("bot message admitted",
		"account", acct.Name(),
		"status", string(adm.Status),
		"stream", reply.Stream.ID,
		"msg_type", msg.MsgType)
	h.writeEncrypted(w, acct, reply, timestamp, nonce)
}

// newAckStream allocates the poll slot answering a merged message. It is
// born started so the queue never mistakes it for a flushable batch, and
// drains when the absorbing batch finishes.
func (h *BotHandler) newAckStream(acct *Account, msg *protocol.IncomingMessage, mergedInto string) string {
	merged, _ := h.store.Get(mergedInto)
	ackID := h.store.CreateStream(streamq.StreamState{
		MsgID:           msg.MsgID,
		ConversationKey: merged.ConversationKey,
		UserID:          msg.UserID(),
		ChatType:        chatTypeOf(msg),
		ChatID:          msg.ChatID,
		AgentID:         acct.cfg.AgentID,
	})
	h.store.MarkStarted(ackID)
	h.store.SetContent(ackID, textMergedAck)
	h.store.AddAckStream(merged.BatchKey, ackID)
	return ackID
}

func (h *BotHandler) writeEncrypted(w http.ResponseWriter, acct *Account, payload any, timestamp, nonce string) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("bot reply encode failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeSealed(w, acct, data, timestamp, nonce)
}

// writeSealed encrypts plain (nil for the empty ack payload) and writes
// the reply envelope. WeCom wants the JSON served as text/plain.
func (h *BotHandler) writeSealed(w http.ResponseWriter, acct *Account, plain []byte, timestamp, nonce string) {
	reply, err := acct.codec.Seal(plain, timestamp, nonce)
	if err != nil {
		slog.Error("bot reply seal failed", "account", acct.Name(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		slog.Warn("bot reply write failed", "error", err)
	}
}

// streamFrame renders a stream's current state as a poll answer. Images
// ride only on finished frames; WeCom ignores them elsewhere.
func streamFrame(st streamq.StreamState) protocol.StreamReply {
	reply := protocol.NewStreamReply(st.ID, st.Content, st.Finished)
	if st.Finished && len(st.Images) > 0 {
		reply = reply.WithImages(imageItems(st.Images))
	}
	return reply
}

func imageItems(images []streamq.Image) []protocol.ImageItem {
	items := make([]protocol.ImageItem, len(images))
	for i, img := range images {
		items[i] = protocol.ImageItem{Base64: img.Base64, MD5: img.MD5}
	}
	return items
}

// cardEventText flattens a card interaction into the synthetic message the
// agent sees.
func cardEventText(ev *protocol.TemplateCardEvent) string {
	var b strings.Builder
	b.WriteString("[template_card_event]")
	if ev == nil {
		return b.String()
	}
	if ev.EventKey != "" {
		fmt.Fprintf(&b, " button=%s", ev.EventKey)
	}
	for _, sel := range ev.SelectedItems {
		fmt.Fprintf(&b, " %s=%s", sel.QuestionKey, strings.Join(sel.OptionIDs, ","))
	}
	if ev.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", ev.TaskID)
	}
	return b.String()
}

// chatTypeOf maps the wire chattype onto the store's vocabulary.
func chatTypeOf(msg *protocol.IncomingMessage) string {
	if msg.IsGroup() {
		return "group"
	}
	return "direct"
}

func conversationKey(acct *Account, msg *protocol.IncomingMessage) string {
	return fmt.Sprintf("%s|%s|%s", acct.Name(), chatTypeOf(msg), msg.PeerID())
}
