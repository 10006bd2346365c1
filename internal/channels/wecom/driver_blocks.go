package wecom

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/markdown"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
)

// onBlock handles one streamed agent block. Order matters: table
// conversion runs under the think shield, template cards short-circuit,
// dmContent accumulates before the timeout check so a late fallback still
// has the full text, and visible content grows only outside fallback.
func (r *streamRun) onBlock(b agent.Block) {
	d := r.d

	text := b.Text
	if text != "" {
		shielded, restore := markdown.ShieldThink(text)
		text = restore(markdown.ConvertTables(shielded, r.acct.tableMode()))
	}

	if r.isReset && looksLikeSessionAck(text) {
		return
	}

	if handled, rendered := r.maybeTemplateCard(text); handled {
		return
	} else if rendered != "" {
		text = rendered
	}

	if text != "" {
		d.store.AppendDM(r.streamID, text)
	}

	if r.checkTimeout() {
		return
	}

	// Model-inferred local paths come first; agent-declared media after.
	items := inferredLocalImages(text, r.rawBody)
	if b.MediaURL != "" {
		items = append(items, b.MediaURL)
	}
	items = append(items, b.MediaURLs...)
	for _, item := range dedupeStrings(items) {
		r.handleMediaItem(item)
	}

	if text == "" {
		return
	}
	if st, ok := d.store.Get(r.streamID); !ok || st.FallbackMode != streamq.FallbackNone {
		return
	}
	d.store.AppendContent(r.streamID, text)
}

// maybeTemplateCard detects an agent-emitted template card. In a direct
// chat with a usable response URL the card goes out as-is and the stream
// closes; otherwise the card is rendered to plain text and handed back for
// ordinary accumulation.
func (r *streamRun) maybeTemplateCard(text string) (handled bool, rendered string) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"template_card"`) {
		return false, ""
	}
	var probe struct {
		TemplateCard json.RawMessage `json:"template_card"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil || len(probe.TemplateCard) == 0 {
		return false, ""
	}

	d := r.d
	if r.chatType() == "direct" {
		if _, ok := d.store.GetReplyURL(r.streamID); ok {
			err := d.store.UseReplyURL(r.streamID, func(rs streamq.ReplyState) error {
				ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
				defer cancel()
				return r.acct.client.PushResponseURL(ctx, rs.ResponseURL, protocol.NewTemplateCardReply(probe.TemplateCard))
			})
			if err == nil {
				d.store.SetContent(r.streamID, textCardSent)
				d.store.MarkFinished(r.streamID)
				return true, ""
			}
			slog.Warn("template card push failed, rendering as text", "stream", r.streamID, "error", err)
		}
	}
	return false, renderCardText(probe.TemplateCard)
}

// renderCardText flattens a template card for surfaces that cannot show
// it: title, description, and the button labels.
func renderCardText(card json.RawMessage) string {
	var c struct {
		MainTitle struct {
			Title string `json:"title"`
			Desc  string `json:"desc"`
		} `json:"main_title"`
		SubTitleText string `json:"sub_title_text"`
		ButtonList   []struct {
			Text string `json:"text"`
		} `json:"button_list"`
	}
	if err := json.Unmarshal(card, &c); err != nil {
		return "[template_card]"
	}

	var lines []string
	if c.MainTitle.Title != "" {
		lines = append(lines, "【"+c.MainTitle.Title+"】")
	}
	if c.MainTitle.Desc != "" {
		lines = append(lines, c.MainTitle.Desc)
	}
	if c.SubTitleText != "" {
		lines = append(lines, c.SubTitleText)
	}
	var buttons []string
	for _, btn := range c.ButtonList {
		if btn.Text != "" {
			buttons = append(buttons, btn.Text)
		}
	}
	if len(buttons) > 0 {
		lines = append(lines, "[按钮] "+strings.Join(buttons, " | "))
	}
	if len(lines) == 0 {
		return "[template_card]"
	}
	return strings.Join(lines, "\n")
}

// checkTimeout trips the timeout fallback when the stream nears the
// six-minute passive window. Returns true when visible updates must stop.
func (r *streamRun) checkTimeout() bool {
	d := r.d
	st, ok := d.store.Get(r.streamID)
	if !ok {
		return true
	}
	if st.FallbackMode == streamq.FallbackTimeout {
		return true
	}
	if st.FallbackMode != streamq.FallbackNone {
		// Media fallback: the stream already closed but dmContent keeps
		// accumulating, so blocks still flow.
		return false
	}
	if d.now().Before(st.CreatedAt.Add(streamWindow - streamWindowMargin)) {
		return false
	}

	prompt := textTimeoutPrompt
	if !r.acct.appConfigured() {
		prompt = textAppUnconfigured
	}
	d.store.Update(r.streamID, func(s *streamq.StreamState) {
		s.FallbackMode = streamq.FallbackTimeout
		s.Content = prompt
		s.Finished = true
	})
	slog.Info("stream entered timeout fallback", "stream", r.streamID, "age", d.now().Sub(st.CreatedAt))
	r.emitFailover(string(streamq.FallbackTimeout))
	r.pushPromptOnce(prompt)
	return true
}

// pushPromptOnce pushes a finished frame carrying a fallback prompt, at
// most once per stream.
func (r *streamRun) pushPromptOnce(prompt string) {
	d := r.d
	first := false
	d.store.Update(r.streamID, func(s *streamq.StreamState) {
		if !s.FallbackPromptSentAt.IsZero() {
			return
		}
		s.FallbackPromptSentAt = d.now()
		first = true
	})
	if !first {
		return
	}
	r.pushFrame(prompt, true, nil)
}
