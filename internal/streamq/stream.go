// Package streamq holds the in-memory state behind the Bot channel's
// passive streams: the stream slots the platform polls, debounced inbound
// batches, the per-conversation queue, and the passive-reply URLs used
// for proactive pushes. Everything is process-local and TTL-pruned;
// nothing is persisted.
package streamq

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Content caps. The Bot view is size-limited; the DM fallback keeps the
// full text up to its own cap.
const (
	StreamMaxBytes = 20 << 10
	DMMaxBytes     = 200 << 10
)

// FallbackMode records why a stream stopped receiving visible updates.
type FallbackMode string

const (
	FallbackNone    FallbackMode = ""
	FallbackMedia   FallbackMode = "media"
	FallbackTimeout FallbackMode = "timeout"
	FallbackError   FallbackMode = "error"
)

// Image is one accumulated image frame for the final msg_item push.
type Image struct {
	Base64 string
	MD5    string
}

// StreamState is one passive-stream slot allocated to an inbound message.
// Store methods hand out copies; mutation goes through Store.Update and
// the named helpers so UpdatedAt stays honest.
type StreamState struct {
	ID    string
	MsgID string

	ConversationKey string
	BatchKey        string
	UserID          string
	ChatType        string // "direct" or "group"
	ChatID          string
	AgentID         string
	TaskKey         string

	CreatedAt time.Time
	UpdatedAt time.Time
	Started   bool
	Finished  bool
	Err       string

	Content   string // visible text, capped at StreamMaxBytes
	DMContent string // full text kept for the Application DM fallback
	Images    []Image
	MediaKeys map[string]bool // media already forwarded via DM

	FallbackMode         FallbackMode
	FallbackPromptSentAt time.Time
	FinalDeliveredAt     time.Time
}

// NewStreamID returns a 128-bit random hex id.
func NewStreamID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// appendBounded appends add to s and keeps the most recent max bytes,
// never splitting a multi-byte rune.
func appendBounded(s, add string, max int) string {
	s += add
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
