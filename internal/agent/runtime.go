// Package agent defines the contract between the WeCom channel and the
// upstream agent runtime, plus the WebSocket bridge that implements it.
//
// The runtime itself (model loop, tools, session history) lives in a
// separate gateway process; this package only speaks its RPC protocol.
package agent

import (
	"context"
	"time"
)

// RouteQuery asks where an inbound conversation should be dispatched.
type RouteQuery struct {
	AccountID string
	AgentID   string // account binding; empty falls back to the default agent
	ChatType  string // "single" or "group"
	PeerID    string
}

// Route is a resolved dispatch destination.
type Route struct {
	AgentID    string
	SessionKey string
	AccountID  string
}

// Block is one streamed delivery unit from the agent: text plus any media
// the agent attached to it.
type Block struct {
	Text      string
	MediaURL  string
	MediaURLs []string
}

// Request carries one flushed batch to the agent.
type Request struct {
	Body        string // envelope body the agent sees
	RawBody     string // user text before enveloping
	CommandBody string // canonical command form ("/new"), empty otherwise

	SessionKey string
	ChatType   string
	From       string
	To         string
	Provider   string
	Surface    string

	CommandAuthorized bool

	MediaPath string
	MediaType string
	MediaURL  string

	DeniedTools []string
}

// Result is the agent's final answer for a dispatch.
type Result struct {
	Content   string
	MessageID string
}

// InboundRecord is persisted by the runtime so later turns keep context.
type InboundRecord struct {
	SessionKey string
	MsgID      string
	From       string
	ChatType   string
	Body       string
	At         time.Time
}

// SavedMedia points at a stored inbound attachment.
type SavedMedia struct {
	Path string
	URL  string // empty when no public base URL is configured
}

// CommandCheck asks whether a sender may run a command.
type CommandCheck struct {
	Command   string
	From      string
	ChatType  string
	Policy    string // account dm policy: "", "open", "allowlist"
	AllowFrom []string
}

// Verdict answers a CommandCheck. Hint explains a denial.
type Verdict struct {
	Allowed bool
	Hint    string
}

// SendRequest is an upstream-initiated outbound delivery: the agent's
// "message" tool reaching a recipient through this gateway instead of a
// passive reply slot.
type SendRequest struct {
	Account   string // account name; empty picks the default
	To        string // raw recipient, classified by the channel
	Content   string
	MediaURL  string
	MediaURLs []string
}

// Sender delivers upstream-initiated sends to the chat platform. The
// account channel implements it; the Bridge invokes it for "send" RPCs
// pushed by the agent gateway.
type Sender interface {
	SendOutbound(ctx context.Context, req SendRequest) error
}

// Runtime is what the channel driver needs from the agent side. The
// production implementation is *Bridge; tests substitute fakes.
type Runtime interface {
	ResolveRoute(ctx context.Context, q RouteQuery) (Route, error)
	Dispatch(ctx context.Context, req Request, onBlock func(Block)) (Result, error)
	RecordInbound(ctx context.Context, rec InboundRecord) error
	SaveMedia(ctx context.Context, name, contentType string, data []byte) (SavedMedia, error)
	FetchMedia(ctx context.Context, url string) ([]byte, string, error)
	Authorize(ctx context.Context, check CommandCheck) (Verdict, error)
}
