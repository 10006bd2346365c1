package protocol

// RPC method name constants for the upstream agent gateway connection.
const (
	// System
	MethodConnect   = "connect"
	MethodHealth    = "health"
	MethodStatus    = "status"
	MethodHeartbeat = "heartbeat"

	// Chat
	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatInbound = "chat.inbound"

	// Sessions
	MethodSessionsReset = "sessions.reset"

	// Outbound delivery requested by the upstream agent (tool "message").
	MethodSend = "send"
)
