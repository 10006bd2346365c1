package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent     = "agent"
	EventChat      = "chat"
	EventHealth    = "health"
	EventShutdown  = "shutdown"
	EventHeartbeat = "heartbeat"

	// Gateway lifecycle events (ops feed).
	EventStreamCreated  = "stream.created"
	EventStreamFinished = "stream.finished"
	EventBatchFlushed   = "batch.flushed"
	EventQueuePromoted  = "queue.promoted"
	EventFailover       = "failover.triggered"
	EventWebhookDenied  = "webhook.rejected"
	EventTokenRefreshed = "token.refreshed"
	EventConfigReloaded = "config.reloaded"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
