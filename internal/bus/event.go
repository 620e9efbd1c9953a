package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by prefix, so
// "pending." receives every retry queue event.
const (
	PendingSubmitted   = "pending.submitted"
	PendingResolved    = "pending.resolved"
	PendingRetry       = "pending.retry_scheduled"
	PendingWaiting     = "pending.waiting_for_queue_response"
	PendingFailed      = "pending.failed"
	PendingAbandoned   = "pending.abandoned"
	HandshakeChanged   = "handshake.state_changed"
	PushTokenUploaded  = "push_token.uploaded"
	PushTokenFailed    = "push_token.upload_failed"
	IngestBatchApplied = "ingest.batch_applied"
)
