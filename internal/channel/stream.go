package channel

import "context"

// StreamEventType identifies the kind of event pushed to an outbound stream.
type StreamEventType string

const (
	// StreamEventStatus signals lifecycle transitions (started, working, completed).
	StreamEventStatus StreamEventType = "status"
	// StreamEventDelta carries one incremental token chunk.
	StreamEventDelta StreamEventType = "delta"
	// StreamEventFinal carries the complete text; the stream flushes and chunks it.
	StreamEventFinal StreamEventType = "final"
	// StreamEventError carries a mid-stream failure; buffered partial output
	// is flushed with a visible error marker appended.
	StreamEventError StreamEventType = "error"
)

// StreamStatus values carried by StreamEventStatus events.
type StreamStatus string

const (
	StreamStatusStarted   StreamStatus = "started"
	StreamStatusWorking   StreamStatus = "working"
	StreamStatusCompleted StreamStatus = "completed"
)

// StreamEvent is one event pushed to an outbound stream.
type StreamEvent struct {
	Type   StreamEventType
	Status StreamStatus
	Delta  string
	Final  string
	Error  string
}

// OutboundStream receives ordered stream events for one recipient and turns
// them into channel-appropriate output. Implementations must never reorder
// or drop deltas, only batch them.
type OutboundStream interface {
	Push(ctx context.Context, event StreamEvent) error
	Close(ctx context.Context) error
}
