package emit

import "context"

// Emitter receives observability events from a pipeline run. Pluggable
// backends let a run be watched with nothing more than a terminal
// (LogEmitter), recorded in tests (BufferedEmitter), or discarded
// (NullEmitter) without the stages themselves knowing which is in use.
//
// Implementations must not block stage execution for long, must be
// safe for concurrent use (stage workers run fanned out across an
// errgroup), and must not panic on a malformed event.
type Emitter interface {
	// Emit sends a single event. Implementations that need to batch
	// should buffer internally and flush opportunistically or on Flush.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	// Returns an error only for configuration-level failures; a single
	// bad event should be logged and skipped, not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been delivered, or
	// ctx is done. Safe to call multiple times.
	Flush(ctx context.Context) error
}
