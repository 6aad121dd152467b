// Package emit provides observability event emission for pipeline runs,
// adapted from a generic graph-execution event model to the five fixed
// cataloging stages.
package emit

// Event represents one observability event emitted during a pipeline
// run: a stage starting or finishing, an item retried, a run-level
// error, a checkpoint written.
type Event struct {
	// RunID identifies the pipeline run that emitted this event.
	RunID string

	// Step is the sequential step number within the run (1-indexed).
	// Zero for run-level events (start, complete, abort).
	Step int

	// StageName identifies which stage emitted this event. Empty for
	// run-level events.
	StageName string

	// Msg is a short, stable event name: "stage_start", "stage_end",
	// "item_retry", "item_failed", "batch_submitted", "run_complete".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "barcode": the item the event concerns
	//   - "duration_ms": stage or call duration
	//   - "tokens_in" / "tokens_out": LLM token usage
	//   - "cost_usd": incremental cost recorded
	//   - "error": error detail
	//   - "retryable": whether a failure can be retried
	Meta map[string]interface{}
}
