package engine

// Event types published on the bus.
const (
	EventStarted   = "job.started"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventTimeout   = "job.timeout"
	EventSkipped   = "job.skipped"
	EventDisabled  = "job.disabled"
	EventEnabled   = "job.enabled"
)

// Started, completed, failed and timeout events carry an Execution.

type SkipEvent struct {
	Trigger      TriggerKind `json:"trigger"`
	SkippedTicks uint64      `json:"skipped_ticks"`
}

type DisableEvent struct {
	Reason              string `json:"reason"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}
