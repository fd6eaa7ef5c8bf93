package output

import "time"

// Lifecycle event types.
const (
	EventRunStarted   = "run.started"
	EventItemFinished = "item.finished"
	EventRunFinished  = "run.finished"
)

// Event is a lifecycle record for NDJSON streaming output.
//
// Sinks see, in order:
// - run.started (once, with Items)
// - item.finished (once per work item, in completion order)
// - run.finished (once, with ExitCode)
//
// The aggregate Report is written after run.finished.
type Event struct {
	Type     string        `json:"type"`
	RunID    string        `json:"run_id,omitempty"`
	Item     string        `json:"item,omitempty"`
	Status   string        `json:"status,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Retries  int           `json:"retries,omitempty"`
	Error    string        `json:"error,omitempty"`
	Items    int           `json:"items,omitempty"`
	Done     int           `json:"done,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
}
