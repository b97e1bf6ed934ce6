package types

// EventType names a lifecycle event on the broadcast channel.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventProgress  EventType = "progress"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// Event is the wire payload for every lifecycle event. Which fields are set
// depends on Type.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"run_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Step       int       `json:"step,omitempty"`
	Total      int       `json:"total,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Timestamp  int64     `json:"timestamp,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Succeeded is true only for a done event carrying success=true.
func (e Event) Succeeded() bool {
	return e.Type == EventDone && e.Success != nil && *e.Success
}

// Percent converts step/total into a 0-100 progress value.
func (e Event) Percent() int {
	if e.Total <= 0 {
		return 0
	}
	p := e.Step * 100 / e.Total
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
