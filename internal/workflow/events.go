package workflow

import "time"

// Event is one occurrence emitted during a workflow run, streamed to
// connected clients in real time and kept in the run's history.
type Event struct {
	RunID      string
	WorkflowID string
	EventType  string
	Data       map[string]any
	Timestamp  time.Time
}

// EventCallback receives events as they're emitted. It runs fire-and-
// forget from the run's perspective: a slow or failing callback must
// never block workflow execution.
type EventCallback func(Event)

func (e Event) toMap() map[string]any {
	return map[string]any{
		"run_id":      e.RunID,
		"workflow_id": e.WorkflowID,
		"event_type":  e.EventType,
		"data":        e.Data,
		"timestamp":   e.Timestamp,
	}
}
