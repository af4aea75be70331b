package engine

// EventType identifies the kind of state change pushed to the render layer.
type EventType string

// event type constants.
const (
	EventValue      EventType = "value"       // a variable's selected value changed
	EventCandidates EventType = "candidates"  // a variable's candidate list was refetched
	EventFetchError EventType = "fetch-error" // a variable's fetch failed
	EventDirty      EventType = "dirty"       // a refresh indicator changed
	EventRefresh    EventType = "refresh"     // a refresh completed for a scope
)

// DirtyScopeGlobal is the dirty-tracker scope for the dashboard-wide refresh
// affordance; any other scope string is a panel id.
const DirtyScopeGlobal = "global"

// Event is a single state change emitted by a session. Key is set for
// variable events; DirtyScope for dirty/refresh events.
type Event struct {
	Type       EventType `json:"type"`
	Key        string    `json:"key,omitempty"` // canonical instance key
	Values     []string  `json:"values,omitempty"`
	Candidates []string  `json:"candidates,omitempty"`
	DirtyScope string    `json:"scope,omitempty"` // "global" or a panel id
	Dirty      bool      `json:"dirty,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// EventSink receives session events. Publish must not block; slow consumers
// are the sink's problem, not the scheduler's.
type EventSink interface {
	Publish(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Event) {}
