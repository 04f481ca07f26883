package domain

// EventType identifies what changed in a published Event.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventStatus    EventType = "status"
	EventProgress  EventType = "progress"
	EventRemoved   EventType = "removed"
	EventLog       EventType = "log"
)

// Event is emitted by the queue manager to its subscribers. Job is a
// snapshot taken when the event was produced; Line is set for EventLog.
type Event struct {
	Type EventType
	Job  Job
	Line string
}

// IsLifecycle reports whether t marks a change in a job's existence or
// status, as opposed to streamed output or progress.
func (t EventType) IsLifecycle() bool {
	return t == EventSubmitted || t == EventStatus || t == EventRemoved
}
