package core

// EventType discriminates push-channel messages.
type EventType string

const (
	EventStatusUpdate EventType = "status_update"
	EventLog          EventType = "log"
)

// Event is one message on a job's push channel.
type Event struct {
	Type    EventType `json:"type"`
	Status  Status    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

func statusEvent(s Status) Event {
	return Event{Type: EventStatusUpdate, Status: s}
}

func logEvent(msg string) Event {
	return Event{Type: EventLog, Message: msg}
}
