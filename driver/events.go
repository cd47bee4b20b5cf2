package driver

// EventKind classifies driver events.
type EventKind string

const (
	EventThreadStarted EventKind = "thread_started"
	EventTurnStarted   EventKind = "turn_started"
	EventAgentMessage  EventKind = "agent_message"
	EventTurnSteered   EventKind = "turn_steered"
	EventTurnCompleted EventKind = "turn_completed"
)

// Event is a lifecycle observation surfaced to onlookers, such as the
// relay server. Events are advisory; dropping them does not affect the
// turn.
type Event struct {
	Kind     EventKind `json:"kind"`
	ThreadID string    `json:"threadId,omitempty"`
	TurnID   string    `json:"turnId,omitempty"`
	Status   string    `json:"status,omitempty"`
	Text     string    `json:"text,omitempty"`
}
