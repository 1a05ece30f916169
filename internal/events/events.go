package events

import "time"

// Event types pushed to status server clients.
const (
	TypeUsageUpdated = "usage_updated"
	TypePollFailed   = "poll_failed"
	TypeAlert        = "alert"
	TypeHello        = "hello"
)

// Event is a real-time update pushed to status server clients.
type Event struct {
	Type      string    `json:"type"`
	TickID    string    `json:"tick_id,omitempty"`
	Time      time.Time `json:"time"`
	Failures  int       `json:"failures,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Window    string    `json:"window,omitempty"`
	Threshold int       `json:"threshold,omitempty"`
	Pct       int       `json:"pct,omitempty"`
	Subject   string    `json:"subject,omitempty"` // hello only: the authenticated client
}

// Broadcaster sends events to connected clients. Broadcast must not block.
type Broadcaster interface {
	Broadcast(e Event)
}
