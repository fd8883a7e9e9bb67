package history

import (
	"context"
	"time"
)

// EventType defines the kind of deployment lifecycle event.
type EventType string

const (
	EventDeployed EventType = "deployed"
	EventStarted  EventType = "started"
	EventStopped  EventType = "stopped"
	EventCrashed  EventType = "crashed"
	EventFailed   EventType = "failed"
)

// Event is one lifecycle event of a deployed app, exported for audit.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	App        string    `json:"app"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
