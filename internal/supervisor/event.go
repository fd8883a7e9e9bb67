package supervisor

import (
	"time"

	"github.com/tri2510/uda-deployment-agent/internal/registry"
)

// EventType enumerates events surfaced to the protocol layer.
type EventType int

const (
	// EventOutput is one captured line of app output.
	EventOutput EventType = iota
	// EventStatus is a lifecycle transition of a supervised app.
	EventStatus
)

// Event is pushed for every output line and every lifecycle transition,
// whether or not a command is pending for the app.
type Event struct {
	Type   EventType
	App    string
	At     time.Time
	Stream string // output events: "stdout" or "stderr"
	Text   string // output events: the line
	Status registry.Status    // status events
	PID    int                // status events
	Exit   *registry.ExitInfo // status events, terminal transitions only
}
