package history

import (
	"context"
	"time"

	"github.com/loykin/sidecar/internal/tracker"
)

// EventType defines the kind of status change.
type EventType string

const (
	EventStart   EventType = "start"   // launch requested
	EventReady   EventType = "ready"   // health check passed
	EventStop    EventType = "stop"    // stop requested
	EventExit    EventType = "exit"    // worker settled in stopped or not_configured
	EventFailure EventType = "failure" // worker entered error
	EventUpdate  EventType = "update"  // message or pid change within a status
)

// Event is one worker status change exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PID        int       `json:"pid,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Attempt    string    `json:"attempt,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// TypeOf classifies a transition by its target status.
func TypeOf(from, to tracker.Status) EventType {
	if from == to {
		return EventUpdate
	}
	switch to {
	case tracker.StatusStarting:
		return EventStart
	case tracker.StatusRunning:
		return EventReady
	case tracker.StatusStopping:
		return EventStop
	case tracker.StatusError:
		return EventFailure
	default:
		return EventExit
	}
}

// FromChange converts a tracker change into an event.
func FromChange(c tracker.Change) Event {
	rt := c.Runtime
	at := rt.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		Type:       TypeOf(c.From, rt.Status),
		OccurredAt: at.UTC(),
		Service:    rt.ID,
		From:       string(c.From),
		To:         string(rt.Status),
		PID:        rt.PID,
		Error:      rt.LastError,
		Message:    rt.Message,
		Attempt:    rt.Attempt,
	}
}
