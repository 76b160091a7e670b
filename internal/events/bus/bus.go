// Package bus provides the event bus carrying gateway lifecycle events:
// worker spawns and reaps, turn starts and completions, queue activity.
// The status API and log pipeline consume these; nothing in the turn path
// depends on a subscriber being present.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the gateway. Wildcard subscriptions use NATS-style
// patterns, e.g. "acpgate.worker.*" or "acpgate.>".
const (
	SubjectWorkerSpawned = "acpgate.worker.spawned"
	SubjectWorkerReaped  = "acpgate.worker.reaped"
	SubjectWorkerDied    = "acpgate.worker.died"
	SubjectTurnStarted   = "acpgate.turn.started"
	SubjectTurnCompleted = "acpgate.turn.completed"
	SubjectTurnCancelled = "acpgate.turn.cancelled"
	SubjectTurnQueued    = "acpgate.turn.queued"
	SubjectTurnCoalesced = "acpgate.turn.coalesced"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
