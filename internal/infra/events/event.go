package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every published event.
type Event interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	// AggregateID is the job or account the event is about.
	AggregateID() uuid.UUID
	// UserID is the owner the event concerns.
	UserID() uuid.UUID
}

// BaseEvent carries the common event envelope. Embed it in concrete events.
type BaseEvent struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Aggregate uuid.UUID `json:"aggregate_id"`
	Owner     uuid.UUID `json:"user_id"`
}

func (e BaseEvent) EventID() uuid.UUID     { return e.ID }
func (e BaseEvent) EventType() string      { return e.Type }
func (e BaseEvent) OccurredAt() time.Time  { return e.Timestamp }
func (e BaseEvent) AggregateID() uuid.UUID { return e.Aggregate }
func (e BaseEvent) UserID() uuid.UUID      { return e.Owner }

// NewBaseEvent creates a BaseEvent stamped with a new id and the current time.
func NewBaseEvent(eventType string, aggregateID, userID uuid.UUID) BaseEvent {
	return BaseEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Aggregate: aggregateID,
		Owner:     userID,
	}
}

// Publisher is the narrow interface modules depend on.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
