package events

import "go.uber.org/zap"

// Handler processes events of the types it names.
type Handler interface {
	Handles() []string
	// Handle must tolerate redelivery of the same event.
	Handle(event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	eventTypes []string
	fn         func(Event) error
}

// NewHandlerFunc creates a new HandlerFunc.
func NewHandlerFunc(eventTypes []string, fn func(Event) error) *HandlerFunc {
	return &HandlerFunc{
		eventTypes: eventTypes,
		fn:         fn,
	}
}

// Handles returns the event types this handler processes.
func (h *HandlerFunc) Handles() []string {
	return h.eventTypes
}

// Handle processes the given event.
func (h *HandlerFunc) Handle(event Event) error {
	return h.fn(event)
}

// NewLogHandler records every event of the given types. It stands in for the
// notification and analytics collaborators.
func NewLogHandler(logger *zap.Logger, eventTypes ...string) *HandlerFunc {
	log := logger.Named("event-log")
	return NewHandlerFunc(eventTypes, func(e Event) error {
		log.Info("event",
			zap.String("event_type", e.EventType()),
			zap.String("event_id", e.EventID().String()),
			zap.String("aggregate_id", e.AggregateID().String()),
			zap.String("user_id", e.UserID().String()),
			zap.Time("occurred_at", e.OccurredAt()),
		)
		return nil
	})
}
