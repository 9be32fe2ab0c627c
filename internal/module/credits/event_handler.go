package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uniedit/batchgen/internal/infra/events"
	"go.uber.org/zap"
)

// EventHandler applies purchases reported by the payment collaborator.
type EventHandler struct {
	service *Service
	logger  *zap.Logger
}

// NewEventHandler creates a new credits event handler.
func NewEventHandler(service *Service, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		service: service,
		logger:  logger.Named("credits-events"),
	}
}

// Handles returns the event types this handler processes.
func (h *EventHandler) Handles() []string {
	return []string{EventPaymentSucceeded}
}

// Handle processes a payment event.
func (h *EventHandler) Handle(event events.Event) error {
	e, ok := event.(*PaymentSucceededEvent)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.service.Purchase(ctx, e.UserID(), e.Credits, e.PaymentRef)
	if errors.Is(err, ErrDuplicateReference) {
		h.logger.Debug("payment already applied", zap.String("payment_ref", e.PaymentRef))
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply purchase %s: %w", e.PaymentRef, err)
	}
	return nil
}

var _ events.Handler = (*EventHandler)(nil)
