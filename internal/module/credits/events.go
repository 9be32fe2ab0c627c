package credits

import (
	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/infra/events"
)

const (
	// EventCreditsPurchase is published after purchased credits are applied.
	EventCreditsPurchase = "credits_purchase"
	// EventPaymentSucceeded is consumed from the payment collaborator.
	EventPaymentSucceeded = "payment_succeeded"
)

// CreditsPurchasedEvent reports credits added by a purchase.
type CreditsPurchasedEvent struct {
	events.BaseEvent
	Amount     int64  `json:"amount"`
	Balance    int64  `json:"balance"`
	PaymentRef string `json:"payment_ref"`
}

// PaymentSucceededEvent is published by the payment collaborator when a
// credit pack has been paid for.
type PaymentSucceededEvent struct {
	events.BaseEvent
	PaymentRef string `json:"payment_ref"`
	Credits    int64  `json:"credits"`
}

// NewPaymentSucceededEvent builds a PaymentSucceededEvent.
func NewPaymentSucceededEvent(userID uuid.UUID, paymentRef string, credits int64) *PaymentSucceededEvent {
	return &PaymentSucceededEvent{
		BaseEvent:  events.NewBaseEvent(EventPaymentSucceeded, userID, userID),
		PaymentRef: paymentRef,
		Credits:    credits,
	}
}
