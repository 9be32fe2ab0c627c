package credits

import (
	"time"

	"github.com/google/uuid"
)

// BalanceResponse is the response for GET /credits.
type BalanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int64     `json:"balance"`
}

// ListTransactionsQuery binds the transaction list query string.
type ListTransactionsQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// TransactionResponse represents one ledger entry in API responses.
type TransactionResponse struct {
	ID            uuid.UUID       `json:"id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	Signed        int64           `json:"signed_amount"`
	Description   string          `json:"description"`
	ReservationID *uuid.UUID      `json:"reservation_id,omitempty"`
	RelatedItemID *uuid.UUID      `json:"related_item_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ToResponse converts a Transaction to its API form.
func (t *Transaction) ToResponse() *TransactionResponse {
	return &TransactionResponse{
		ID:            t.ID,
		Type:          t.Type,
		Amount:        t.Amount,
		Signed:        t.Signed(),
		Description:   t.Description,
		ReservationID: t.ReservationID,
		RelatedItemID: t.RelatedItemID,
		CreatedAt:     t.CreatedAt,
	}
}

// ListTransactionsResponse is the response for GET /credits/transactions.
type ListTransactionsResponse struct {
	Transactions []*TransactionResponse `json:"transactions"`
	Total        int64                  `json:"total"`
	Limit        int                    `json:"limit"`
	Offset       int                    `json:"offset"`
}
