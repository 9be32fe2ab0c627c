package credits

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionEarned   TransactionType = "earned"
	TransactionSpent    TransactionType = "spent"
	TransactionRefunded TransactionType = "refunded"
)

// ReservationStatus is the settlement state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationRefunded  ReservationStatus = "refunded"
)

// IsSettled reports whether the reservation has reached a terminal state.
func (s ReservationStatus) IsSettled() bool {
	return s == ReservationCommitted || s == ReservationRefunded
}

// Account holds the authoritative balance for one user.
type Account struct {
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;primaryKey"`
	Balance   int64     `json:"balance" gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Account) TableName() string {
	return "credit_accounts"
}

// Transaction is an immutable ledger entry. Amount is always positive; Type
// carries the sign.
type Transaction struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;not null;index:idx_credit_tx_user_created,priority:1"`
	Type          TransactionType `json:"type" gorm:"type:varchar(16);not null"`
	Amount        int64           `json:"amount" gorm:"not null;check:chk_credit_tx_amount,amount > 0"`
	Description   string          `json:"description" gorm:"type:text"`
	ReservationID *uuid.UUID      `json:"reservation_id,omitempty" gorm:"type:uuid;index"`
	RelatedItemID *uuid.UUID      `json:"related_item_id,omitempty" gorm:"type:uuid"`
	ExternalRef   *string         `json:"external_ref,omitempty" gorm:"type:varchar(128);uniqueIndex"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index:idx_credit_tx_user_created,priority:2,sort:desc"`
}

// TableName returns the table name for GORM.
func (Transaction) TableName() string {
	return "credit_transactions"
}

// Signed returns the amount with the sign of its effect on the balance.
func (t *Transaction) Signed() int64 {
	if t.Type == TransactionSpent {
		return -t.Amount
	}
	return t.Amount
}

// Reservation is a provisional debit held by an in-flight operation until it
// is committed or refunded. Its ID is the token handed to callers.
type Reservation struct {
	ID            uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID         `json:"user_id" gorm:"type:uuid;not null;index"`
	Amount        int64             `json:"amount" gorm:"not null"`
	Reason        string            `json:"reason" gorm:"type:text"`
	RelatedItemID *uuid.UUID        `json:"related_item_id,omitempty" gorm:"type:uuid;index"`
	Status        ReservationStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	CreatedAt     time.Time         `json:"created_at"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
}

// TableName returns the table name for GORM.
func (Reservation) TableName() string {
	return "credit_reservations"
}

// Reconciliation compares a balance with its transaction history.
type Reconciliation struct {
	UserID   uuid.UUID `json:"user_id"`
	Balance  int64     `json:"balance"`
	Earned   int64     `json:"earned"`
	Spent    int64     `json:"spent"`
	Refunded int64     `json:"refunded"`
}

// Consistent reports whether earned + refunded - spent equals the balance.
func (r *Reconciliation) Consistent() bool {
	return r.Earned+r.Refunded-r.Spent == r.Balance && r.Balance >= 0
}

// Models returns the GORM models owned by this package, for migration.
func Models() []any {
	return []any{&Account{}, &Transaction{}, &Reservation{}}
}
