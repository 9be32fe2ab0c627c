package credits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryAccount groups one user's state under its own lock.
type memoryAccount struct {
	mu      sync.Mutex
	account Account
	txs     []*Transaction
}

// MemoryRepository is an in-process ledger. Writes for one user hold that
// user's lock, so different accounts never contend.
type MemoryRepository struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*memoryAccount
	reservations map[uuid.UUID]*Reservation
	refs         map[string]struct{}
}

// NewMemoryRepository creates an empty in-process ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[uuid.UUID]*memoryAccount),
		reservations: make(map[uuid.UUID]*Reservation),
		refs:         make(map[string]struct{}),
	}
}

func (r *MemoryRepository) lookup(userID uuid.UUID) *memoryAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accounts[userID]
}

func (r *MemoryRepository) ensure(userID uuid.UUID, at time.Time) *memoryAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[userID]
	if !ok {
		acct = &memoryAccount{account: Account{UserID: userID, CreatedAt: at, UpdatedAt: at}}
		r.accounts[userID] = acct
	}
	return acct
}

func (r *MemoryRepository) GetAccount(_ context.Context, userID uuid.UUID) (*Account, error) {
	acct := r.lookup(userID)
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := acct.account
	return &out, nil
}

func (r *MemoryRepository) Reserve(_ context.Context, res *Reservation, tx *Transaction) (*Account, error) {
	acct := r.lookup(res.UserID)
	if acct == nil {
		return nil, ErrInsufficientCredits
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.account.Balance < res.Amount {
		return nil, ErrInsufficientCredits
	}
	acct.account.Balance -= res.Amount
	acct.account.UpdatedAt = res.CreatedAt

	stored := *res
	r.mu.Lock()
	r.reservations[res.ID] = &stored
	r.mu.Unlock()

	txCopy := *tx
	acct.txs = append(acct.txs, &txCopy)

	out := acct.account
	return &out, nil
}

func (r *MemoryRepository) getReservation(id uuid.UUID) *Reservation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reservations[id]
}

func (r *MemoryRepository) Commit(_ context.Context, reservationID uuid.UUID, at time.Time) (bool, error) {
	res := r.getReservation(reservationID)
	if res == nil {
		return false, ErrReservationNotFound
	}
	acct := r.lookup(res.UserID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if res.Status != ReservationPending {
		return false, nil
	}
	res.Status = ReservationCommitted
	res.SettledAt = &at
	return true, nil
}

func (r *MemoryRepository) Refund(_ context.Context, reservationID uuid.UUID, tx *Transaction) (bool, error) {
	res := r.getReservation(reservationID)
	if res == nil {
		return false, ErrReservationNotFound
	}
	acct := r.lookup(res.UserID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if res.Status != ReservationPending {
		return false, nil
	}
	at := tx.CreatedAt
	res.Status = ReservationRefunded
	res.SettledAt = &at

	acct.account.Balance += res.Amount
	acct.account.UpdatedAt = at

	tx.UserID = res.UserID
	tx.Amount = res.Amount
	tx.ReservationID = &res.ID
	tx.RelatedItemID = res.RelatedItemID
	txCopy := *tx
	acct.txs = append(acct.txs, &txCopy)
	return true, nil
}

func (r *MemoryRepository) Credit(_ context.Context, tx *Transaction) (*Account, error) {
	acct := r.ensure(tx.UserID, tx.CreatedAt)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if tx.ExternalRef != nil {
		r.mu.Lock()
		if _, dup := r.refs[*tx.ExternalRef]; dup {
			r.mu.Unlock()
			return nil, ErrDuplicateReference
		}
		r.refs[*tx.ExternalRef] = struct{}{}
		r.mu.Unlock()
	}

	acct.account.Balance += tx.Amount
	acct.account.UpdatedAt = tx.CreatedAt
	txCopy := *tx
	acct.txs = append(acct.txs, &txCopy)

	out := acct.account
	return &out, nil
}

func (r *MemoryRepository) GetReservation(_ context.Context, id uuid.UUID) (*Reservation, error) {
	res := r.getReservation(id)
	if res == nil {
		return nil, ErrReservationNotFound
	}
	acct := r.lookup(res.UserID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := *res
	return &out, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, userID uuid.UUID, limit, offset int) ([]*Transaction, int64, error) {
	acct := r.lookup(userID)
	if acct == nil {
		return []*Transaction{}, 0, nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	total := len(acct.txs)
	out := make([]*Transaction, 0, limit)
	// Newest first.
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		tx := *acct.txs[i]
		out = append(out, &tx)
	}
	return out, int64(total), nil
}

func (r *MemoryRepository) SumTransactions(_ context.Context, userID uuid.UUID) (*Reconciliation, error) {
	rec := &Reconciliation{UserID: userID}
	acct := r.lookup(userID)
	if acct == nil {
		return rec, nil
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	rec.Balance = acct.account.Balance
	for _, tx := range acct.txs {
		switch tx.Type {
		case TransactionEarned:
			rec.Earned += tx.Amount
		case TransactionSpent:
			rec.Spent += tx.Amount
		case TransactionRefunded:
			rec.Refunded += tx.Amount
		}
	}
	return rec, nil
}

var _ Repository = (*MemoryRepository)(nil)
