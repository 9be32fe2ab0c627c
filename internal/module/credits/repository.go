package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/shared/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists balances, transactions and reservations. Every
// balance-affecting method is atomic and serialized per account.
type Repository interface {
	// GetAccount returns ErrAccountNotFound when the user has no account.
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)

	// Reserve debits res.Amount and appends tx together with res, or returns
	// ErrInsufficientCredits without side effects.
	Reserve(ctx context.Context, res *Reservation, tx *Transaction) (*Account, error)

	// Commit moves a pending reservation to committed. It reports false when
	// the reservation was already settled.
	Commit(ctx context.Context, reservationID uuid.UUID, at time.Time) (bool, error)

	// Refund moves a pending reservation to refunded, credits its amount back
	// and appends tx. It reports false when the reservation was already settled.
	Refund(ctx context.Context, reservationID uuid.UUID, tx *Transaction) (bool, error)

	// Credit adds tx.Amount to the balance, creating the account if needed.
	// A repeated ExternalRef returns ErrDuplicateReference.
	Credit(ctx context.Context, tx *Transaction) (*Account, error)

	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Transaction, int64, error)
	SumTransactions(ctx context.Context, userID uuid.UUID) (*Reconciliation, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a PostgreSQL-backed ledger repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	var acct Account
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acct, nil
}

// lockAccount takes the row lock that serializes all writes for one user.
func lockAccount(db *gorm.DB, userID uuid.UUID) (*Account, error) {
	var acct Account
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&acct).Error
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) Reserve(ctx context.Context, res *Reservation, tx *Transaction) (*Account, error) {
	var acct *Account
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		locked, err := lockAccount(db, res.UserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInsufficientCredits
			}
			return fmt.Errorf("lock account: %w", err)
		}

		result := db.Model(&Account{}).
			Where("user_id = ? AND balance >= ?", res.UserID, res.Amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", res.Amount),
				"updated_at": res.CreatedAt,
			})
		if result.Error != nil {
			return fmt.Errorf("debit account: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInsufficientCredits
		}

		if err := db.Create(res).Error; err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		if err := db.Create(tx).Error; err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}

		locked.Balance -= res.Amount
		acct = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (r *gormRepository) Commit(ctx context.Context, reservationID uuid.UUID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Reservation{}).
		Where("id = ? AND status = ?", reservationID, ReservationPending).
		Updates(map[string]any{"status": ReservationCommitted, "settled_at": at})
	if result.Error != nil {
		return false, fmt.Errorf("commit reservation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetReservation(ctx, reservationID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *gormRepository) Refund(ctx context.Context, reservationID uuid.UUID, tx *Transaction) (bool, error) {
	res, err := r.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if res.Status.IsSettled() {
		return false, nil
	}

	refunded := false
	err = r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		// Account first, matching the lock order of Reserve.
		if _, err := lockAccount(db, res.UserID); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		result := db.Model(&Reservation{}).
			Where("id = ? AND status = ?", reservationID, ReservationPending).
			Updates(map[string]any{"status": ReservationRefunded, "settled_at": tx.CreatedAt})
		if result.Error != nil {
			return fmt.Errorf("refund reservation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		if err := db.Model(&Account{}).
			Where("user_id = ?", res.UserID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", res.Amount),
				"updated_at": tx.CreatedAt,
			}).Error; err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		tx.UserID = res.UserID
		tx.Amount = res.Amount
		tx.ReservationID = &res.ID
		tx.RelatedItemID = res.RelatedItemID
		if err := db.Create(tx).Error; err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}

		refunded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return refunded, nil
}

func (r *gormRepository) Credit(ctx context.Context, tx *Transaction) (*Account, error) {
	var acct *Account
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Account{UserID: tx.UserID, CreatedAt: tx.CreatedAt, UpdatedAt: tx.CreatedAt}).Error; err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		locked, err := lockAccount(db, tx.UserID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		if err := db.Create(tx).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return ErrDuplicateReference
			}
			return fmt.Errorf("append transaction: %w", err)
		}

		if err := db.Model(&Account{}).
			Where("user_id = ?", tx.UserID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", tx.Amount),
				"updated_at": tx.CreatedAt,
			}).Error; err != nil {
			return fmt.Errorf("credit account: %w", err)
		}

		locked.Balance += tx.Amount
		acct = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (r *gormRepository) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	var res Reservation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &res, nil
}

func (r *gormRepository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Transaction, int64, error) {
	query := r.db.WithContext(ctx).Model(&Transaction{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	var txs []*Transaction
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&txs).Error; err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return txs, total, nil
}

func (r *gormRepository) SumTransactions(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	rec := &Reconciliation{UserID: userID}

	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var rows []struct {
			Type  TransactionType
			Total int64
		}
		if err := db.Model(&Transaction{}).
			Select("type, COALESCE(SUM(amount), 0) AS total").
			Where("user_id = ?", userID).
			Group("type").
			Scan(&rows).Error; err != nil {
			return fmt.Errorf("sum transactions: %w", err)
		}
		for _, row := range rows {
			switch row.Type {
			case TransactionEarned:
				rec.Earned = row.Total
			case TransactionSpent:
				rec.Spent = row.Total
			case TransactionRefunded:
				rec.Refunded = row.Total
			}
		}

		var acct Account
		err := db.Where("user_id = ?", userID).First(&acct).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("get account: %w", err)
		}
		rec.Balance = acct.Balance
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
