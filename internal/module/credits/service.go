package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/infra/events"
	"github.com/uniedit/batchgen/internal/utils/metrics"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Service is the only writer of balances, transactions and reservations.
type Service struct {
	repo      Repository
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a ledger service.
func NewService(repo Repository, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("credits"),
		now:       time.Now,
	}
}

// Reserve debits amount from the user's balance and returns the reservation
// token that must later be committed or refunded.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, amount int64, reason string, relatedItemID *uuid.UUID) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := s.now()
	res := &Reservation{
		ID:            uuid.New(),
		UserID:        userID,
		Amount:        amount,
		Reason:        reason,
		RelatedItemID: relatedItemID,
		Status:        ReservationPending,
		CreatedAt:     now,
	}
	tx := &Transaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          TransactionSpent,
		Amount:        amount,
		Description:   reason,
		ReservationID: &res.ID,
		RelatedItemID: relatedItemID,
		CreatedAt:     now,
	}

	acct, err := s.repo.Reserve(ctx, res, tx)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			s.metrics.RecordCreditsOp("reserve", "insufficient")
			return nil, ErrInsufficientCredits
		}
		s.metrics.RecordCreditsOp("reserve", "error")
		return nil, fmt.Errorf("reserve credits: %w", err)
	}

	s.metrics.RecordCreditsOp("reserve", "ok")
	s.logger.Debug("credits reserved",
		zap.String("user_id", userID.String()),
		zap.String("reservation_id", res.ID.String()),
		zap.Int64("amount", amount),
		zap.Int64("balance", acct.Balance),
	)
	return res, nil
}

// Commit finalizes a reservation. Settling an already settled reservation is
// a no-op.
func (s *Service) Commit(ctx context.Context, reservationID uuid.UUID) error {
	settled, err := s.repo.Commit(ctx, reservationID, s.now())
	if err != nil {
		s.metrics.RecordCreditsOp("commit", "error")
		if errors.Is(err, ErrReservationNotFound) {
			return err
		}
		return fmt.Errorf("commit reservation: %w", err)
	}

	result := "ok"
	if !settled {
		result = "noop"
	}
	s.metrics.RecordCreditsOp("commit", result)
	s.logger.Debug("reservation committed",
		zap.String("reservation_id", reservationID.String()),
		zap.Bool("noop", !settled),
	)
	return nil
}

// Refund returns a reservation's credits to the balance. Settling an already
// settled reservation is a no-op.
func (s *Service) Refund(ctx context.Context, reservationID uuid.UUID, reason string) error {
	tx := &Transaction{
		ID:          uuid.New(),
		Type:        TransactionRefunded,
		Description: reason,
		CreatedAt:   s.now(),
	}

	settled, err := s.repo.Refund(ctx, reservationID, tx)
	if err != nil {
		s.metrics.RecordCreditsOp("refund", "error")
		if errors.Is(err, ErrReservationNotFound) {
			return err
		}
		return fmt.Errorf("refund reservation: %w", err)
	}

	result := "ok"
	if !settled {
		result = "noop"
	}
	s.metrics.RecordCreditsOp("refund", result)
	s.logger.Debug("reservation refunded",
		zap.String("reservation_id", reservationID.String()),
		zap.Bool("noop", !settled),
	)
	return nil
}

// Earn credits the user's balance.
func (s *Service) Earn(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*Transaction, error) {
	tx, _, err := s.credit(ctx, userID, amount, reason, nil)
	return tx, err
}

// Purchase applies credits bought through the payment collaborator. A
// repeated paymentRef is ignored, so redelivered payment events are safe.
func (s *Service) Purchase(ctx context.Context, userID uuid.UUID, amount int64, paymentRef string) (*Transaction, error) {
	ref := "payment:" + paymentRef
	tx, acct, err := s.credit(ctx, userID, amount, "credit purchase "+paymentRef, &ref)
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(&CreditsPurchasedEvent{
		BaseEvent:  events.NewBaseEvent(EventCreditsPurchase, userID, userID),
		Amount:     amount,
		Balance:    acct.Balance,
		PaymentRef: paymentRef,
	})
	return tx, nil
}

func (s *Service) credit(ctx context.Context, userID uuid.UUID, amount int64, reason string, ref *string) (*Transaction, *Account, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	tx := &Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        TransactionEarned,
		Amount:      amount,
		Description: reason,
		ExternalRef: ref,
		CreatedAt:   s.now(),
	}

	acct, err := s.repo.Credit(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			s.metrics.RecordCreditsOp("earn", "duplicate")
			return nil, nil, err
		}
		s.metrics.RecordCreditsOp("earn", "error")
		return nil, nil, fmt.Errorf("earn credits: %w", err)
	}

	s.metrics.RecordCreditsOp("earn", "ok")
	s.logger.Info("credits earned",
		zap.String("user_id", userID.String()),
		zap.Int64("amount", amount),
		zap.Int64("balance", acct.Balance),
	)
	return tx, acct, nil
}

// GetBalance returns the user's current balance. Users without an account
// have a balance of zero.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	acct, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return acct.Balance, nil
}

// ListTransactions returns the user's ledger entries, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Transaction, int64, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, userID, limit, offset)
}

// GetReservation returns a reservation by token.
func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return s.repo.GetReservation(ctx, id)
}

// Reconcile sums the user's history against the balance.
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	rec, err := s.repo.SumTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	if !rec.Consistent() {
		s.logger.Error("ledger out of balance",
			zap.String("user_id", userID.String()),
			zap.Int64("balance", rec.Balance),
			zap.Int64("earned", rec.Earned),
			zap.Int64("spent", rec.Spent),
			zap.Int64("refunded", rec.Refunded),
		)
	}
	return rec, nil
}

