package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/module/credits"
	"github.com/uniedit/batchgen/internal/module/provider"
	"github.com/uniedit/batchgen/internal/shared/database"
	"github.com/uniedit/batchgen/internal/utils/metrics"
	"go.uber.org/zap"
)

// Ledger is the part of the credit ledger the executor settles against.
type Ledger interface {
	Reserve(ctx context.Context, userID uuid.UUID, amount int64, reason string, relatedItemID *uuid.UUID) (*credits.Reservation, error)
	Commit(ctx context.Context, reservationID uuid.UUID) error
	Refund(ctx context.Context, reservationID uuid.UUID, reason string) error
	GetReservation(ctx context.Context, id uuid.UUID) (*credits.Reservation, error)
}

// Archiver copies a generated asset to durable storage and returns the
// result pointing at the copy.
type Archiver interface {
	Archive(ctx context.Context, jobID, itemID uuid.UUID, result *provider.Result) (*provider.Result, error)
}

// ExecutorConfig tunes settlement retries.
type ExecutorConfig struct {
	SettleRetries int
	SettleDelay   time.Duration
}

// Executor runs one item through reserve, dispatch and settlement. Every
// reservation it takes is either committed or refunded exactly once.
type Executor struct {
	repo      Repository
	ledger    Ledger
	generator provider.Generator
	archiver  Archiver
	cfg       ExecutorConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewExecutor creates an executor. A nil archiver keeps provider URLs.
func NewExecutor(repo Repository, ledger Ledger, generator provider.Generator, archiver Archiver, cfg ExecutorConfig, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SettleRetries <= 0 {
		cfg.SettleRetries = 5
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 100 * time.Millisecond
	}
	return &Executor{
		repo:      repo,
		ledger:    ledger,
		generator: generator,
		archiver:  archiver,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("executor"),
		now:       time.Now,
	}
}

func reserveReason(jobID, itemID uuid.UUID) string {
	return fmt.Sprintf("batch:%s:%s", jobID, itemID)
}

// Settlement is a decided but unfinished item settlement: commit or refund
// the reservation, then record the outcome or put the item back in the
// queue. Every step is idempotent, so it can be retried as a whole.
type Settlement struct {
	ItemID        uuid.UUID
	ReservationID *uuid.UUID
	Commit        bool
	Reason        string
	// Requeue returns the item to queued instead of recording Outcome.
	Requeue       bool
	Outcome       *ItemOutcome
}

// Execute processes a claimed item and returns the job with updated
// counters. A *SettlementError means the item is still in flight and its
// settlement must be retried. Any other error means the item is back in the
// queue.
func (e *Executor) Execute(ctx context.Context, job *Job, cost int64, item *Item) (*Job, error) {
	log := e.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("item_id", item.ID.String()),
		zap.Int("sequence_index", item.SequenceIndex),
	)
	settleCtx := context.WithoutCancel(ctx)

	itemID := item.ID
	res, err := e.ledger.Reserve(ctx, job.UserID, cost, reserveReason(job.ID, item.ID), &itemID)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			log.Info("item skipped for insufficient credits", zap.Int64("cost", cost))
			return e.Settle(settleCtx, &Settlement{
				ItemID: item.ID,
				Outcome: &ItemOutcome{
					ItemID:       item.ID,
					JobID:        job.ID,
					Status:       ItemFailed,
					ErrorKind:    ErrorInsufficientCredits,
					ErrorMessage: credits.ErrInsufficientCredits.Error(),
					FinishedAt:   e.now(),
				},
			})
		}
		if rerr := e.repo.ReleaseItem(settleCtx, item.ID); rerr != nil {
			log.Error("failed to release item", zap.Error(rerr))
			return nil, &SettlementError{Settlement: &Settlement{ItemID: item.ID, Requeue: true}, Err: rerr}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reserve credits: %v", ErrInfrastructure, err)
	}
	reservationID := res.ID

	if err := e.repo.MarkDispatching(settleCtx, item.ID, res.ID, res.Amount); err != nil {
		if _, serr := e.Settle(settleCtx, &Settlement{
			ItemID:        item.ID,
			ReservationID: &reservationID,
			Reason:        "dispatch not started",
			Requeue:       true,
		}); serr != nil {
			return nil, serr
		}
		return nil, fmt.Errorf("%w: mark dispatching: %v", ErrInfrastructure, err)
	}

	attempts := 0
	result, derr := e.generator.Dispatch(ctx, job.ModelKey, item.Prompt, item.Settings, provider.DispatchOptions{
		IdempotencyKey: item.DispatchKey,
		OnAttempt:      func(n int, _ error) { attempts = n },
	})

	if derr != nil && ctx.Err() != nil {
		if _, serr := e.Settle(settleCtx, &Settlement{
			ItemID:        item.ID,
			ReservationID: &reservationID,
			Reason:        "interrupted",
			Requeue:       true,
		}); serr != nil {
			return nil, serr
		}
		return nil, ctx.Err()
	}

	settlement := &Settlement{
		ItemID:        item.ID,
		ReservationID: &reservationID,
		Outcome: &ItemOutcome{
			ItemID:        item.ID,
			JobID:         job.ID,
			ReservationID: &reservationID,
			Attempts:      attempts,
		},
	}
	outcome := settlement.Outcome

	if derr == nil {
		if e.archiver != nil {
			archived, err := e.archiver.Archive(settleCtx, job.ID, item.ID, result)
			if err != nil {
				log.Warn("asset archival failed, keeping provider url", zap.Error(err))
			} else {
				result = archived
			}
		}
		settlement.Commit = true
		outcome.Status = ItemSucceeded
		outcome.Result = result
		outcome.CreditsCharged = res.Amount
	} else {
		kind := errorKindOf(derr)
		settlement.Reason = string(kind)
		outcome.Status = ItemFailed
		outcome.ErrorKind = kind
		outcome.ErrorMessage = derr.Error()
		log.Info("item failed", zap.String("error_kind", string(kind)), zap.Int("attempts", attempts), zap.Error(derr))
	}

	outcome.FinishedAt = e.now()
	return e.Settle(settleCtx, settlement)
}

// Settle runs s to completion. It returns the updated job, or nil when the
// item was requeued or had already been settled elsewhere.
func (e *Executor) Settle(ctx context.Context, s *Settlement) (*Job, error) {
	log := e.logger.With(zap.String("item_id", s.ItemID.String()))

	if s.ReservationID != nil {
		id := *s.ReservationID
		op := func() error { return e.ledger.Refund(ctx, id, s.Reason) }
		if s.Commit {
			op = func() error { return e.ledger.Commit(ctx, id) }
		}
		if err := e.retry(ctx, settleRetriable, op); err != nil {
			log.Error("settle reservation failed",
				zap.String("reservation_id", id.String()),
				zap.Bool("commit", s.Commit),
				zap.Error(err))
			return nil, &SettlementError{Settlement: s, Err: err}
		}
	}

	if s.Requeue {
		err := e.retry(ctx, recordRetriable, func() error { return e.repo.RequeueItem(ctx, s.ItemID) })
		if err != nil && !errors.Is(err, ErrItemSettled) {
			log.Error("failed to requeue item", zap.Error(err))
			return nil, &SettlementError{Settlement: s, Err: err}
		}
		return nil, nil
	}

	var job *Job
	err := e.retry(ctx, recordRetriable, func() error {
		var err error
		job, err = e.repo.ApplyItemOutcome(ctx, s.Outcome)
		return err
	})
	switch {
	case errors.Is(err, ErrItemSettled), errors.Is(err, ErrItemNotFound):
		log.Warn("item outcome dropped, item settled elsewhere", zap.String("status", string(s.Outcome.Status)))
		return nil, nil
	case err != nil:
		log.Error("failed to record outcome", zap.Error(err))
		return nil, &SettlementError{Settlement: s, Err: err}
	}
	e.metrics.RecordItem(string(s.Outcome.Status), string(s.Outcome.ErrorKind))
	return job, nil
}

func (e *Executor) retry(ctx context.Context, retriable func(error) bool, fn func() error) error {
	return database.WithRetry(ctx, e.cfg.SettleRetries, e.cfg.SettleDelay, retriable, fn)
}

func settleRetriable(err error) bool {
	return !errors.Is(err, credits.ErrReservationNotFound) && !errors.Is(err, context.Canceled)
}

func recordRetriable(err error) bool {
	return !errors.Is(err, ErrItemSettled) && !errors.Is(err, ErrItemNotFound)
}

func errorKindOf(err error) ErrorKind {
	switch provider.KindOf(err) {
	case provider.KindPermanent:
		return ErrorPermanent
	case provider.KindQuota:
		return ErrorQuota
	default:
		return ErrorTransient
	}
}
