package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/shared/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists jobs and items. Every method is atomic; multi-row
// changes run in one transaction.
type Repository interface {
	CreateJob(ctx context.Context, job *Job, items []*Item) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, filter *JobFilter) ([]*Job, int64, error)
	ListItems(ctx context.Context, jobID uuid.UUID) ([]*Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)

	// TransitionJob moves the job to `to` if its status is one of `from`,
	// applying mutate to the locked row. It returns *InvalidStateError
	// otherwise.
	TransitionJob(ctx context.Context, id uuid.UUID, from []JobStatus, to JobStatus, mutate func(*Job)) (*Job, error)
	// RequestCancel sets the cancel flag on a pending or processing job.
	RequestCancel(ctx context.Context, id uuid.UUID) (*Job, error)

	// ClaimNextItem moves the queued item with the lowest sequence index to
	// reserving. It returns nil when nothing is queued.
	ClaimNextItem(ctx context.Context, jobID uuid.UUID) (*Item, error)
	// MarkDispatching records the reservation and moves reserving to
	// dispatching.
	MarkDispatching(ctx context.Context, itemID, reservationID uuid.UUID, reserved int64) error
	// ReleaseItem returns a reserving item to queued.
	ReleaseItem(ctx context.Context, itemID uuid.UUID) error
	// ApplyItemOutcome settles an in-flight item and updates the job
	// counters together. It returns ErrItemSettled if the item is not in
	// flight or no longer holds the outcome's reservation.
	ApplyItemOutcome(ctx context.Context, outcome *ItemOutcome) (*Job, error)
	// SkipQueuedItems marks every queued item skipped and returns how many.
	SkipQueuedItems(ctx context.Context, jobID uuid.UUID) (int, error)
	CountInFlight(ctx context.Context, jobID uuid.UUID) (int64, error)

	ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error)
	ListInFlightItems(ctx context.Context, jobID uuid.UUID) ([]*Item, error)
	// RequeueItem returns an in-flight item to queued and clears its
	// reservation.
	RequeueItem(ctx context.Context, itemID uuid.UUID) error

	DeleteJob(ctx context.Context, id uuid.UUID) error
}

const (
	storeRetries    = 3
	storeRetryDelay = 20 * time.Millisecond
	createBatchSize = 100
)

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a PostgreSQL-backed job store.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks.
func (r *gormRepository) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return database.WithRetry(ctx, storeRetries, storeRetryDelay, database.IsRetriable, func() error {
		return r.db.WithContext(ctx).Transaction(fn)
	})
}

func (r *gormRepository) CreateJob(ctx context.Context, job *Job, items []*Item) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(items, createBatchSize).Error; err != nil {
			return fmt.Errorf("create items: %w", err)
		}
		return nil
	})
}

func (r *gormRepository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (r *gormRepository) ListJobs(ctx context.Context, filter *JobFilter) ([]*Job, int64, error) {
	query := r.db.WithContext(ctx).Model(&Job{})
	if filter.UserID != uuid.Nil {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	var jobs []*Job
	if err := query.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *gormRepository) ListItems(ctx context.Context, jobID uuid.UUID) ([]*Item, error) {
	var items []*Item
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("sequence_index").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (r *gormRepository) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	var item Item
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

func lockJob(tx *gorm.DB, id uuid.UUID) (*Job, error) {
	var job Job
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return &job, nil
}

func lockItem(tx *gorm.DB, id uuid.UUID) (*Item, error) {
	var item Item
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("lock item: %w", err)
	}
	return &item, nil
}

func (r *gormRepository) TransitionJob(ctx context.Context, id uuid.UUID, from []JobStatus, to JobStatus, mutate func(*Job)) (*Job, error) {
	var out *Job
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		job, err := lockJob(tx, id)
		if err != nil {
			return err
		}
		if !statusIn(job.Status, from) {
			return &InvalidStateError{From: job.Status, Op: "transition to " + string(to)}
		}

		if mutate != nil {
			mutate(job)
		}
		job.Status = to
		job.UpdatedAt = time.Now()
		if err := tx.Save(job).Error; err != nil {
			return fmt.Errorf("save job: %w", err)
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gormRepository) RequestCancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobPending, JobProcessing}).
		Updates(map[string]any{"cancel_requested": true, "updated_at": time.Now()})
	if result.Error != nil {
		return nil, fmt.Errorf("request cancel: %w", result.Error)
	}

	job, err := r.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, &InvalidStateError{From: job.Status, Op: "cancel"}
	}
	return job, nil
}

func (r *gormRepository) ClaimNextItem(ctx context.Context, jobID uuid.UUID) (*Item, error) {
	var claimed *Item
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		claimed = nil

		var item Item
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("job_id = ? AND status = ?", jobID, ItemQueued).
			Order("sequence_index").
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select queued item: %w", err)
		}

		now := time.Now()
		if err := tx.Model(&Item{}).Where("id = ?", item.ID).Updates(map[string]any{
			"status":     ItemReserving,
			"started_at": now,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("claim item: %w", err)
		}

		item.Status = ItemReserving
		item.StartedAt = &now
		item.UpdatedAt = now
		claimed = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *gormRepository) MarkDispatching(ctx context.Context, itemID, reservationID uuid.UUID, reserved int64) error {
	return r.inTx(ctx, func(tx *gorm.DB) error {
		item, err := lockItem(tx, itemID)
		if err != nil {
			return err
		}
		if item.Status != ItemReserving {
			return ErrItemSettled
		}

		now := time.Now()
		if err := tx.Model(&Item{}).Where("id = ?", itemID).Updates(map[string]any{
			"status":           ItemDispatching,
			"reservation_id":   reservationID,
			"credits_reserved": reserved,
			"updated_at":       now,
		}).Error; err != nil {
			return fmt.Errorf("mark dispatching: %w", err)
		}
		if err := tx.Model(&Job{}).Where("id = ?", item.JobID).Updates(map[string]any{
			"credits_reserved": gorm.Expr("credits_reserved + ?", reserved),
			"updated_at":       now,
		}).Error; err != nil {
			return fmt.Errorf("update reserved credits: %w", err)
		}
		return nil
	})
}

func (r *gormRepository) ReleaseItem(ctx context.Context, itemID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&Item{}).
		Where("id = ? AND status = ?", itemID, ItemReserving).
		Updates(map[string]any{"status": ItemQueued, "started_at": nil, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("release item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrItemSettled
	}
	return nil
}

func (r *gormRepository) ApplyItemOutcome(ctx context.Context, outcome *ItemOutcome) (*Job, error) {
	var out *Job
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		item, err := lockItem(tx, outcome.ItemID)
		if err != nil {
			return err
		}
		if !item.Status.IsInFlight() || !holdsReservation(item, outcome.ReservationID) {
			return ErrItemSettled
		}

		finished := outcome.FinishedAt
		item.Status = outcome.Status
		item.Result = outcome.Result
		item.ErrorKind = outcome.ErrorKind
		item.ErrorMessage = outcome.ErrorMessage
		item.CreditsCharged = outcome.CreditsCharged
		item.Attempts = outcome.Attempts
		item.FinishedAt = &finished
		item.UpdatedAt = finished
		released := item.CreditsReserved
		item.CreditsReserved = 0
		if err := tx.Save(item).Error; err != nil {
			return fmt.Errorf("save item: %w", err)
		}

		completed, failed := 0, 0
		switch outcome.Status {
		case ItemSucceeded:
			completed = 1
		case ItemFailed:
			failed = 1
		}
		if err := tx.Model(&Job{}).Where("id = ?", item.JobID).Updates(map[string]any{
			"completed_items":  gorm.Expr("completed_items + ?", completed),
			"failed_items":     gorm.Expr("failed_items + ?", failed),
			"credits_used":     gorm.Expr("credits_used + ?", outcome.CreditsCharged),
			"credits_reserved": gorm.Expr("credits_reserved - ?", released),
			"updated_at":       finished,
		}).Error; err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}

		var job Job
		if err := tx.Where("id = ?", item.JobID).First(&job).Error; err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		out = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *gormRepository) SkipQueuedItems(ctx context.Context, jobID uuid.UUID) (int, error) {
	var skipped int
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&Item{}).
			Where("job_id = ? AND status = ?", jobID, ItemQueued).
			Updates(map[string]any{"status": ItemSkipped, "finished_at": now, "updated_at": now})
		if result.Error != nil {
			return fmt.Errorf("skip items: %w", result.Error)
		}
		skipped = int(result.RowsAffected)
		if skipped == 0 {
			return nil
		}
		if err := tx.Model(&Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"skipped_items": gorm.Expr("skipped_items + ?", skipped),
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("update skipped count: %w", err)
		}
		return nil
	})
	return skipped, err
}

func (r *gormRepository) CountInFlight(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Item{}).
		Where("job_id = ? AND status IN ?", jobID, []ItemStatus{ItemReserving, ItemDispatching}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count in-flight items: %w", err)
	}
	return n, nil
}

func (r *gormRepository) ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	var jobs []*Job
	if err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return jobs, nil
}

func (r *gormRepository) ListInFlightItems(ctx context.Context, jobID uuid.UUID) ([]*Item, error) {
	var items []*Item
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status IN ?", jobID, []ItemStatus{ItemReserving, ItemDispatching}).
		Order("sequence_index").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list in-flight items: %w", err)
	}
	return items, nil
}

func (r *gormRepository) RequeueItem(ctx context.Context, itemID uuid.UUID) error {
	return r.inTx(ctx, func(tx *gorm.DB) error {
		item, err := lockItem(tx, itemID)
		if err != nil {
			return err
		}
		if !item.Status.IsInFlight() {
			return ErrItemSettled
		}

		now := time.Now()
		if err := tx.Model(&Item{}).Where("id = ?", itemID).Updates(map[string]any{
			"status":           ItemQueued,
			"reservation_id":   nil,
			"credits_reserved": 0,
			"started_at":       nil,
			"updated_at":       now,
		}).Error; err != nil {
			return fmt.Errorf("requeue item: %w", err)
		}
		if item.CreditsReserved == 0 {
			return nil
		}
		if err := tx.Model(&Job{}).Where("id = ?", item.JobID).Updates(map[string]any{
			"credits_reserved": gorm.Expr("credits_reserved - ?", item.CreditsReserved),
			"updated_at":       now,
		}).Error; err != nil {
			return fmt.Errorf("update reserved credits: %w", err)
		}
		return nil
	})
}

func (r *gormRepository) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&Item{}).Error; err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&Job{})
		if result.Error != nil {
			return fmt.Errorf("delete job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrJobNotFound
		}
		return nil
	})
}

func statusIn(s JobStatus, set []JobStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

// holdsReservation reports whether item still carries reservationID. A nil
// reservationID matches any item.
func holdsReservation(item *Item, reservationID *uuid.UUID) bool {
	if reservationID == nil {
		return true
	}
	return item.ReservationID != nil && *item.ReservationID == *reservationID
}
