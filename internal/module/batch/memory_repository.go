package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process job store guarded by one mutex.
type MemoryRepository struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*Job
	items map[uuid.UUID]*Item
	// byJob keeps item IDs in sequence order.
	byJob map[uuid.UUID][]uuid.UUID
}

// NewMemoryRepository creates an empty in-process job store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:  make(map[uuid.UUID]*Job),
		items: make(map[uuid.UUID]*Item),
		byJob: make(map[uuid.UUID][]uuid.UUID),
	}
}

func copyJob(j *Job) *Job {
	out := *j
	return &out
}

func copyItem(i *Item) *Item {
	out := *i
	if i.Settings != nil {
		out.Settings = make(map[string]any, len(i.Settings))
		for k, v := range i.Settings {
			out.Settings[k] = v
		}
	}
	return &out
}

func (r *MemoryRepository) CreateJob(_ context.Context, job *Job, items []*Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = copyJob(job)
	sorted := make([]*Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].SequenceIndex < sorted[b].SequenceIndex })

	ids := make([]uuid.UUID, 0, len(sorted))
	for _, it := range sorted {
		r.items[it.ID] = copyItem(it)
		ids = append(ids, it.ID)
	}
	r.byJob[job.ID] = ids
	return nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (r *MemoryRepository) ListJobs(_ context.Context, filter *JobFilter) ([]*Job, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*Job, 0)
	for _, job := range r.jobs {
		if filter.UserID != uuid.Nil && job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].CreatedAt.After(matched[b].CreatedAt) })

	total := int64(len(matched))
	out := make([]*Job, 0)
	for i := filter.Offset; i < len(matched) && (filter.Limit <= 0 || len(out) < filter.Limit); i++ {
		out = append(out, copyJob(matched[i]))
	}
	return out, total, nil
}

func (r *MemoryRepository) ListItems(_ context.Context, jobID uuid.UUID) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byJob[jobID]
	out := make([]*Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyItem(r.items[id]))
	}
	return out, nil
}

func (r *MemoryRepository) GetItem(_ context.Context, id uuid.UUID) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return copyItem(item), nil
}

func (r *MemoryRepository) TransitionJob(_ context.Context, id uuid.UUID, from []JobStatus, to JobStatus, mutate func(*Job)) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !statusIn(job.Status, from) {
		return nil, &InvalidStateError{From: job.Status, Op: "transition to " + string(to)}
	}

	next := copyJob(job)
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.UpdatedAt = time.Now()
	r.jobs[id] = next
	return copyJob(next), nil
}

func (r *MemoryRepository) RequestCancel(_ context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != JobPending && job.Status != JobProcessing {
		return nil, &InvalidStateError{From: job.Status, Op: "cancel"}
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return copyJob(job), nil
}

func (r *MemoryRepository) ClaimNextItem(_ context.Context, jobID uuid.UUID) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.byJob[jobID] {
		item := r.items[id]
		if item.Status != ItemQueued {
			continue
		}
		now := time.Now()
		item.Status = ItemReserving
		item.StartedAt = &now
		item.UpdatedAt = now
		return copyItem(item), nil
	}
	return nil, nil
}

func (r *MemoryRepository) MarkDispatching(_ context.Context, itemID, reservationID uuid.UUID, reserved int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != ItemReserving {
		return ErrItemSettled
	}
	now := time.Now()
	rid := reservationID
	item.Status = ItemDispatching
	item.ReservationID = &rid
	item.CreditsReserved = reserved
	item.UpdatedAt = now

	if job, ok := r.jobs[item.JobID]; ok {
		job.CreditsReserved += reserved
		job.UpdatedAt = now
	}
	return nil
}

func (r *MemoryRepository) ReleaseItem(_ context.Context, itemID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != ItemReserving {
		return ErrItemSettled
	}
	item.Status = ItemQueued
	item.StartedAt = nil
	item.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) ApplyItemOutcome(_ context.Context, outcome *ItemOutcome) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[outcome.ItemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	if !item.Status.IsInFlight() || !holdsReservation(item, outcome.ReservationID) {
		return nil, ErrItemSettled
	}

	finished := outcome.FinishedAt
	released := item.CreditsReserved
	item.Status = outcome.Status
	item.Result = outcome.Result
	item.ErrorKind = outcome.ErrorKind
	item.ErrorMessage = outcome.ErrorMessage
	item.CreditsCharged = outcome.CreditsCharged
	item.Attempts = outcome.Attempts
	item.CreditsReserved = 0
	item.FinishedAt = &finished
	item.UpdatedAt = finished

	job := r.jobs[item.JobID]
	switch outcome.Status {
	case ItemSucceeded:
		job.CompletedItems++
	case ItemFailed:
		job.FailedItems++
	}
	job.CreditsUsed += outcome.CreditsCharged
	job.CreditsReserved -= released
	job.UpdatedAt = finished
	return copyJob(job), nil
}

func (r *MemoryRepository) SkipQueuedItems(_ context.Context, jobID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	skipped := 0
	for _, id := range r.byJob[jobID] {
		item := r.items[id]
		if item.Status != ItemQueued {
			continue
		}
		item.Status = ItemSkipped
		item.FinishedAt = &now
		item.UpdatedAt = now
		skipped++
	}
	if job, ok := r.jobs[jobID]; ok && skipped > 0 {
		job.SkippedItems += skipped
		job.UpdatedAt = now
	}
	return skipped, nil
}

func (r *MemoryRepository) CountInFlight(_ context.Context, jobID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, id := range r.byJob[jobID] {
		if r.items[id].Status.IsInFlight() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ListJobsByStatus(_ context.Context, status JobStatus) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.Status == status {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListInFlightItems(_ context.Context, jobID uuid.UUID) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Item, 0)
	for _, id := range r.byJob[jobID] {
		if item := r.items[id]; item.Status.IsInFlight() {
			out = append(out, copyItem(item))
		}
	}
	return out, nil
}

func (r *MemoryRepository) RequeueItem(_ context.Context, itemID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if !item.Status.IsInFlight() {
		return ErrItemSettled
	}
	now := time.Now()
	if job, ok := r.jobs[item.JobID]; ok {
		job.CreditsReserved -= item.CreditsReserved
		job.UpdatedAt = now
	}
	item.Status = ItemQueued
	item.ReservationID = nil
	item.CreditsReserved = 0
	item.StartedAt = nil
	item.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) DeleteJob(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	for _, itemID := range r.byJob[id] {
		delete(r.items, itemID)
	}
	delete(r.byJob, id)
	delete(r.jobs, id)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
