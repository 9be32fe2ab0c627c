package batch

import (
	"time"

	"github.com/google/uuid"
	"github.com/uniedit/batchgen/internal/module/provider"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending               JobStatus = "pending"
	JobProcessing            JobStatus = "processing"
	JobCompleted             JobStatus = "completed"
	JobCompletedWithFailures JobStatus = "completed_with_failures"
	JobCancelled             JobStatus = "cancelled"
	JobFailed                JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithFailures, JobCancelled, JobFailed:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	return s == JobPending || s == JobProcessing || s.IsTerminal()
}

// ItemStatus is the lifecycle state of one prompt within a job.
type ItemStatus string

const (
	ItemQueued      ItemStatus = "queued"
	ItemReserving   ItemStatus = "reserving"
	ItemDispatching ItemStatus = "dispatching"
	ItemSucceeded   ItemStatus = "succeeded"
	ItemFailed      ItemStatus = "failed"
	ItemSkipped     ItemStatus = "skipped"
)

// IsTerminal reports whether the item has settled.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemSucceeded || s == ItemFailed || s == ItemSkipped
}

// IsInFlight reports whether a worker currently owns the item.
func (s ItemStatus) IsInFlight() bool {
	return s == ItemReserving || s == ItemDispatching
}

// ErrorKind tells the user what to do about a failed item.
type ErrorKind string

const (
	ErrorInsufficientCredits ErrorKind = "insufficient_credits"
	ErrorTransient           ErrorKind = "transient"
	ErrorPermanent           ErrorKind = "permanent"
	ErrorQuota               ErrorKind = "quota"
	ErrorInfrastructure      ErrorKind = "infrastructure"
)

// Job is a batch of prompts executed against one model.
type Job struct {
	ID              uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID          uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index:idx_batch_jobs_user_created,priority:1"`
	Name            string     `json:"name" gorm:"type:varchar(200);not null"`
	ModelKey        string     `json:"model_id" gorm:"type:varchar(100);not null"`
	Status          JobStatus  `json:"status" gorm:"type:varchar(32);not null;index"`
	TotalItems      int        `json:"total_items" gorm:"not null"`
	CompletedItems  int        `json:"completed_items" gorm:"not null;default:0"`
	FailedItems     int        `json:"failed_items" gorm:"not null;default:0"`
	SkippedItems    int        `json:"skipped_items" gorm:"not null;default:0"`
	CreditsReserved int64      `json:"credits_reserved" gorm:"not null;default:0"`
	CreditsUsed     int64      `json:"credits_used" gorm:"not null;default:0"`
	CancelRequested bool       `json:"cancel_requested" gorm:"not null;default:false"`
	Error           string     `json:"error,omitempty" gorm:"type:text"`
	CreatedAt       time.Time  `json:"created_at" gorm:"index:idx_batch_jobs_user_created,priority:2,sort:desc"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Job) TableName() string {
	return "batch_jobs"
}

// Processed is the number of items that reached succeeded or failed.
func (j *Job) Processed() int {
	return j.CompletedItems + j.FailedItems
}

// Settled is the number of items in any terminal state.
func (j *Job) Settled() int {
	return j.CompletedItems + j.FailedItems + j.SkippedItems
}

// Progress returns the settled share of items in percent.
func (j *Job) Progress() int {
	if j.TotalItems == 0 {
		return 0
	}
	return j.Settled() * 100 / j.TotalItems
}

// Item is one prompt of a job.
type Item struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	JobID         uuid.UUID      `json:"job_id" gorm:"type:uuid;not null;index:idx_batch_items_job_seq,priority:1"`
	SequenceIndex int            `json:"sequence_index" gorm:"not null;index:idx_batch_items_job_seq,priority:2"`
	Prompt        string         `json:"prompt" gorm:"type:text;not null"`
	Settings      map[string]any `json:"settings,omitempty" gorm:"type:jsonb;serializer:json"`
	Status        ItemStatus     `json:"status" gorm:"type:varchar(32);not null;index"`
	ReservationID *uuid.UUID     `json:"reservation_id,omitempty" gorm:"type:uuid"`
	// DispatchKey is sent upstream as the idempotency key and survives retries.
	DispatchKey     string           `json:"-" gorm:"type:varchar(26);not null"`
	Result          *provider.Result `json:"result,omitempty" gorm:"type:jsonb;serializer:json"`
	ErrorKind       ErrorKind        `json:"error_kind,omitempty" gorm:"type:varchar(32)"`
	ErrorMessage    string           `json:"error_message,omitempty" gorm:"type:text"`
	CreditsReserved int64            `json:"-" gorm:"not null;default:0"`
	CreditsCharged  int64            `json:"credits_charged" gorm:"not null;default:0"`
	Attempts        int              `json:"attempts" gorm:"not null;default:0"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Item) TableName() string {
	return "batch_items"
}

// ItemOutcome is the terminal result of executing one item.
type ItemOutcome struct {
	ItemID         uuid.UUID
	JobID          uuid.UUID
	Status         ItemStatus
	// ReservationID fences the write: it only lands while the item still
	// holds this reservation.
	ReservationID  *uuid.UUID
	Result         *provider.Result
	ErrorKind      ErrorKind
	ErrorMessage   string
	CreditsCharged int64
	Attempts       int
	FinishedAt     time.Time
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	UserID uuid.UUID
	Status JobStatus
	Limit  int
	Offset int
}

// Models returns the GORM models owned by this package, for migration.
func Models() []any {
	return []any{&Job{}, &Item{}}
}
