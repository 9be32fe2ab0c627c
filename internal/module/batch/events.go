package batch

import (
	"github.com/uniedit/batchgen/internal/infra/events"
)

const (
	EventBatchCreate   = "batch_create"
	EventBatchStart    = "batch_start"
	EventBatchComplete = "batch_complete"
)

// JobCreatedEvent is published when a job is accepted.
type JobCreatedEvent struct {
	events.BaseEvent
	ModelKey   string `json:"model_id"`
	TotalItems int    `json:"total_items"`
}

// JobStartedEvent is published when a job moves to processing.
type JobStartedEvent struct {
	events.BaseEvent
	Workers int `json:"workers"`
}

// JobCompletedEvent is published when a job reaches a terminal status.
type JobCompletedEvent struct {
	events.BaseEvent
	Status         JobStatus `json:"status"`
	CompletedItems int       `json:"completed_items"`
	FailedItems    int       `json:"failed_items"`
	SkippedItems   int       `json:"skipped_items"`
	CreditsUsed    int64     `json:"credits_used"`
}

func newJobCreatedEvent(job *Job) *JobCreatedEvent {
	return &JobCreatedEvent{
		BaseEvent:  events.NewBaseEvent(EventBatchCreate, job.ID, job.UserID),
		ModelKey:   job.ModelKey,
		TotalItems: job.TotalItems,
	}
}

func newJobStartedEvent(job *Job, workers int) *JobStartedEvent {
	return &JobStartedEvent{
		BaseEvent: events.NewBaseEvent(EventBatchStart, job.ID, job.UserID),
		Workers:   workers,
	}
}

func newJobCompletedEvent(job *Job) *JobCompletedEvent {
	return &JobCompletedEvent{
		BaseEvent:      events.NewBaseEvent(EventBatchComplete, job.ID, job.UserID),
		Status:         job.Status,
		CompletedItems: job.CompletedItems,
		FailedItems:    job.FailedItems,
		SkippedItems:   job.SkippedItems,
		CreditsUsed:    job.CreditsUsed,
	}
}

// EventTypes lists the event types this package publishes.
func EventTypes() []string {
	return []string{EventBatchCreate, EventBatchStart, EventBatchComplete}
}

