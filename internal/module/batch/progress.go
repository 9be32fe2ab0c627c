package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const subscriberBuffer = 16

// ProgressEvent is a snapshot of a job's counters.
type ProgressEvent struct {
	JobID           uuid.UUID `json:"job_id"`
	Status          JobStatus `json:"status"`
	TotalItems      int       `json:"total_items"`
	CompletedItems  int       `json:"completed_items"`
	FailedItems     int       `json:"failed_items"`
	SkippedItems    int       `json:"skipped_items"`
	CreditsReserved int64     `json:"credits_reserved"`
	CreditsUsed     int64     `json:"credits_used"`
	Progress        int       `json:"progress"`
	Timestamp       time.Time `json:"timestamp"`
}

func progressOf(job *Job) ProgressEvent {
	return ProgressEvent{
		JobID:           job.ID,
		Status:          job.Status,
		TotalItems:      job.TotalItems,
		CompletedItems:  job.CompletedItems,
		FailedItems:     job.FailedItems,
		SkippedItems:    job.SkippedItems,
		CreditsReserved: job.CreditsReserved,
		CreditsUsed:     job.CreditsUsed,
		Progress:        job.Progress(),
		Timestamp:       time.Now(),
	}
}

func (e ProgressEvent) settled() int {
	return e.CompletedItems + e.FailedItems + e.SkippedItems
}

// ProgressChannel returns the Redis channel progress for a job is mirrored to.
func ProgressChannel(jobID uuid.UUID) string {
	return fmt.Sprintf("batch:progress:%s", jobID)
}

// ProgressHub fans progress snapshots out to local subscribers and, when a
// Redis client is set, to a per-job pub/sub channel. Snapshots reach
// subscribers in non-decreasing settled order.
type ProgressHub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[chan ProgressEvent]struct{}
	last   map[uuid.UUID]ProgressEvent
	redis  goredis.UniversalClient
	logger *zap.Logger
}

// NewProgressHub creates a hub. redis may be nil.
func NewProgressHub(redis goredis.UniversalClient, logger *zap.Logger) *ProgressHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHub{
		subs:   make(map[uuid.UUID]map[chan ProgressEvent]struct{}),
		last:   make(map[uuid.UUID]ProgressEvent),
		redis:  redis,
		logger: logger.Named("progress"),
	}
}

// Subscribe returns a channel of snapshots for jobID and a function that
// ends the subscription. A slow subscriber loses intermediate snapshots,
// never the latest one.
func (h *ProgressHub) Subscribe(jobID uuid.UUID) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[chan ProgressEvent]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	if last, ok := h.last[jobID]; ok {
		ch <- last
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[jobID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, jobID)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers a snapshot of job. Snapshots older than the last one
// delivered for the job are dropped.
func (h *ProgressHub) Publish(job *Job) {
	event := progressOf(job)

	h.mu.Lock()
	if prev, ok := h.last[job.ID]; ok {
		if event.settled() < prev.settled() || (prev.Status.IsTerminal() && !event.Status.IsTerminal()) {
			h.mu.Unlock()
			return
		}
	}
	h.last[job.ID] = event
	for ch := range h.subs[job.ID] {
		deliver(ch, event)
	}
	h.mu.Unlock()

	h.mirror(event)
}

// deliver drops the oldest buffered snapshot when ch is full.
func deliver(ch chan ProgressEvent, event ProgressEvent) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (h *ProgressHub) mirror(event ProgressEvent) {
	if h.redis == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, ProgressChannel(event.JobID), data).Err(); err != nil {
		h.logger.Warn("failed to mirror progress", zap.String("job_id", event.JobID.String()), zap.Error(err))
	}
}

// Forget drops the retained snapshot of a deleted job.
func (h *ProgressHub) Forget(jobID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, jobID)
}
