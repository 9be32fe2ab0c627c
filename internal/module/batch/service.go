package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/infra/events"
	"github.com/uniedit/batchgen/internal/module/credits"
	"github.com/uniedit/batchgen/internal/module/provider"
	"github.com/uniedit/batchgen/internal/utils/metrics"
	"github.com/uniedit/batchgen/internal/utils/requestctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maxNameLength   = 200
	defaultPageSize = 20
	maxPageSize     = 100

	defaultOrphanAfter  = 10 * time.Minute
	defaultPollInterval = time.Second
)

// errNoWork ends a worker loop without error.
var errNoWork = errors.New("no claimable items")

// ModelCatalog resolves model keys.
type ModelCatalog interface {
	Get(key string) (*provider.ModelDescriptor, error)
}

// CreateJobInput is the input of CreateJob.
type CreateJobInput struct {
	Name     string
	ModelKey string
	Prompts  []string
	Settings map[string]any
}

type jobRun struct {
	jobID     uuid.UUID
	cost      int64
	workers   int
	cancelled atomic.Bool
	done      chan struct{}

	mu sync.Mutex
	// held lists items this run claimed and has not finished, with their
	// pending settlement when one failed.
	held map[uuid.UUID]*Settlement
}

func (r *jobRun) hold(itemID uuid.UUID, pending *Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[itemID] = pending
}

func (r *jobRun) release(itemID uuid.UUID) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, itemID)
}

func (r *jobRun) holding(itemID uuid.UUID) (*Settlement, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.held[itemID]
	return pending, ok
}

// Service orchestrates batch jobs: it validates and stores them, runs their
// items on a bounded worker pool and drives the job state machine.
type Service struct {
	repo      Repository
	executor  *Executor
	catalog   ModelCatalog
	ledger    Ledger
	progress  *ProgressHub
	publisher events.Publisher
	cfg       config.BatchConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	// pollInterval paces a run waiting on items owned by another process.
	pollInterval time.Duration

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[uuid.UUID]*jobRun
}

// NewService creates a batch service.
func NewService(
	repo Repository,
	executor *Executor,
	catalog ModelCatalog,
	ledger Ledger,
	progress *ProgressHub,
	publisher events.Publisher,
	cfg config.BatchConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if progress == nil {
		progress = NewProgressHub(nil, logger)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100
	}
	if cfg.InfraRetries < 0 {
		cfg.InfraRetries = 0
	}
	if cfg.InfraRetryDelay <= 0 {
		cfg.InfraRetryDelay = 200 * time.Millisecond
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = defaultOrphanAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:         repo,
		executor:     executor,
		catalog:      catalog,
		ledger:       ledger,
		progress:     progress,
		publisher:    publisher,
		cfg:          cfg,
		metrics:      m,
		logger:       logger.Named("batch"),
		now:          time.Now,
		ctx:          ctx,
		pollInterval: defaultPollInterval,
		cancel:       cancel,
		runs:         make(map[uuid.UUID]*jobRun),
	}
}

// Start resumes jobs left processing by a previous run when recovery is
// enabled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting batch service",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("max_items", s.cfg.MaxItems),
		zap.Bool("recover_on_start", s.cfg.RecoverOnStart))

	if !s.cfg.RecoverOnStart {
		return nil
	}
	n, err := s.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered jobs", zap.Int("count", n))
	}
	return nil
}

// Stop interrupts running jobs and waits for their workers. Interrupted
// jobs stay processing and are picked up by the next recovery.
func (s *Service) Stop() {
	s.logger.Info("stopping batch service")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("batch service stopped")
}

// Progress returns the hub that carries job snapshots.
func (s *Service) Progress() *ProgressHub {
	return s.progress
}

// CreateJob validates the request and stores a pending job with one queued
// item per prompt.
func (s *Service) CreateJob(ctx context.Context, userID uuid.UUID, in *CreateJobInput) (*Job, error) {
	now := s.now()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = "Batch " + now.UTC().Format("2006-01-02 15:04:05")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, newValidationError("name", "must be at most %d characters", maxNameLength)
	}

	if len(in.Prompts) == 0 {
		return nil, newValidationError("prompts", "at least one prompt is required")
	}
	if len(in.Prompts) > s.cfg.MaxItems {
		return nil, newValidationError("prompts", "at most %d prompts are allowed, got %d", s.cfg.MaxItems, len(in.Prompts))
	}
	prompts := make([]string, len(in.Prompts))
	for i, p := range in.Prompts {
		prompts[i] = strings.TrimSpace(p)
		if prompts[i] == "" {
			return nil, newValidationError(fmt.Sprintf("prompts[%d]", i), "must not be empty")
		}
	}

	model, err := s.catalog.Get(in.ModelKey)
	if err != nil {
		if errors.Is(err, provider.ErrModelNotFound) {
			return nil, newValidationError("model_id", "unknown model %q", in.ModelKey)
		}
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	settings := model.NormalizeSettings(in.Settings)

	job := &Job{
		ID:         uuid.New(),
		UserID:     userID,
		Name:       name,
		ModelKey:   model.Key,
		Status:     JobPending,
		TotalItems: len(prompts),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items := make([]*Item, len(prompts))
	for i, p := range prompts {
		items[i] = &Item{
			ID:            uuid.New(),
			JobID:         job.ID,
			SequenceIndex: i,
			Prompt:        p,
			Settings:      copySettings(settings),
			Status:        ItemQueued,
			DispatchKey:   ulid.Make().String(),
			UpdatedAt:     now,
		}
	}

	if err := s.repo.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.publisher.Publish(newJobCreatedEvent(job))
	s.logger.With(requestctx.Fields(ctx)...).Info("batch job created",
		zap.String("job_id", job.ID.String()),
		zap.String("owner_id", userID.String()),
		zap.String("model", job.ModelKey),
		zap.Int("items", job.TotalItems))
	return job, nil
}

// StartJob moves a pending job to processing and launches its workers. It
// returns once the workers are running.
func (s *Service) StartJob(ctx context.Context, userID, jobID uuid.UUID) (*Job, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobPending {
		return nil, &InvalidStateError{From: job.Status, Op: "start"}
	}

	model, err := s.catalog.Get(job.ModelKey)
	if err != nil {
		return nil, newValidationError("model_id", "model %q is no longer available", job.ModelKey)
	}

	now := s.now()
	started, err := s.repo.TransitionJob(ctx, jobID, []JobStatus{JobPending}, JobProcessing, func(j *Job) {
		j.StartedAt = &now
	})
	if err != nil {
		return nil, withOp(err, "start")
	}

	workers := s.workerCount(model, started)
	s.publisher.Publish(newJobStartedEvent(started, workers))
	s.progress.Publish(started)
	s.logger.With(requestctx.Fields(ctx)...).Info("batch job started",
		zap.String("job_id", jobID.String()),
		zap.Int("workers", workers),
		zap.Int64("cost", model.CreditCost))

	s.launch(started, model.CreditCost, workers)
	return started, nil
}

// GetJob returns the stored job. It never waits on workers.
func (s *Service) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*Job, error) {
	return s.ownedJob(ctx, userID, jobID)
}

// ListItems returns the items of an owned job in sequence order.
func (s *Service) ListItems(ctx context.Context, userID, jobID uuid.UUID) ([]*Item, error) {
	if _, err := s.ownedJob(ctx, userID, jobID); err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, jobID)
}

// ListJobs returns the caller's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, userID uuid.UUID, status JobStatus, limit, offset int) ([]*Job, int64, error) {
	if status != "" && !status.IsValid() {
		return nil, 0, newValidationError("status", "unknown status %q", status)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListJobs(ctx, &JobFilter{UserID: userID, Status: status, Limit: limit, Offset: offset})
}

// CancelJob stops a job cooperatively. A pending job is cancelled at once.
// For a processing job, queued items are skipped, in-flight items finish
// and the job becomes cancelled when they have settled.
func (s *Service) CancelJob(ctx context.Context, userID, jobID uuid.UUID) (*Job, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, &InvalidStateError{From: job.Status, Op: "cancel"}
	}

	if _, err := s.repo.RequestCancel(ctx, jobID); err != nil {
		return nil, withOp(err, "cancel")
	}
	if run := s.lookupRun(jobID); run != nil {
		run.cancelled.Store(true)
	}
	if _, err := s.repo.SkipQueuedItems(ctx, jobID); err != nil {
		return nil, fmt.Errorf("skip queued items: %w", err)
	}

	now := s.now()
	cancelled, err := s.repo.TransitionJob(ctx, jobID, []JobStatus{JobPending}, JobCancelled, func(j *Job) {
		j.FinishedAt = &now
	})
	if err == nil {
		s.completed(cancelled)
		return cancelled, nil
	}
	if !errors.Is(err, ErrInvalidState) {
		return nil, err
	}

	s.logger.With(requestctx.Fields(ctx)...).Info("batch job cancel requested", zap.String("job_id", jobID.String()))

	if s.lookupRun(jobID) == nil {
		// The workers may live in another process. Finish what can be
		// finished now and watch the rest until its owner settles it or it
		// goes stale.
		current, waiting, err := s.finalize(ctx, jobID, nil)
		if err != nil {
			return nil, err
		}
		if waiting {
			s.launch(current, 0, 0)
		}
		s.progress.Publish(current)
		return current, nil
	}
	current, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.progress.Publish(current)
	return current, nil
}

// DeleteJob removes a terminal job and its items. Ledger transactions that
// reference the items are kept.
func (s *Service) DeleteJob(ctx context.Context, userID, jobID uuid.UUID) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return &InvalidStateError{From: job.Status, Op: "delete"}
	}
	if err := s.repo.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.progress.Forget(jobID)
	s.logger.With(requestctx.Fields(ctx)...).Info("batch job deleted", zap.String("job_id", jobID.String()))
	return nil
}

// Recover takes over processing jobs that no run in this process owns.
// Items still in flight are left to their owner until they make no progress
// for OrphanAfter; then they are refunded and dispatched again with the same
// idempotency key.
func (s *Service) Recover(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListJobsByStatus(ctx, JobProcessing)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if s.lookupRun(job.ID) != nil {
			continue
		}
		if job.CancelRequested {
			s.launch(job, 0, 0)
			recovered++
			continue
		}

		model, err := s.catalog.Get(job.ModelKey)
		if err != nil {
			s.failJob(ctx, job.ID, nil, fmt.Errorf("model %q is no longer available", job.ModelKey))
			continue
		}
		s.launch(job, model.CreditCost, s.workerCount(model, job))
		recovered++
	}
	return recovered, nil
}

func (s *Service) launch(job *Job, cost int64, workers int) {
	run := &jobRun{
		jobID:   job.ID,
		cost:    cost,
		workers: workers,
		done:    make(chan struct{}),
		held:    make(map[uuid.UUID]*Settlement),
	}

	s.mu.Lock()
	if _, running := s.runs[job.ID]; running {
		s.mu.Unlock()
		return
	}
	s.runs[job.ID] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer func() {
			s.mu.Lock()
			delete(s.runs, job.ID)
			s.mu.Unlock()
		}()
		s.run(run)
	}()
}

func (s *Service) lookupRun(jobID uuid.UUID) *jobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[jobID]
}

// Wait blocks until the workers of jobID exit or ctx is done.
func (s *Service) Wait(ctx context.Context, jobID uuid.UUID) error {
	run := s.lookupRun(jobID)
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains the job until it is terminal. When items are in flight in
// another process it polls until they settle or go stale.
func (s *Service) run(run *jobRun) {
	log := s.logger.With(zap.String("job_id", run.jobID.String()))
	ctx := context.WithoutCancel(s.ctx)

	for {
		err := s.drain(run)
		if s.ctx.Err() != nil {
			s.flush(ctx, run)
			log.Info("batch job interrupted")
			return
		}
		if err != nil {
			s.failJob(ctx, run.jobID, run, err)
			return
		}

		job, waiting, err := s.finalize(ctx, run.jobID, run)
		if err != nil {
			s.failJob(ctx, run.jobID, run, err)
			return
		}
		if job.Status.IsTerminal() {
			return
		}
		if !waiting {
			continue
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			log.Info("batch job interrupted")
			return
		case <-timer.C:
		}
	}
}

func (s *Service) drain(run *jobRun) error {
	g, ctx := errgroup.WithContext(s.ctx)
	for i := 0; i < run.workers; i++ {
		g.Go(func() error {
			return s.work(ctx, run)
		})
	}
	return g.Wait()
}

// flush makes one attempt at the settlements left pending by workers that
// were interrupted.
func (s *Service) flush(ctx context.Context, run *jobRun) {
	run.mu.Lock()
	pending := make([]*Settlement, 0, len(run.held))
	for _, st := range run.held {
		if st != nil {
			pending = append(pending, st)
		}
	}
	run.mu.Unlock()

	for _, st := range pending {
		if err := s.resettle(ctx, run, st); err != nil {
			s.logger.Error("settlement left pending",
				zap.String("job_id", run.jobID.String()),
				zap.String("item_id", st.ItemID.String()),
				zap.Error(err))
		}
	}
}

// work claims and executes items until none are left, the job is
// cancelled or infrastructure errors exceed the retry bound. A settlement
// that failed is retried before anything new is claimed.
func (s *Service) work(ctx context.Context, run *jobRun) error {
	s.metrics.WorkerStarted()
	defer s.metrics.WorkerStopped()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InfraRetryDelay
	b.MaxInterval = 20 * s.cfg.InfraRetryDelay
	b.MaxElapsedTime = 0

	var pending *Settlement
	failures := 0
	for {
		if pending == nil && (run.cancelled.Load() || ctx.Err() != nil) {
			return nil
		}

		var err error
		if pending != nil {
			if err = s.resettle(ctx, run, pending); err == nil {
				pending = nil
			}
		} else {
			err = s.step(ctx, run)
		}

		var settleErr *SettlementError
		switch {
		case err == nil:
			failures = 0
			b.Reset()
			continue
		case errors.As(err, &settleErr):
			pending = settleErr.Settlement
		case errors.Is(err, errNoWork):
			return nil
		case ctx.Err() != nil:
			return nil
		}

		failures++
		if failures > s.cfg.InfraRetries {
			return err
		}
		delay := b.NextBackOff()
		s.logger.Warn("batch worker retrying after infrastructure error",
			zap.String("job_id", run.jobID.String()),
			zap.Int("failures", failures),
			zap.Bool("settling", pending != nil),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Service) step(ctx context.Context, run *jobRun) error {
	job, err := s.repo.GetJob(ctx, run.jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.CancelRequested || job.Status != JobProcessing {
		run.cancelled.Store(true)
		return errNoWork
	}

	item, err := s.repo.ClaimNextItem(ctx, run.jobID)
	if err != nil {
		return fmt.Errorf("claim item: %w", err)
	}
	if item == nil {
		return errNoWork
	}
	run.hold(item.ID, nil)

	if run.cancelled.Load() {
		if err := s.repo.ReleaseItem(context.WithoutCancel(ctx), item.ID); err != nil {
			s.logger.Error("failed to release item", zap.String("item_id", item.ID.String()), zap.Error(err))
			run.hold(item.ID, &Settlement{ItemID: item.ID, Requeue: true})
			return errNoWork
		}
		run.release(item.ID)
		return errNoWork
	}

	updated, err := s.executor.Execute(ctx, job, run.cost, item)
	var settleErr *SettlementError
	if errors.As(err, &settleErr) {
		run.hold(item.ID, settleErr.Settlement)
		return err
	}
	run.release(item.ID)
	if err != nil {
		return err
	}
	if updated != nil {
		s.progress.Publish(updated)
	}
	return nil
}

func (s *Service) resettle(ctx context.Context, run *jobRun, st *Settlement) error {
	updated, err := s.executor.Settle(context.WithoutCancel(ctx), st)
	if err != nil {
		return err
	}
	run.release(st.ItemID)
	if updated != nil {
		s.progress.Publish(updated)
	}
	return nil
}

// reclaim finishes in-flight items whose owner is gone: items this run
// gave up on, and items that made no progress for OrphanAfter. Items
// without a recorded outcome are refunded and requeued.
func (s *Service) reclaim(ctx context.Context, jobID uuid.UUID, run *jobRun) error {
	items, err := s.repo.ListInFlightItems(ctx, jobID)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-s.cfg.OrphanAfter)

	for _, item := range items {
		pending, owned := run.holding(item.ID)
		if !owned && item.UpdatedAt.After(cutoff) {
			continue
		}
		if pending == nil {
			pending, err = s.orphanSettlement(ctx, item)
			if err != nil {
				return err
			}
		}
		s.logger.Warn("reclaiming in-flight item",
			zap.String("job_id", jobID.String()),
			zap.String("item_id", item.ID.String()),
			zap.Bool("owned", owned),
			zap.Bool("requeue", pending.Requeue))
		if err := s.resettle(ctx, run, pending); err != nil {
			return err
		}
	}
	return nil
}

// orphanSettlement decides how to finish an item nobody is executing. A
// committed reservation means the provider delivered and the charge landed
// before the outcome was written, so the item is recorded as succeeded.
func (s *Service) orphanSettlement(ctx context.Context, item *Item) (*Settlement, error) {
	st := &Settlement{ItemID: item.ID, ReservationID: item.ReservationID, Reason: "orphaned", Requeue: true}
	if item.ReservationID == nil {
		return st, nil
	}

	res, err := s.ledger.GetReservation(ctx, *item.ReservationID)
	if errors.Is(err, credits.ErrReservationNotFound) {
		st.ReservationID = nil
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", *item.ReservationID, err)
	}
	if res.Status != credits.ReservationCommitted {
		return st, nil
	}
	return &Settlement{
		ItemID:        item.ID,
		ReservationID: item.ReservationID,
		Commit:        true,
		Outcome: &ItemOutcome{
			ItemID:         item.ID,
			JobID:          item.JobID,
			ReservationID:  item.ReservationID,
			Status:         ItemSucceeded,
			ErrorMessage:   "result lost after charge",
			CreditsCharged: res.Amount,
			Attempts:       item.Attempts,
			FinishedAt:     s.now(),
		},
	}, nil
}

// finalize moves the job to its terminal status once every item is
// settled. It reports waiting when items are still in flight elsewhere. A
// non-terminal job that is not waiting has queued items again.
func (s *Service) finalize(ctx context.Context, jobID uuid.UUID, run *jobRun) (*Job, bool, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.Status.IsTerminal() {
		return job, false, nil
	}

	if err := s.reclaim(ctx, jobID, run); err != nil {
		return nil, false, err
	}
	if job.CancelRequested {
		if _, err := s.repo.SkipQueuedItems(ctx, jobID); err != nil {
			return nil, false, fmt.Errorf("skip queued items: %w", err)
		}
	}
	inFlight, err := s.repo.CountInFlight(ctx, jobID)
	if err != nil {
		return nil, false, err
	}

	settled, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if inFlight > 0 {
		return settled, true, nil
	}
	if settled.Settled() < settled.TotalItems {
		return settled, false, nil
	}

	now := s.now()
	done, err := s.repo.TransitionJob(ctx, jobID, []JobStatus{JobPending, JobProcessing}, finalStatus(settled), func(j *Job) {
		j.FinishedAt = &now
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			current, err := s.repo.GetJob(ctx, jobID)
			return current, false, err
		}
		return nil, false, err
	}
	s.completed(done)
	return done, false, nil
}

func finalStatus(j *Job) JobStatus {
	switch {
	case j.CancelRequested:
		return JobCancelled
	case j.FailedItems > 0:
		return JobCompletedWithFailures
	default:
		return JobCompleted
	}
}

// failJob moves a job whose infrastructure retries are exhausted to failed.
// Settled items keep their outcome. Items this run still holds are settled
// or requeued and then skipped with the rest of the queue.
func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, run *jobRun, cause error) {
	log := s.logger.With(zap.String("job_id", jobID.String()))
	log.Error("batch job failed", zap.Error(cause))

	if err := s.reclaim(ctx, jobID, run); err != nil {
		log.Error("failed to settle in-flight items", zap.Error(err))
	}
	if _, err := s.repo.SkipQueuedItems(ctx, jobID); err != nil {
		log.Error("failed to skip queued items", zap.Error(err))
	}

	now := s.now()
	failed, err := s.repo.TransitionJob(ctx, jobID, []JobStatus{JobPending, JobProcessing}, JobFailed, func(j *Job) {
		j.Error = fmt.Sprintf("%v: %v", ErrInfrastructure, cause)
		j.FinishedAt = &now
	})
	if err != nil {
		log.Error("failed to mark job failed", zap.Error(err))
		return
	}
	s.completed(failed)
}

func (s *Service) completed(job *Job) {
	s.publisher.Publish(newJobCompletedEvent(job))
	s.metrics.RecordJobFinished(string(job.Status))
	s.progress.Publish(job)
	s.logger.Info("batch job finished",
		zap.String("job_id", job.ID.String()),
		zap.String("status", string(job.Status)),
		zap.Int("completed", job.CompletedItems),
		zap.Int("failed", job.FailedItems),
		zap.Int("skipped", job.SkippedItems),
		zap.Int64("credits_used", job.CreditsUsed))
}

func (s *Service) ownedJob(ctx context.Context, userID, jobID uuid.UUID) (*Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *Service) workerCount(model *provider.ModelDescriptor, job *Job) int {
	k := s.cfg.Workers
	if model.MaxConcurrencyHint > 0 && model.MaxConcurrencyHint < k {
		k = model.MaxConcurrencyHint
	}
	if job.TotalItems > 0 && job.TotalItems < k {
		k = job.TotalItems
	}
	if k < 1 {
		k = 1
	}
	return k
}

// withOp names the rejected operation on a state error from the store.
func withOp(err error, op string) error {
	var stateErr *InvalidStateError
	if errors.As(err, &stateErr) {
		return &InvalidStateError{From: stateErr.From, Op: op}
	}
	return err
}

func copySettings(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
