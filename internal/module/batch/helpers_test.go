package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/infra/events"
	"github.com/uniedit/batchgen/internal/module/credits"
	"github.com/uniedit/batchgen/internal/module/provider"
)

const testModel = "test-image"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

// countingLedger counts settlement calls on top of a real ledger.
type countingLedger struct {
	*credits.Service
	reserves atomic.Int32
	commits  atomic.Int32
	refunds  atomic.Int32
}

func (l *countingLedger) Reserve(ctx context.Context, userID uuid.UUID, amount int64, reason string, relatedItemID *uuid.UUID) (*credits.Reservation, error) {
	l.reserves.Add(1)
	return l.Service.Reserve(ctx, userID, amount, reason, relatedItemID)
}

func (l *countingLedger) Commit(ctx context.Context, id uuid.UUID) error {
	l.commits.Add(1)
	return l.Service.Commit(ctx, id)
}

func (l *countingLedger) Refund(ctx context.Context, id uuid.UUID, reason string) error {
	l.refunds.Add(1)
	return l.Service.Refund(ctx, id, reason)
}

// fakeGenerator succeeds unless fn says otherwise.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	fn      func(ctx context.Context, prompt string) (*provider.Result, error)
}

func (g *fakeGenerator) Dispatch(ctx context.Context, _ string, prompt string, _ map[string]any, opts provider.DispatchOptions) (*provider.Result, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	var (
		res *provider.Result
		err error
	)
	if g.fn != nil {
		res, err = g.fn(ctx, prompt)
	} else {
		res = &provider.Result{AssetURL: "https://cdn.example/" + prompt + ".png"}
	}
	if opts.OnAttempt != nil {
		opts.OnAttempt(1, err)
	}
	return res, err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func newTestCatalog(t *testing.T, baseURL string, cost int64, hint int) *provider.ModelRegistry {
	t.Helper()
	registry, err := provider.NewRegistryFromConfig(
		map[string]config.ProviderConfig{provider.ProviderOpenAI: {BaseURL: baseURL, APIKey: "sk-test"}},
		[]config.ModelConfig{{
			Key:                testModel,
			Provider:           provider.ProviderOpenAI,
			UpstreamModel:      "dall-e-3",
			Capability:         "image",
			CreditCost:         cost,
			MaxConcurrencyHint: hint,
		}},
	)
	require.NoError(t, err)
	return registry
}

type harness struct {
	svc    *Service
	repo   Repository
	ledger *countingLedger
	pub    *recordingPublisher
	user   uuid.UUID
	cfg    *harnessConfig
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	batch   config.BatchConfig
	repo    Repository
	catalog ModelCatalog
	cost    int64
}

func withWorkers(k int) harnessOption {
	return func(c *harnessConfig) { c.batch.Workers = k }
}

func withRepository(r Repository) harnessOption {
	return func(c *harnessConfig) { c.repo = r }
}

func withCatalog(cat ModelCatalog) harnessOption {
	return func(c *harnessConfig) { c.catalog = cat }
}

func newHarness(t *testing.T, gen provider.Generator, cost int64, opts ...harnessOption) *harness {
	t.Helper()
	hc := &harnessConfig{
		batch: config.BatchConfig{
			Workers:         3,
			MaxItems:        10,
			InfraRetries:    2,
			InfraRetryDelay: time.Millisecond,
		},
		repo: NewMemoryRepository(),
		cost: cost,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.catalog == nil {
		hc.catalog = newTestCatalog(t, "http://127.0.0.1:0", cost, 0)
	}

	ledger := &countingLedger{Service: credits.NewService(credits.NewMemoryRepository(), nil, nil, nil)}
	pub := &recordingPublisher{}
	h := &harness{repo: hc.repo, ledger: ledger, pub: pub, user: uuid.New(), cfg: hc}
	h.svc = h.newService(t, gen, pub)
	return h
}

func (h *harness) newService(t *testing.T, gen provider.Generator, pub events.Publisher) *Service {
	t.Helper()
	exec := NewExecutor(h.repo, h.ledger, gen, nil, ExecutorConfig{SettleRetries: 2, SettleDelay: time.Millisecond}, nil, nil)
	svc := NewService(h.repo, exec, h.cfg.catalog, h.ledger, nil, pub, h.cfg.batch, nil, nil)
	svc.pollInterval = 5 * time.Millisecond
	t.Cleanup(svc.Stop)
	return svc
}

// replica builds a second service over the same store and ledger, the way
// another process would see them.
func (h *harness) replica(t *testing.T, gen provider.Generator) *Service {
	t.Helper()
	return h.newService(t, gen, &recordingPublisher{})
}

// waitStatus waits until the stored job reaches status.
func (h *harness) waitStatus(t *testing.T, jobID uuid.UUID, status JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.repo.GetJob(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

// flakyOutcomes fails ApplyItemOutcome while fail reports true.
type flakyOutcomes struct {
	*MemoryRepository
	writes atomic.Int32
	fail   func(n int32) bool
}

func (r *flakyOutcomes) ApplyItemOutcome(ctx context.Context, outcome *ItemOutcome) (*Job, error) {
	if r.fail(r.writes.Add(1)) {
		return nil, errors.New("connection reset by peer")
	}
	return r.MemoryRepository.ApplyItemOutcome(ctx, outcome)
}

// flakyClaims fails ClaimNextItem while fail reports true.
type flakyClaims struct {
	*MemoryRepository
	claims atomic.Int32
	fail   func(n int32) bool
}

func (r *flakyClaims) ClaimNextItem(ctx context.Context, jobID uuid.UUID) (*Item, error) {
	if r.fail(r.claims.Add(1)) {
		return nil, errors.New("connection refused")
	}
	return r.MemoryRepository.ClaimNextItem(ctx, jobID)
}

func (h *harness) fund(t *testing.T, amount int64) {
	t.Helper()
	_, err := h.ledger.Earn(context.Background(), h.user, amount, "test grant")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), h.user)
	require.NoError(t, err)
	return b
}

func (h *harness) create(t *testing.T, prompts ...string) *Job {
	t.Helper()
	job, err := h.svc.CreateJob(context.Background(), h.user, &CreateJobInput{
		Name:     "test",
		ModelKey: testModel,
		Prompts:  prompts,
	})
	require.NoError(t, err)
	return job
}

// waitTerminal waits for the job to finish and its workers to exit.
func (h *harness) waitTerminal(t *testing.T, jobID uuid.UUID) *Job {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		job, err := h.repo.GetJob(ctx, jobID)
		return err == nil && job.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(waitCtx, jobID))

	job, err := h.repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	return job
}

func (h *harness) items(t *testing.T, jobID uuid.UUID) []*Item {
	t.Helper()
	items, err := h.repo.ListItems(context.Background(), jobID)
	require.NoError(t, err)
	return items
}

func (h *harness) assertConsistent(t *testing.T) {
	t.Helper()
	rec, err := h.ledger.Reconcile(context.Background(), h.user)
	require.NoError(t, err)
	require.True(t, rec.Consistent(), "ledger out of balance: %+v", rec)
}
