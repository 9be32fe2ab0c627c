package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/module/credits"
	"github.com/uniedit/batchgen/internal/module/provider"
)

type executorFixture struct {
	exec   *Executor
	repo   *MemoryRepository
	ledger *countingLedger
	job    *Job
	user   uuid.UUID
}

func newExecutorFixture(t *testing.T, gen provider.Generator, archiver Archiver, balance int64) *executorFixture {
	t.Helper()
	repo := NewMemoryRepository()
	ledger := &countingLedger{Service: credits.NewService(credits.NewMemoryRepository(), nil, nil, nil)}
	job, _ := seedJob(t, repo, 3)
	if balance > 0 {
		_, err := ledger.Earn(context.Background(), job.UserID, balance, "grant")
		require.NoError(t, err)
	}
	exec := NewExecutor(repo, ledger, gen, archiver, ExecutorConfig{SettleRetries: 1, SettleDelay: time.Millisecond}, nil, nil)
	return &executorFixture{exec: exec, repo: repo, ledger: ledger, job: job, user: job.UserID}
}

func (f *executorFixture) claim(t *testing.T) *Item {
	t.Helper()
	item, err := f.repo.ClaimNextItem(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func (f *executorFixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), f.user)
	require.NoError(t, err)
	return b
}

type stubArchiver struct {
	err error
}

func (a stubArchiver) Archive(_ context.Context, jobID, itemID uuid.UUID, result *provider.Result) (*provider.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	out := *result
	out.AssetURL = "https://assets.example/" + jobID.String() + "/" + itemID.String()
	return &out, nil
}

func TestExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("success commits the reservation", func(t *testing.T) {
		f := newExecutorFixture(t, &fakeGenerator{}, nil, 10)
		item := f.claim(t)

		job, err := f.exec.Execute(ctx, f.job, 4, item)
		require.NoError(t, err)
		assert.Equal(t, 1, job.CompletedItems)
		assert.Equal(t, int64(4), job.CreditsUsed)
		assert.Equal(t, int32(1), f.ledger.commits.Load())
		assert.Equal(t, int32(0), f.ledger.refunds.Load())
		assert.Equal(t, int64(6), f.balance(t))

		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ItemSucceeded, stored.Status)
		assert.Equal(t, int64(4), stored.CreditsCharged)
		assert.Equal(t, 1, stored.Attempts)
		require.NotNil(t, stored.ReservationID)
		require.NotNil(t, stored.Result)

		res, err := f.ledger.GetReservation(ctx, *stored.ReservationID)
		require.NoError(t, err)
		assert.Equal(t, credits.ReservationCommitted, res.Status)
		require.NotNil(t, res.RelatedItemID)
		assert.Equal(t, item.ID, *res.RelatedItemID)
	})

	t.Run("provider failure refunds with classified kind", func(t *testing.T) {
		gen := &fakeGenerator{fn: func(context.Context, string) (*provider.Result, error) {
			return nil, &provider.GenerationError{Kind: provider.KindPermanent, Provider: "openai", StatusCode: 400, Message: "content policy"}
		}}
		f := newExecutorFixture(t, gen, nil, 10)
		item := f.claim(t)

		job, err := f.exec.Execute(ctx, f.job, 4, item)
		require.NoError(t, err)
		assert.Equal(t, 1, job.FailedItems)
		assert.Equal(t, int64(0), job.CreditsUsed)
		assert.Equal(t, int32(0), f.ledger.commits.Load())
		assert.Equal(t, int32(1), f.ledger.refunds.Load())
		assert.Equal(t, int64(10), f.balance(t))

		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ItemFailed, stored.Status)
		assert.Equal(t, ErrorPermanent, stored.ErrorKind)
		assert.Contains(t, stored.ErrorMessage, "content policy")
	})

	t.Run("quota failure", func(t *testing.T) {
		gen := &fakeGenerator{fn: func(context.Context, string) (*provider.Result, error) {
			return nil, &provider.GenerationError{Kind: provider.KindQuota, Provider: "openai", StatusCode: 402}
		}}
		f := newExecutorFixture(t, gen, nil, 10)
		item := f.claim(t)

		_, err := f.exec.Execute(ctx, f.job, 4, item)
		require.NoError(t, err)
		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ErrorQuota, stored.ErrorKind)
	})

	t.Run("insufficient credits fails without dispatch", func(t *testing.T) {
		gen := &fakeGenerator{}
		f := newExecutorFixture(t, gen, nil, 3)
		item := f.claim(t)

		job, err := f.exec.Execute(ctx, f.job, 4, item)
		require.NoError(t, err)
		assert.Equal(t, 1, job.FailedItems)
		assert.Equal(t, 0, gen.calls())

		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ErrorInsufficientCredits, stored.ErrorKind)
		assert.Nil(t, stored.ReservationID)
		assert.Equal(t, int64(3), f.balance(t))
	})

	t.Run("archiver rewrites the asset url", func(t *testing.T) {
		f := newExecutorFixture(t, &fakeGenerator{}, stubArchiver{}, 10)
		item := f.claim(t)

		_, err := f.exec.Execute(ctx, f.job, 1, item)
		require.NoError(t, err)
		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Contains(t, stored.Result.AssetURL, "https://assets.example/")
	})

	t.Run("archiver failure keeps the provider url", func(t *testing.T) {
		f := newExecutorFixture(t, &fakeGenerator{}, stubArchiver{err: errors.New("bucket gone")}, 10)
		item := f.claim(t)

		_, err := f.exec.Execute(ctx, f.job, 1, item)
		require.NoError(t, err)
		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ItemSucceeded, stored.Status)
		assert.Equal(t, "https://cdn.example/prompt.png", stored.Result.AssetURL)
	})

	t.Run("interrupted dispatch refunds and requeues", func(t *testing.T) {
		runCtx, cancel := context.WithCancel(ctx)
		gen := &fakeGenerator{fn: func(ctx context.Context, _ string) (*provider.Result, error) {
			cancel()
			<-ctx.Done()
			return nil, &provider.GenerationError{Kind: provider.KindTransient, Err: ctx.Err()}
		}}
		f := newExecutorFixture(t, gen, nil, 10)
		item := f.claim(t)

		_, err := f.exec.Execute(runCtx, f.job, 4, item)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), f.ledger.refunds.Load())
		assert.Equal(t, int64(10), f.balance(t))

		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ItemQueued, stored.Status)
		assert.Nil(t, stored.ReservationID)
	})

	t.Run("outcome write failure leaves a retryable settlement", func(t *testing.T) {
		f := newExecutorFixture(t, &fakeGenerator{}, nil, 10)
		repo := &flakyOutcomes{MemoryRepository: f.repo, fail: func(n int32) bool { return n <= 2 }}
		exec := NewExecutor(repo, f.ledger, &fakeGenerator{}, nil, ExecutorConfig{SettleRetries: 1, SettleDelay: time.Millisecond}, nil, nil)
		item := f.claim(t)

		_, err := exec.Execute(ctx, f.job, 4, item)
		var settleErr *SettlementError
		require.ErrorAs(t, err, &settleErr)
		assert.ErrorIs(t, err, ErrInfrastructure)
		assert.True(t, settleErr.Settlement.Commit)

		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ItemDispatching, stored.Status)

		job, err := exec.Settle(ctx, settleErr.Settlement)
		require.NoError(t, err)
		assert.Equal(t, 1, job.CompletedItems)
		assert.Equal(t, int64(4), job.CreditsUsed)
		assert.Equal(t, int32(0), f.ledger.refunds.Load())
		assert.Equal(t, int64(6), f.balance(t))

		stored, _ = f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ItemSucceeded, stored.Status)
		require.NotNil(t, stored.Result)
	})

	t.Run("outcome for a replaced reservation is dropped", func(t *testing.T) {
		f := newExecutorFixture(t, &fakeGenerator{}, nil, 10)
		item := f.claim(t)
		res, err := f.ledger.Reserve(ctx, f.user, 1, "batch", &item.ID)
		require.NoError(t, err)
		require.NoError(t, f.repo.MarkDispatching(ctx, item.ID, res.ID, 1))

		previous := uuid.New()
		job, err := f.exec.Settle(ctx, &Settlement{
			ItemID: item.ID,
			Outcome: &ItemOutcome{
				ItemID:        item.ID,
				JobID:         f.job.ID,
				ReservationID: &previous,
				Status:        ItemSucceeded,
				FinishedAt:    time.Now(),
			},
		})
		require.NoError(t, err)
		assert.Nil(t, job)

		stored, _ := f.repo.GetItem(ctx, item.ID)
		assert.Equal(t, ItemDispatching, stored.Status)
	})
}
