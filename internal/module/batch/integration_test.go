//go:build integration

package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/module/credits"
	"github.com/uniedit/batchgen/internal/shared/testutil"
	"gorm.io/gorm"
)

var (
	testDB    *gorm.DB
	testRedis *redis.Client
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	pg, err := testutil.StartPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	rd, err := testutil.StartRedis(ctx)
	if err != nil {
		pg.Terminate()
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	testDB, err = pg.Open(append(credits.Models(), Models()...)...)
	if err != nil {
		rd.Terminate()
		pg.Terminate()
		fmt.Fprintf(os.Stderr, "open test db: %v\n", err)
		os.Exit(1)
	}
	testRedis = rd.Client

	code := m.Run()
	rd.Terminate()
	pg.Terminate()
	os.Exit(code)
}

func TestPostgresRepository_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	job, items := seedJob(t, repo, 20)

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := repo.ClaimNextItem(ctx, job.ID)
				if !assert.NoError(t, err) || item == nil {
					return
				}
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, len(items))
	for id, n := range claimed {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
	inFlight, err := repo.CountInFlight(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), inFlight)
}

func TestPostgresRepository_OutcomeExclusivity(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	job, _ := seedJob(t, repo, 1)

	item, err := repo.ClaimNextItem(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDispatching(ctx, item.ID, uuid.New(), 2))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.ApplyItemOutcome(ctx, &ItemOutcome{
				ItemID:         item.ID,
				JobID:          job.ID,
				Status:         ItemSucceeded,
				CreditsCharged: 2,
				FinishedAt:     time.Now(),
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrItemSettled)
	}
	assert.Equal(t, 1, won)

	current, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.CompletedItems)
	assert.Equal(t, int64(2), current.CreditsUsed)
	assert.Equal(t, int64(0), current.CreditsReserved)
}

func TestPostgresService_InsufficientCreditsScenario(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB)
	ledger := &countingLedger{Service: credits.NewService(credits.NewRepository(testDB), nil, nil, nil)}
	gen := &fakeGenerator{}
	exec := NewExecutor(repo, ledger, gen, nil, ExecutorConfig{}, nil, nil)
	svc := NewService(repo, exec, newTestCatalog(t, "http://127.0.0.1:0", 2, 0), ledger,
		NewProgressHub(testRedis, nil), nil, config.BatchConfig{Workers: 1, MaxItems: 10}, nil, nil)
	t.Cleanup(svc.Stop)

	user := uuid.New()
	_, err := ledger.Earn(ctx, user, 6, "grant")
	require.NoError(t, err)

	job, err := svc.CreateJob(ctx, user, &CreateJobInput{ModelKey: testModel, Prompts: prompts(5)})
	require.NoError(t, err)

	sub := testRedis.Subscribe(ctx, ProgressChannel(job.ID))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	_, err = svc.StartJob(ctx, user, job.ID)
	require.NoError(t, err)

	var last ProgressEvent
	timeout := time.After(30 * time.Second)
	for !last.Status.IsTerminal() {
		select {
		case msg := <-sub.Channel():
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &last))
		case <-timeout:
			t.Fatal("job did not finish")
		}
	}
	assert.Equal(t, JobCompletedWithFailures, last.Status)
	assert.Equal(t, int64(6), last.CreditsUsed)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(waitCtx, job.ID))

	items, err := repo.ListItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorInsufficientCredits, items[3].ErrorKind)
	assert.Equal(t, ErrorInsufficientCredits, items[4].ErrorKind)

	rec, err := ledger.Reconcile(ctx, user)
	require.NoError(t, err)
	assert.True(t, rec.Consistent())
	assert.Equal(t, int64(0), rec.Balance)
}
