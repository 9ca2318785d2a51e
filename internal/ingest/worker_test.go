package ingest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	cachememory "github.com/rifqiadlanapriyadi/crypto-aggregator/internal/cache/memory"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/ingest"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source"
	storememory "github.com/rifqiadlanapriyadi/crypto-aggregator/internal/store/memory"
)

type fixture struct {
	queue       *ingest.Queue
	prices      *storememory.PriceStore
	deadLetters *storememory.DeadLetterStore
	cache       *cachememory.Cache
	registry    *ingest.Registry
	pool        *ingest.WorkerPool
}

func newFixture(t *testing.T, cfg ingest.Config, sources map[string]source.Source) *fixture {
	t.Helper()
	f := &fixture{
		queue:       ingest.NewQueue(time.Minute),
		prices:      storememory.NewPriceStore(),
		deadLetters: storememory.NewDeadLetterStore(),
		cache:       cachememory.New(),
		registry:    ingest.NewRegistry(),
	}
	f.pool = ingest.NewWorkerPool(cfg, f.queue, sources,
		f.prices, f.deadLetters, f.cache, f.registry, zerolog.Nop())
	return f
}

// run leases the next task and processes it synchronously.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	f.pool.Process(ctx, task)
}

func samplePoint(pair domain.Pair) domain.PricePoint {
	now := time.Now().UTC()
	return domain.PricePoint{
		Asset:      pair.Asset,
		Quote:      pair.Quote,
		Source:     pair.Source,
		Timestamp:  now,
		Price:      decimal.NewFromInt(50000),
		IngestedAt: now,
	}
}

func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	// Arrange: a source that returns one point, a cache entry that should
	// be evicted by the successful ingest, and an acquired in-flight slot.
	ctrl := gomock.NewController(t)
	src := NewMockSource(ctrl)
	pair := domain.Pair{Asset: "BTC", Quote: "USD", Source: "binance"}
	src.EXPECT().
		FetchPrices(gomock.Any(), "BTC", "USD").
		Return([]domain.PricePoint{samplePoint(pair)}, nil).
		Times(1)

	f := newFixture(t, ingest.Config{MaxAttempts: 3}, map[string]source.Source{"binance": src})
	require.NoError(t, f.cache.Put(context.Background(), "fp", []byte("stale"), time.Minute, []string{"asset:BTC"}))
	require.True(t, f.registry.TryAcquire(pair))
	f.queue.Enqueue(domain.NewIngestionTask(pair, time.Now()))

	// Act
	f.run(t)

	// Assert: the point landed, the lease is resolved, the pair is free
	// again and the stale cache entry is gone.
	points, _, err := f.prices.Query(context.Background(), domain.QueryFilter{Asset: "BTC"}, domain.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, points, 1)
	_, _, leased := f.queue.Depth()
	require.Zero(t, leased)
	require.False(t, f.registry.Held(pair))
	require.Zero(t, f.cache.Len())
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	// Arrange: a source that times out on every attempt, three attempts max.
	ctrl := gomock.NewController(t)
	src := NewMockSource(ctrl)
	pair := domain.Pair{Asset: "BTC", Quote: "USD", Source: "binance"}
	src.EXPECT().
		FetchPrices(gomock.Any(), "BTC", "USD").
		Return(nil, domain.Transient(errors.New("timeout"))).
		Times(3)

	f := newFixture(t, ingest.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, map[string]source.Source{"binance": src})
	require.True(t, f.registry.TryAcquire(pair))
	f.queue.Enqueue(domain.NewIngestionTask(pair, time.Now()))

	// Act: attempts 1 and 2 reschedule, attempt 3 exhausts the budget.
	f.run(t)
	f.run(t)
	f.run(t)

	// Assert: exactly one dead-letter record with the full attempt count,
	// nothing left in the queue, the pair released.
	recs, err := f.deadLetters.List(context.Background(), domain.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 3, recs[0].AttemptCount)
	require.Equal(t, domain.TaskDeadLettered, recs[0].Task.State)
	require.Contains(t, recs[0].LastError, "timeout")
	ready, delayed, leased := f.queue.Depth()
	require.Zero(t, ready+delayed+leased)
	require.False(t, f.registry.Held(pair))
}

func TestProcessPermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	// Arrange: an unknown asset fails permanently on the first attempt.
	ctrl := gomock.NewController(t)
	src := NewMockSource(ctrl)
	pair := domain.Pair{Asset: "DOGE", Quote: "USD", Source: "binance"}
	src.EXPECT().
		FetchPrices(gomock.Any(), "DOGE", "USD").
		Return(nil, domain.Permanent(errors.New(`binance: unknown asset "DOGE"`))).
		Times(1)

	f := newFixture(t, ingest.Config{MaxAttempts: 5}, map[string]source.Source{"binance": src})
	require.True(t, f.registry.TryAcquire(pair))
	f.queue.Enqueue(domain.NewIngestionTask(pair, time.Now()))

	// Act
	f.run(t)

	// Assert: dead-lettered after a single attempt despite the retry budget.
	recs, err := f.deadLetters.List(context.Background(), domain.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, 1, recs[0].AttemptCount)
}

func TestProcessUnknownSourceDeadLetters(t *testing.T) {
	t.Parallel()

	// A pair pointing at a source with no registered adapter cannot ever
	// succeed; it goes straight to the dead-letter log.
	f := newFixture(t, ingest.Config{MaxAttempts: 5}, map[string]source.Source{})
	pair := domain.Pair{Asset: "BTC", Quote: "USD", Source: "kraken"}
	require.True(t, f.registry.TryAcquire(pair))
	f.queue.Enqueue(domain.NewIngestionTask(pair, time.Now()))

	f.run(t)

	recs, err := f.deadLetters.List(context.Background(), domain.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Contains(t, recs[0].LastError, "kraken")
}

type failingPriceStore struct{}

func (failingPriceStore) Upsert(context.Context, []domain.PricePoint) error {
	return errors.New("connection refused")
}

func (failingPriceStore) Query(context.Context, domain.QueryFilter, domain.Page) ([]domain.PricePoint, string, error) {
	return nil, "", errors.New("connection refused")
}

func TestProcessStorageFailureRetries(t *testing.T) {
	t.Parallel()

	// Arrange: the fetch succeeds but the store is down; the task must not
	// be marked succeeded.
	ctrl := gomock.NewController(t)
	src := NewMockSource(ctrl)
	pair := domain.Pair{Asset: "BTC", Quote: "USD", Source: "binance"}
	src.EXPECT().
		FetchPrices(gomock.Any(), "BTC", "USD").
		Return([]domain.PricePoint{samplePoint(pair)}, nil).
		Times(1)

	queue := ingest.NewQueue(time.Minute)
	registry := ingest.NewRegistry()
	pool := ingest.NewWorkerPool(ingest.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, queue, map[string]source.Source{"binance": src},
		failingPriceStore{}, storememory.NewDeadLetterStore(),
		cachememory.New(), registry, zerolog.Nop())

	require.True(t, registry.TryAcquire(pair))
	queue.Enqueue(domain.NewIngestionTask(pair, time.Now()))
	task, err := queue.Dequeue(context.Background())
	require.NoError(t, err)

	// Act
	pool.Process(context.Background(), task)

	// Assert: the task is back in the queue as a retry, the pair still held.
	_, delayed, _ := queue.Depth()
	require.Equal(t, 1, delayed)
	require.True(t, registry.Held(pair))
}

func TestReplay(t *testing.T) {
	t.Parallel()

	// Arrange: a dead-letter record for a pair with no task in flight.
	f := newFixture(t, ingest.Config{MaxAttempts: 3}, map[string]source.Source{})
	pair := domain.Pair{Asset: "ETH", Quote: "USD", Source: "coinbase"}
	rec := domain.DeadLetterRecord{
		ID:           uuid.New(),
		Task:         domain.IngestionTask{ID: uuid.New(), Pair: pair, AttemptCount: 3, State: domain.TaskDeadLettered},
		LastError:    "timeout",
		AttemptCount: 3,
		FailedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.deadLetters.Append(context.Background(), rec))

	// Act
	task, err := f.pool.Replay(context.Background(), rec.ID)

	// Assert: a brand-new task with a fresh ID and zero attempts is
	// enqueued; the original record stays untouched.
	require.NoError(t, err)
	require.NotEqual(t, rec.Task.ID, task.ID)
	require.Zero(t, task.AttemptCount)
	require.Equal(t, pair, task.Pair)
	ready, _, _ := f.queue.Depth()
	require.Equal(t, 1, ready)
	require.True(t, f.registry.Held(pair))
	kept, err := f.deadLetters.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, kept)
}

func TestReplayRejectsInFlightPair(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ingest.Config{MaxAttempts: 3}, map[string]source.Source{})
	pair := domain.Pair{Asset: "ETH", Quote: "USD", Source: "coinbase"}
	rec := domain.DeadLetterRecord{
		ID:       uuid.New(),
		Task:     domain.IngestionTask{ID: uuid.New(), Pair: pair, State: domain.TaskDeadLettered},
		FailedAt: time.Now().UTC(),
	}
	require.NoError(t, f.deadLetters.Append(context.Background(), rec))
	require.True(t, f.registry.TryAcquire(pair))

	_, err := f.pool.Replay(context.Background(), rec.ID)

	require.Error(t, err)
	require.True(t, domain.IsValidation(err))
}

func TestReplayUnknownRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ingest.Config{MaxAttempts: 3}, map[string]source.Source{})

	_, err := f.pool.Replay(context.Background(), uuid.New())

	require.ErrorIs(t, err, domain.ErrNotFound)
}
