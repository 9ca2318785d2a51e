package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source"
)

// Config is the worker pool's retry policy and resource bounds.
type Config struct {
	Workers      int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	FetchTimeout time.Duration
	// Jitter adds up to 10% of the computed delay so retries for different
	// pairs spread out.
	Jitter bool
}

// WorkerPool consumes ingestion tasks, fetches from the matching source and
// resolves each task to SUCCEEDED, RETRY_SCHEDULED or DEAD_LETTERED.
// Fetch errors never escape the task boundary.
type WorkerPool struct {
	cfg         Config
	queue       *Queue
	sources     map[string]source.Source
	prices      domain.PriceStore
	deadLetters domain.DeadLetterStore
	cache       domain.Cache
	registry    *Registry
	log         zerolog.Logger

	wg sync.WaitGroup
}

func NewWorkerPool(cfg Config, queue *Queue, sources map[string]source.Source,
	prices domain.PriceStore, deadLetters domain.DeadLetterStore,
	cache domain.Cache, registry *Registry, log zerolog.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &WorkerPool{
		cfg:         cfg,
		queue:       queue,
		sources:     sources,
		prices:      prices,
		deadLetters: deadLetters,
		cache:       cache,
		registry:    registry,
		log:         log.With().Str("component", "worker").Logger(),
	}
}

// Run starts the pool. Workers exit when ctx is canceled; Wait blocks until
// they have.
func (w *WorkerPool) Run(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for {
				task, err := w.queue.Dequeue(ctx)
				if err != nil {
					return
				}
				w.Process(ctx, task)
			}
		}()
	}
}

func (w *WorkerPool) Wait() {
	w.wg.Wait()
}

// Process runs one attempt for a leased task.
func (w *WorkerPool) Process(ctx context.Context, task domain.IngestionTask) {
	task.AttemptCount++
	pair := task.Pair

	src, ok := w.sources[pair.Source]
	if !ok {
		w.deadLetter(ctx, task, fmt.Errorf("no adapter registered for source %q", pair.Source))
		return
	}

	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	points, err := src.FetchPrices(fctx, pair.Asset, pair.Quote)
	cancel()

	if err == nil {
		// A failed upsert must not mark the task SUCCEEDED; it follows the
		// same retry policy as a transient fetch failure.
		if uerr := w.prices.Upsert(ctx, points); uerr != nil {
			err = domain.Transient(fmt.Errorf("upsert: %w", uerr))
		}
	}

	if err == nil {
		w.succeed(ctx, task, len(points))
		return
	}
	if domain.IsPermanent(err) {
		w.deadLetter(ctx, task, err)
		return
	}
	if task.AttemptCount >= w.cfg.MaxAttempts {
		w.deadLetter(ctx, task, err)
		return
	}

	delay := w.backoff(task.AttemptCount)
	w.log.Warn().
		Stringer("pair", pair).
		Int("attempt", task.AttemptCount).
		Dur("retry_in", delay).
		Err(err).
		Msg("attempt failed, retry scheduled")
	w.queue.Nack(task, delay)
}

func (w *WorkerPool) succeed(ctx context.Context, task domain.IngestionTask, points int) {
	task.State = domain.TaskSucceeded
	w.queue.Ack(task.ID)
	w.registry.Release(task.Pair)
	// Invalidation is best effort; the entry TTL bounds staleness if it fails.
	if err := w.cache.InvalidateByTag(ctx, domain.TagsForPair(task.Pair)...); err != nil {
		w.log.Warn().Stringer("pair", task.Pair).Err(err).Msg("cache invalidation failed")
	}
	w.log.Debug().
		Stringer("pair", task.Pair).
		Int("points", points).
		Int("attempt", task.AttemptCount).
		Msg("task succeeded")
}

func (w *WorkerPool) deadLetter(ctx context.Context, task domain.IngestionTask, cause error) {
	task.State = domain.TaskDeadLettered
	rec := domain.DeadLetterRecord{
		ID:           uuid.New(),
		Task:         task,
		LastError:    cause.Error(),
		AttemptCount: task.AttemptCount,
		FailedAt:     time.Now().UTC(),
	}
	w.queue.Ack(task.ID)
	w.registry.Release(task.Pair)
	if err := w.deadLetters.Append(ctx, rec); err != nil {
		// The record is the audit trail; losing it is worth an error log
		// even though the task itself is already resolved.
		w.log.Error().Stringer("pair", task.Pair).Err(err).Msg("failed to append dead letter")
	}
	w.log.Warn().
		Stringer("pair", task.Pair).
		Int("attempts", task.AttemptCount).
		Str("cause", cause.Error()).
		Msg("task dead-lettered")
}

// backoff computes base_delay * 2^(attempt-1) capped at max_delay, with
// optional jitter.
func (w *WorkerPool) backoff(attempt int) time.Duration {
	d := w.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxDelay {
			d = w.cfg.MaxDelay
			break
		}
	}
	if w.cfg.Jitter {
		d += time.Duration(rand.Int63n(int64(d/10) + 1))
	}
	return d
}

// Replay re-enters a dead-lettered task into the pipeline as a brand-new
// task with a fresh ID and a zero attempt count. The original record is not
// touched. Replaying a pair that is already in flight is rejected.
func (w *WorkerPool) Replay(ctx context.Context, id uuid.UUID) (domain.IngestionTask, error) {
	rec, err := w.deadLetters.Get(ctx, id)
	if err != nil {
		return domain.IngestionTask{}, err
	}
	if !w.registry.TryAcquire(rec.Task.Pair) {
		return domain.IngestionTask{}, domain.Validationf("pair %s already has a task in flight", rec.Task.Pair)
	}
	task := domain.NewIngestionTask(rec.Task.Pair, time.Now())
	w.queue.Enqueue(task)
	w.log.Info().Stringer("pair", task.Pair).Str("record", id.String()).Msg("dead letter replayed")
	return task, nil
}
