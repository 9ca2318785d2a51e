// Package scheduler periodically enumerates the configured
// (asset, quote, source) pairs and enqueues one ingestion task per pair.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/ingest"
)

// Enqueuer is the slice of the task queue the scheduler needs.
type Enqueuer interface {
	Enqueue(task domain.IngestionTask)
}

// Config wires the scheduler.
type Config struct {
	Interval time.Duration
	// Enumerate returns the pairs to poll. An enumeration error is fatal to
	// the tick only; the next tick retries.
	Enumerate func() ([]domain.Pair, error)
	Queue     Enqueuer
	Registry  *ingest.Registry
	Log       zerolog.Logger
}

// Scheduler emits tasks at-least-once on a fixed interval, guarded by the
// per-pair in-flight registry so a slow source cannot grow the queue without
// bound.
type Scheduler struct {
	cfg  Config
	cron *cron.Cron
	log  zerolog.Logger
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins ticking. The first tick fires immediately so a fresh process
// does not idle for a full interval before ingesting anything.
func (s *Scheduler) Start() error {
	s.Tick()
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), s.Tick); err != nil {
		return fmt.Errorf("schedule ingestion tick: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts ticking and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick() {
	pairs, err := s.cfg.Enumerate()
	if err != nil {
		s.log.Error().Err(err).Msg("pair enumeration failed, retrying next tick")
		return
	}
	scheduled := 0
	for _, pair := range pairs {
		if !s.cfg.Registry.TryAcquire(pair) {
			s.log.Debug().Stringer("pair", pair).Msg("task still in flight, skipping")
			continue
		}
		s.cfg.Queue.Enqueue(domain.NewIngestionTask(pair, time.Now()))
		scheduled++
	}
	s.log.Debug().Int("pairs", len(pairs)).Int("scheduled", scheduled).Msg("tick complete")
}
