package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/api"
	cachememory "github.com/rifqiadlanapriyadi/crypto-aggregator/internal/cache/memory"
	cacheredis "github.com/rifqiadlanapriyadi/crypto-aggregator/internal/cache/redis"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/config"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/httpx"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/ingest"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/logging"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/query"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/scheduler"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source/binance"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source/coinbase"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source/coingecko"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source/ratelimit"
	storememory "github.com/rifqiadlanapriyadi/crypto-aggregator/internal/store/memory"
	storepostgres "github.com/rifqiadlanapriyadi/crypto-aggregator/internal/store/postgres"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores: Postgres when configured, in-memory otherwise.
	var (
		prices      domain.PriceStore
		deadLetters domain.DeadLetterStore
	)
	if cfg.Postgres.DSN != "" {
		pg, err := storepostgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable")
		}
		defer pg.Close()
		if err := pg.Init(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema init failed")
		}
		prices, deadLetters = pg.Prices(), pg.DeadLetters()
		log.Info().Msg("postgres connected")
	} else {
		log.Warn().Msg("no postgres dsn configured, using in-memory stores")
		prices, deadLetters = storememory.NewPriceStore(), storememory.NewDeadLetterStore()
	}

	// Cache: Redis when reachable, in-memory otherwise.
	var queryCache domain.Cache
	if rc, err := cacheredis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, using in-memory cache")
		queryCache = cachememory.New()
	} else {
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis cache connected")
		queryCache = rc
		defer rc.Close()
	}

	httpClient := httpx.New(cfg.Ingestion.FetchTimeout())
	sources, err := buildSources(cfg, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("source setup failed")
	}

	queue := ingest.NewQueue(cfg.Ingestion.LeaseTimeout())
	registry := ingest.NewRegistry()
	pool := ingest.NewWorkerPool(ingest.Config{
		Workers:      cfg.Ingestion.Workers,
		MaxAttempts:  cfg.Ingestion.MaxAttempts,
		BaseDelay:    cfg.Ingestion.BaseDelay(),
		MaxDelay:     cfg.Ingestion.MaxDelay(),
		FetchTimeout: cfg.Ingestion.FetchTimeout(),
		Jitter:       true,
	}, queue, sources, prices, deadLetters, queryCache, registry, log)
	pool.Run(ctx)

	sched := scheduler.New(scheduler.Config{
		Interval:  cfg.Ingestion.Interval(),
		Enumerate: enumerator(cfg),
		Queue:     queue,
		Registry:  registry,
		Log:       log,
	})
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("scheduler start failed")
	}

	engine := query.New(query.Config{
		CacheTTL:    cfg.Query.CacheTTL(),
		MaxPageSize: cfg.Query.MaxPageSize,
	}, prices, queryCache, log)

	handler := api.NewHandler(engine, pool, deadLetters, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.RequestTimeoutSec+5) * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	sched.Stop()
	pool.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("stopped")
}

// buildSources constructs the configured adapters, each behind a token
// bucket sized to the per-source request budget.
func buildSources(cfg config.Config, hc *httpx.Client) (map[string]source.Source, error) {
	sources := make(map[string]source.Source, len(cfg.Ingestion.Sources))
	for _, name := range cfg.Ingestion.Sources {
		var s source.Source
		switch name {
		case "coingecko":
			s = coingecko.New(coingecko.Config{}, hc)
		case "coinbase":
			s = coinbase.New(coinbase.Config{Assets: cfg.Ingestion.Assets}, hc)
		case "binance":
			s = binance.New(binance.Config{Assets: cfg.Ingestion.Assets}, hc)
		default:
			return nil, &unknownSourceError{name: name}
		}
		if cfg.Ingestion.SourceMaxRPM > 0 {
			s = &ratelimit.Source{
				S:  s,
				TB: ratelimit.NewTokenBucket(float64(cfg.Ingestion.SourceMaxRPM)/60.0, 2),
			}
		}
		sources[s.Name()] = s
	}
	return sources, nil
}

type unknownSourceError struct{ name string }

func (e *unknownSourceError) Error() string {
	return "unknown source " + e.name + " (known: coingecko, coinbase, binance)"
}

func enumerator(cfg config.Config) func() ([]domain.Pair, error) {
	return func() ([]domain.Pair, error) {
		specs := cfg.Ingestion.Pairs()
		pairs := make([]domain.Pair, 0, len(specs))
		for _, s := range specs {
			pairs = append(pairs, domain.Pair{Asset: s.Asset, Quote: s.Quote, Source: s.Source})
		}
		return pairs, nil
	}
}
