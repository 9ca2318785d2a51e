package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/config"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/httpx"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source/binance"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source/coinbase"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source/coingecko"
	storepostgres "github.com/rifqiadlanapriyadi/crypto-aggregator/internal/store/postgres"
)

// One-shot fetch of the configured pairs. Prints the fetched points as
// JSON; with -store it also upserts them into Postgres.

func main() {
	var assetsCSV string
	var quotesCSV string
	var sourcesCSV string
	var timeoutSec int
	var configPath string
	var writeStore bool

	flag.StringVar(&assetsCSV, "assets", getenv("ASSETS", "BTC,ETH"), "comma-separated asset symbols")
	flag.StringVar(&quotesCSV, "quotes", getenv("QUOTES", "USD"), "comma-separated quote currencies")
	flag.StringVar(&sourcesCSV, "sources", getenv("SOURCES", "coingecko,coinbase,binance"), "comma-separated source names")
	flag.IntVar(&timeoutSec, "timeout", getenvInt("FETCH_TIMEOUT_SEC", 10), "per-fetch timeout in seconds")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "optional config file (for the Postgres DSN)")
	flag.BoolVar(&writeStore, "store", false, "upsert fetched points into Postgres")
	flag.Parse()

	hc := httpx.New(time.Duration(timeoutSec) * time.Second)
	sources := map[string]source.Source{}
	for _, name := range splitCSV(sourcesCSV) {
		switch name {
		case "coingecko":
			sources[name] = coingecko.New(coingecko.Config{}, hc)
		case "coinbase":
			sources[name] = coinbase.New(coinbase.Config{}, hc)
		case "binance":
			sources[name] = binance.New(binance.Config{}, hc)
		default:
			log.Fatalf("unknown source %q (known: coingecko, coinbase, binance)", name)
		}
	}

	ctx := context.Background()
	var points []domain.PricePoint
	var failures int
	for _, asset := range splitCSV(assetsCSV) {
		for _, quote := range splitCSV(quotesCSV) {
			for name, src := range sources {
				fctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
				got, err := src.FetchPrices(fctx, strings.ToUpper(asset), strings.ToUpper(quote))
				cancel()
				if err != nil {
					failures++
					fmt.Fprintf(os.Stderr, "%s %s/%s: %v\n", name, asset, quote, err)
					continue
				}
				points = append(points, got...)
			}
		}
	}

	if writeStore {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if cfg.Postgres.DSN == "" {
			log.Fatal("-store requires a Postgres DSN")
		}
		pg, err := storepostgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("schema init: %v", err)
		}
		if err := pg.Prices().Upsert(ctx, points); err != nil {
			log.Fatalf("upsert: %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(points); err != nil {
		log.Fatalf("encode: %v", err)
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
