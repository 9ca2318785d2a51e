// Package config loads the service configuration from an optional JSON file
// with environment variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Ingestion struct {
	IntervalSec     int      `json:"interval_sec"`
	MaxAttempts     int      `json:"max_attempts"`
	BaseDelaySec    int      `json:"base_delay_sec"`
	MaxDelaySec     int      `json:"max_delay_sec"`
	FetchTimeoutSec int      `json:"fetch_timeout_sec"`
	LeaseTimeoutSec int      `json:"lease_timeout_sec"`
	Workers         int      `json:"workers"`
	SourceMaxRPM    int      `json:"source_max_rpm"`
	Assets          []string `json:"assets"`
	Quotes          []string `json:"quotes"`
	Sources         []string `json:"sources"`
}

type Query struct {
	CacheTTLSec int `json:"cache_ttl_sec"`
	MaxPageSize int `json:"max_page_size"`
}

type Postgres struct {
	DSN string `json:"dsn"`
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Config struct {
	LogLevel  string    `json:"log_level"`
	Server    Server    `json:"server"`
	Ingestion Ingestion `json:"ingestion"`
	Query     Query     `json:"query"`
	Postgres  Postgres  `json:"postgres"`
	Redis     Redis     `json:"redis"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server:   Server{Port: "8080", RequestTimeoutSec: 10},
		Ingestion: Ingestion{
			IntervalSec:     60,
			MaxAttempts:     5,
			BaseDelaySec:    10,
			MaxDelaySec:     300,
			FetchTimeoutSec: 10,
			LeaseTimeoutSec: 60,
			Workers:         4,
			SourceMaxRPM:    30,
			Assets:          []string{"BTC", "ETH"},
			Quotes:          []string{"USD"},
			Sources:         []string{"coingecko", "coinbase", "binance"},
		},
		Query: Query{CacheTTLSec: 30, MaxPageSize: 500},
		Redis: Redis{Addr: "127.0.0.1:6379"},
	}
}

// Load reads JSON config from path. If path is empty or the file does not
// exist, it returns defaults. A .env file is honored in development, and
// environment variables override select fields.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Ingestion.IntervalSec <= 0 {
		return fmt.Errorf("ingestion interval must be positive")
	}
	if c.Ingestion.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.Query.MaxPageSize <= 0 {
		return fmt.Errorf("max page size must be positive")
	}
	// A fetch slower than the tick interval piles tasks up behind the
	// in-flight guard.
	if c.Ingestion.FetchTimeoutSec >= c.Ingestion.IntervalSec {
		return fmt.Errorf("fetch timeout (%ds) must be shorter than the ingestion interval (%ds)",
			c.Ingestion.FetchTimeoutSec, c.Ingestion.IntervalSec)
	}
	return nil
}

// PairSpec is one configured (asset, quote, source) combination.
type PairSpec struct {
	Asset  string
	Quote  string
	Source string
}

// Pairs enumerates the configured cross product of assets, quotes and sources.
func (i Ingestion) Pairs() []PairSpec {
	out := make([]PairSpec, 0, len(i.Assets)*len(i.Quotes)*len(i.Sources))
	for _, asset := range i.Assets {
		for _, quote := range i.Quotes {
			for _, source := range i.Sources {
				out = append(out, PairSpec{
					Asset:  strings.ToUpper(strings.TrimSpace(asset)),
					Quote:  strings.ToUpper(strings.TrimSpace(quote)),
					Source: strings.ToLower(strings.TrimSpace(source)),
				})
			}
		}
	}
	return out
}

func (i Ingestion) Interval() time.Duration  { return time.Duration(i.IntervalSec) * time.Second }
func (i Ingestion) BaseDelay() time.Duration { return time.Duration(i.BaseDelaySec) * time.Second }
func (i Ingestion) MaxDelay() time.Duration  { return time.Duration(i.MaxDelaySec) * time.Second }
func (i Ingestion) FetchTimeout() time.Duration {
	return time.Duration(i.FetchTimeoutSec) * time.Second
}
func (i Ingestion) LeaseTimeout() time.Duration {
	return time.Duration(i.LeaseTimeoutSec) * time.Second
}
func (q Query) CacheTTL() time.Duration { return time.Duration(q.CacheTTLSec) * time.Second }

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	setInt(&cfg.Server.RequestTimeoutSec, "REQUEST_TIMEOUT_SEC")
	setInt(&cfg.Ingestion.IntervalSec, "INGESTION_INTERVAL_SEC")
	setInt(&cfg.Ingestion.MaxAttempts, "INGESTION_MAX_ATTEMPTS")
	setInt(&cfg.Ingestion.BaseDelaySec, "INGESTION_BASE_DELAY_SEC")
	setInt(&cfg.Ingestion.MaxDelaySec, "INGESTION_MAX_DELAY_SEC")
	setInt(&cfg.Ingestion.FetchTimeoutSec, "INGESTION_FETCH_TIMEOUT_SEC")
	setInt(&cfg.Ingestion.LeaseTimeoutSec, "INGESTION_LEASE_TIMEOUT_SEC")
	setInt(&cfg.Ingestion.Workers, "INGESTION_WORKERS")
	setInt(&cfg.Ingestion.SourceMaxRPM, "INGESTION_SOURCE_MAX_RPM")
	if v := os.Getenv("INGESTION_ASSETS"); v != "" {
		cfg.Ingestion.Assets = splitCSV(v)
	}
	if v := os.Getenv("INGESTION_QUOTES"); v != "" {
		cfg.Ingestion.Quotes = splitCSV(v)
	}
	if v := os.Getenv("INGESTION_SOURCES"); v != "" {
		cfg.Ingestion.Sources = splitCSV(v)
	}
	setInt(&cfg.Query.CacheTTLSec, "CACHE_TTL_SEC")
	setInt(&cfg.Query.MaxPageSize, "MAX_PAGE_SIZE")
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	setInt(&cfg.Redis.DB, "REDIS_DB")
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		var x int
		if _, err := fmt.Sscanf(v, "%d", &x); err == nil {
			*dst = x
		}
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
