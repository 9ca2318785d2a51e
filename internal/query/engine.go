// Package query resolves filtered, paginated historical price queries
// through the read-through cache.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
)

// Config bounds the read path.
type Config struct {
	CacheTTL    time.Duration
	MaxPageSize int
}

// Engine is the read path: validate, fingerprint, consult the cache, fall
// back to the price store and repopulate. Cache failures degrade to direct
// store reads; identical concurrent misses collapse into one store query.
type Engine struct {
	cfg   Config
	store domain.PriceStore
	cache domain.Cache
	sf    singleflight.Group
	log   zerolog.Logger
}

func New(cfg Config, store domain.PriceStore, cache domain.Cache, log zerolog.Logger) *Engine {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 500
	}
	return &Engine{
		cfg:   cfg,
		store: store,
		cache: cache,
		log:   log.With().Str("component", "query").Logger(),
	}
}

// Execute answers one page of a historical query.
func (e *Engine) Execute(ctx context.Context, filter domain.QueryFilter, page domain.Page) (domain.PageResult, error) {
	if page.Size <= 0 {
		return domain.PageResult{}, domain.Validationf("page size must be positive")
	}
	if page.Size > e.cfg.MaxPageSize {
		return domain.PageResult{}, domain.Validationf("page size %d exceeds maximum %d", page.Size, e.cfg.MaxPageSize)
	}

	fp := Fingerprint(filter, page)

	if b, ok, err := e.cache.Get(ctx, fp); err != nil {
		e.log.Warn().Err(err).Msg("cache read failed, falling through to store")
	} else if ok {
		var res domain.PageResult
		if err := json.Unmarshal(b, &res); err == nil {
			return res, nil
		}
		// Undecodable entries are treated as misses and overwritten below.
		e.log.Warn().Str("fingerprint", fp).Msg("discarding undecodable cache entry")
	}

	v, err, _ := e.sf.Do(fp, func() (any, error) {
		points, next, err := e.store.Query(ctx, filter, page)
		if err != nil {
			return domain.PageResult{}, err
		}
		res := domain.PageResult{Points: points, NextCursor: next}
		if b, err := json.Marshal(res); err == nil {
			if perr := e.cache.Put(ctx, fp, b, e.cfg.CacheTTL, filter.Tags()); perr != nil {
				e.log.Warn().Err(perr).Msg("cache write failed")
			}
		}
		return res, nil
	})
	if err != nil {
		return domain.PageResult{}, err
	}
	return v.(domain.PageResult), nil
}

// Fingerprint canonically identifies a (filter, page) combination.
func Fingerprint(filter domain.QueryFilter, page domain.Page) string {
	var from, to int64
	if !filter.From.IsZero() {
		from = filter.From.UTC().Unix()
	}
	if !filter.To.IsZero() {
		to = filter.To.UTC().Unix()
	}
	raw := fmt.Sprintf("%s|%s|%s|%d|%d|%s|%d",
		filter.Asset, filter.Quote, filter.Source, from, to, page.Cursor, page.Size)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
