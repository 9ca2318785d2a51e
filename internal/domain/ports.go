package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PriceStore is the single source of truth for price observations.
type PriceStore interface {
	// Upsert writes points idempotently on the natural key. Last write wins,
	// keyed by IngestedAt: an incoming row only overwrites when its
	// IngestedAt is not older than the stored one.
	Upsert(ctx context.Context, points []PricePoint) error
	// Query returns one page of points matching the filter, ordered by the
	// full natural key (timestamp ASC, then source, asset, quote), plus the
	// cursor for the next page.
	Query(ctx context.Context, filter QueryFilter, page Page) ([]PricePoint, string, error)
}

// DeadLetterFilter narrows dead-letter listings for operator inspection.
type DeadLetterFilter struct {
	Asset  string
	Quote  string
	Source string
	From   time.Time
	To     time.Time
}

// DeadLetterStore is the append-only log of terminally failed tasks.
type DeadLetterStore interface {
	Append(ctx context.Context, rec DeadLetterRecord) error
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterRecord, error)
	Get(ctx context.Context, id uuid.UUID) (DeadLetterRecord, error)
}

// Cache is a best-effort, disposable store of serialized query results.
// A Cache error never fails the read path; callers degrade to direct
// PriceStore reads.
type Cache interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration, tags []string) error
	InvalidateByTag(ctx context.Context, tags ...string) error
}
