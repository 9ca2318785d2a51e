// Package memory provides in-memory PriceStore and DeadLetterStore
// implementations, used when Postgres is not configured and by tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
)

type rowKey struct {
	asset  string
	quote  string
	source string
	ts     int64
}

func keyOf(p domain.PricePoint) rowKey {
	return rowKey{asset: p.Asset, quote: p.Quote, source: p.Source, ts: p.Timestamp.Unix()}
}

// PriceStore keeps price points in a map keyed by the natural key.
type PriceStore struct {
	mu   sync.RWMutex
	rows map[rowKey]domain.PricePoint
}

func NewPriceStore() *PriceStore {
	return &PriceStore{rows: make(map[rowKey]domain.PricePoint)}
}

// Upsert applies last-write-wins per natural key, keyed by IngestedAt: an
// incoming row older than the stored one is ignored.
func (s *PriceStore) Upsert(_ context.Context, points []domain.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		p = p.Normalize()
		k := keyOf(p)
		if prev, ok := s.rows[k]; ok && p.IngestedAt.Before(prev.IngestedAt) {
			continue
		}
		s.rows[k] = p
	}
	return nil
}

// Query filters, orders by the full natural key and pages with the opaque
// keyset cursor.
func (s *PriceStore) Query(_ context.Context, filter domain.QueryFilter, page domain.Page) ([]domain.PricePoint, string, error) {
	var after domain.CursorKey
	if page.Cursor != "" {
		var err error
		after, err = domain.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
	}

	s.mu.RLock()
	matched := make([]domain.PricePoint, 0, len(s.rows))
	for _, p := range s.rows {
		if filter.Matches(p) {
			matched = append(matched, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return domain.KeyOf(matched[i]).Less(domain.KeyOf(matched[j]))
	})

	if page.Cursor != "" {
		cut := sort.Search(len(matched), func(i int) bool {
			return after.Less(domain.KeyOf(matched[i]))
		})
		matched = matched[cut:]
	}

	size := page.Size
	if size <= 0 || size > len(matched) {
		size = len(matched)
	}
	out := matched[:size]

	next := ""
	if len(matched) > size && size > 0 {
		next = domain.EncodeCursor(domain.KeyOf(out[size-1]))
	}
	return out, next, nil
}

// DeadLetterStore is an append-only in-memory dead-letter log.
type DeadLetterStore struct {
	mu   sync.RWMutex
	recs []domain.DeadLetterRecord
	byID map[uuid.UUID]int
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{byID: make(map[uuid.UUID]int)}
}

func (s *DeadLetterStore) Append(_ context.Context, rec domain.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.ID] = len(s.recs)
	s.recs = append(s.recs, rec)
	return nil
}

func (s *DeadLetterStore) List(_ context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeadLetterRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		pair := rec.Task.Pair
		if filter.Asset != "" && pair.Asset != filter.Asset {
			continue
		}
		if filter.Quote != "" && pair.Quote != filter.Quote {
			continue
		}
		if filter.Source != "" && pair.Source != filter.Source {
			continue
		}
		if !filter.From.IsZero() && rec.FailedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.FailedAt.After(filter.To) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *DeadLetterStore) Get(_ context.Context, id uuid.UUID) (domain.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return domain.DeadLetterRecord{}, domain.ErrNotFound
	}
	return s.recs[i], nil
}
