package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QueryFilter is the enumerated set of optional predicates, combined
// conjunctively. Zero values mean "no constraint".
type QueryFilter struct {
	Asset  string
	Quote  string
	Source string
	From   time.Time
	To     time.Time
}

// Page addresses one page of a query result. Cursor is the opaque cursor
// returned by a previous page, empty for the first page.
type Page struct {
	Cursor string
	Size   int
}

// PageResult is one page of price points plus the cursor for the next page,
// empty when the result set is exhausted.
type PageResult struct {
	Points     []PricePoint `json:"points"`
	NextCursor string       `json:"next_cursor"`
}

// TagAll marks cache entries for queries with no predicates; it is invalidated
// on every upsert.
const TagAll = "all"

// Tags returns the invalidation tags for entries caching this filter's
// results. Each present dimension contributes a tag so that any upsert
// touching the dimension value evicts the entry. Over-invalidation is
// accepted; stale-forever is not.
func (f QueryFilter) Tags() []string {
	var tags []string
	if f.Asset != "" {
		tags = append(tags, "asset:"+f.Asset)
	}
	if f.Quote != "" {
		tags = append(tags, "quote:"+f.Quote)
	}
	if f.Source != "" {
		tags = append(tags, "source:"+f.Source)
	}
	if len(tags) == 0 {
		tags = append(tags, TagAll)
	}
	return tags
}

// TagsForPair returns every tag an upsert for the pair must invalidate.
func TagsForPair(p Pair) []string {
	return []string{TagAll, "asset:" + p.Asset, "quote:" + p.Quote, "source:" + p.Source}
}

// Matches reports whether a price point satisfies every set predicate.
func (f QueryFilter) Matches(p PricePoint) bool {
	if f.Asset != "" && p.Asset != f.Asset {
		return false
	}
	if f.Quote != "" && p.Quote != f.Quote {
		return false
	}
	if f.Source != "" && p.Source != f.Source {
		return false
	}
	if !f.From.IsZero() && p.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && p.Timestamp.After(f.To) {
		return false
	}
	return true
}

// CursorKey is the full natural key of the last row a page served. Rows are
// ordered by (Timestamp, Source, Asset, Quote); anything less than the full
// key is not a total order, and a keyset cursor over a partial key would skip
// rows tied on it.
type CursorKey struct {
	Timestamp time.Time
	Source    string
	Asset     string
	Quote     string
}

// KeyOf returns the point's position in the page order.
func KeyOf(p PricePoint) CursorKey {
	return CursorKey{Timestamp: p.Timestamp, Source: p.Source, Asset: p.Asset, Quote: p.Quote}
}

// Less reports whether k orders strictly before other.
func (k CursorKey) Less(other CursorKey) bool {
	if !k.Timestamp.Equal(other.Timestamp) {
		return k.Timestamp.Before(other.Timestamp)
	}
	if k.Source != other.Source {
		return k.Source < other.Source
	}
	if k.Asset != other.Asset {
		return k.Asset < other.Asset
	}
	return k.Quote < other.Quote
}

// EncodeCursor builds the opaque pagination cursor from the last-seen row's
// key, so pages stay correct under concurrent inserts.
func EncodeCursor(k CursorKey) string {
	raw := fmt.Sprintf("%d|%s|%s|%s", k.Timestamp.UTC().Unix(), k.Source, k.Asset, k.Quote)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor. A malformed cursor
// is a ValidationError.
func DecodeCursor(cursor string) (CursorKey, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return CursorKey{}, Validationf("malformed cursor")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return CursorKey{}, Validationf("malformed cursor")
	}
	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return CursorKey{}, Validationf("malformed cursor")
	}
	return CursorKey{
		Timestamp: time.Unix(unix, 0).UTC(),
		Source:    parts[1],
		Asset:     parts[2],
		Quote:     parts[3],
	}, nil
}
