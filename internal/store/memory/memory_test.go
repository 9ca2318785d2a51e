package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/store/memory"
)

func point(asset, quote, source string, ts time.Time, price int64) domain.PricePoint {
	return domain.PricePoint{
		Asset:      asset,
		Quote:      quote,
		Source:     source,
		Timestamp:  ts,
		Price:      decimal.NewFromInt(price),
		IngestedAt: ts,
	}
}

func TestUpsertOverwritesSameKey(t *testing.T) {
	t.Parallel()

	// Arrange: two observations for the same (asset, quote, source, ts)
	// key, the second ingested later with a corrected price.
	store := memory.NewPriceStore()
	ts := time.Unix(100, 0).UTC()
	first := point("BTC", "USD", "coingecko", ts, 50000)
	second := first
	second.Price = decimal.NewFromInt(50050)
	second.IngestedAt = ts.Add(time.Minute)

	// Act: ingest both.
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{first}))
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{second}))

	// Assert: exactly one row remains and it carries the later price.
	points, next, err := store.Query(context.Background(), domain.QueryFilter{Asset: "BTC"}, domain.Page{Size: 10})
	require.NoError(t, err)
	require.Empty(t, next)
	require.Len(t, points, 1)
	require.True(t, points[0].Price.Equal(decimal.NewFromInt(50050)))
}

func TestUpsertIgnoresStaleWrite(t *testing.T) {
	t.Parallel()

	// Arrange: a stored row, then a replayed write for the same key whose
	// IngestedAt predates it.
	store := memory.NewPriceStore()
	ts := time.Unix(100, 0).UTC()
	current := point("BTC", "USD", "coingecko", ts, 50050)
	current.IngestedAt = ts.Add(time.Minute)
	stale := point("BTC", "USD", "coingecko", ts, 50000)

	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{current}))
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{stale}))

	// Assert: the older write lost.
	points, _, err := store.Query(context.Background(), domain.QueryFilter{}, domain.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.True(t, points[0].Price.Equal(decimal.NewFromInt(50050)))
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewPriceStore()
	p := point("ETH", "USD", "binance", time.Unix(200, 0).UTC(), 3000)

	// Act: the same batch delivered twice, as an at-least-once queue will.
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{p}))
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{p}))

	points, _, err := store.Query(context.Background(), domain.QueryFilter{}, domain.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, points, 1)
}

func TestQueryPagination(t *testing.T) {
	t.Parallel()

	// Arrange: five ETH observations at distinct timestamps.
	store := memory.NewPriceStore()
	base := time.Unix(1000, 0).UTC()
	for i := 0; i < 5; i++ {
		p := point("ETH", "USD", "coinbase", base.Add(time.Duration(i)*time.Minute), 3000+int64(i))
		require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{p}))
	}

	// Act: first page of two.
	first, cursor, err := store.Query(context.Background(), domain.QueryFilter{Asset: "ETH"}, domain.Page{Size: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, cursor)
	require.True(t, first[0].Timestamp.Equal(base))
	require.True(t, first[1].Timestamp.Equal(base.Add(time.Minute)))

	// Act: second page of three picks up exactly where the first left off.
	second, cursor, err := store.Query(context.Background(), domain.QueryFilter{Asset: "ETH"}, domain.Page{Cursor: cursor, Size: 3})
	require.NoError(t, err)
	require.Len(t, second, 3)
	require.Empty(t, cursor, "exhausted result set should not return a cursor")
	require.True(t, second[0].Timestamp.Equal(base.Add(2*time.Minute)))
	require.True(t, second[2].Timestamp.Equal(base.Add(4*time.Minute)))
}

func TestQueryCursorStableUnderInsert(t *testing.T) {
	t.Parallel()

	// Arrange: three rows, take a page of two.
	store := memory.NewPriceStore()
	base := time.Unix(1000, 0).UTC()
	for i := 0; i < 3; i++ {
		p := point("BTC", "USD", "binance", base.Add(time.Duration(i)*time.Minute), 50000)
		require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{p}))
	}
	first, cursor, err := store.Query(context.Background(), domain.QueryFilter{}, domain.Page{Size: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Act: a new row lands before the page boundary, then the next page is
	// fetched with the old cursor.
	early := point("BTC", "USD", "binance", base.Add(30*time.Second), 50001)
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{early}))
	second, _, err := store.Query(context.Background(), domain.QueryFilter{}, domain.Page{Cursor: cursor, Size: 10})

	// Assert: the keyset cursor neither repeats nor skips rows after the
	// boundary; the early insert is simply not part of this walk.
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.True(t, second[0].Timestamp.Equal(base.Add(2*time.Minute)))
}

func TestQueryPaginatesRowsTiedOnTimestampAndSource(t *testing.T) {
	t.Parallel()

	// Arrange: two rows sharing (timestamp, source) but differing in quote,
	// so only the full natural key tells them apart.
	store := memory.NewPriceStore()
	ts := time.Unix(1000, 0).UTC()
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{
		point("ETH", "USD", "binance", ts, 3000),
		point("ETH", "EUR", "binance", ts, 2800),
	}))

	// Act: walk the ETH rows one per page via the cursor.
	var got []domain.PricePoint
	cursor := ""
	for {
		points, next, err := store.Query(context.Background(),
			domain.QueryFilter{Asset: "ETH"},
			domain.Page{Cursor: cursor, Size: 1})
		require.NoError(t, err)
		got = append(got, points...)
		if next == "" {
			break
		}
		cursor = next
	}

	// Assert: concatenating the pages yields both rows, neither skipped
	// nor repeated.
	require.Len(t, got, 2)
	require.Equal(t, "EUR", got[0].Quote)
	require.Equal(t, "USD", got[1].Quote)
}

func TestQueryOrdersSourcesWithinTimestamp(t *testing.T) {
	t.Parallel()

	store := memory.NewPriceStore()
	ts := time.Unix(500, 0).UTC()
	for _, src := range []string{"coingecko", "binance", "coinbase"} {
		require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{point("BTC", "USD", src, ts, 50000)}))
	}

	points, _, err := store.Query(context.Background(), domain.QueryFilter{}, domain.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, points, 3)
	require.Equal(t, "binance", points[0].Source)
	require.Equal(t, "coinbase", points[1].Source)
	require.Equal(t, "coingecko", points[2].Source)
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	store := memory.NewPriceStore()
	base := time.Unix(1000, 0).UTC()
	require.NoError(t, store.Upsert(context.Background(), []domain.PricePoint{
		point("BTC", "USD", "coingecko", base, 50000),
		point("ETH", "USD", "coingecko", base, 3000),
		point("BTC", "USD", "binance", base.Add(time.Hour), 50100),
	}))

	// Assert: conjunctive predicates narrow the result.
	points, _, err := store.Query(context.Background(),
		domain.QueryFilter{Asset: "BTC", From: base.Add(time.Minute)},
		domain.Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, "binance", points[0].Source)
}

func TestQueryRejectsMalformedCursor(t *testing.T) {
	t.Parallel()

	store := memory.NewPriceStore()

	_, _, err := store.Query(context.Background(), domain.QueryFilter{}, domain.Page{Cursor: "garbage!", Size: 10})
	require.Error(t, err)
	require.True(t, domain.IsValidation(err))
}

func TestDeadLetterStore(t *testing.T) {
	t.Parallel()

	store := memory.NewDeadLetterStore()
	now := time.Now().UTC()
	rec := domain.DeadLetterRecord{
		ID: uuid.New(),
		Task: domain.IngestionTask{
			ID:    uuid.New(),
			Pair:  domain.Pair{Asset: "BTC", Quote: "USD", Source: "binance"},
			State: domain.TaskDeadLettered,
		},
		LastError:    "timeout",
		AttemptCount: 5,
		FailedAt:     now,
	}
	require.NoError(t, store.Append(context.Background(), rec))

	// Assert: lookup by ID round-trips.
	got, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	// Assert: an unknown ID maps to ErrNotFound.
	_, err = store.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Assert: listing filters on the pair dimensions.
	recs, err := store.List(context.Background(), domain.DeadLetterFilter{Source: "binance"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = store.List(context.Background(), domain.DeadLetterFilter{Asset: "ETH"})
	require.NoError(t, err)
	require.Empty(t, recs)
}
