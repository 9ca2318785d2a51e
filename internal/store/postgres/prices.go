package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
)

// PriceStore implements domain.PriceStore on the price_points table.
type PriceStore struct {
	pool *pgxpool.Pool
}

const upsertSQL = `
INSERT INTO price_points (asset, quote, source, ts, price, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (asset, quote, source, ts) DO UPDATE SET
	price = EXCLUDED.price,
	ingested_at = EXCLUDED.ingested_at
WHERE EXCLUDED.ingested_at >= price_points.ingested_at
`

// Upsert writes points in one transaction. Last write wins per natural key;
// the WHERE clause keeps a newer correction from being clobbered by a late
// arrival with an older ingested_at.
func (s *PriceStore) Upsert(ctx context.Context, points []domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range points {
		p = p.Normalize()
		if _, err := tx.Exec(ctx, upsertSQL,
			p.Asset, p.Quote, p.Source, p.Timestamp, p.Price, p.IngestedAt); err != nil {
			return fmt.Errorf("upsert %s: %w", p.Asset, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Query builds the conjunctive filter and pages by keyset on the full
// natural key (ts, source, asset, quote).
func (s *PriceStore) Query(ctx context.Context, filter domain.QueryFilter, page domain.Page) ([]domain.PricePoint, string, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Asset != "" {
		conds = append(conds, "asset = "+arg(filter.Asset))
	}
	if filter.Quote != "" {
		conds = append(conds, "quote = "+arg(filter.Quote))
	}
	if filter.Source != "" {
		conds = append(conds, "source = "+arg(filter.Source))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "ts >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "ts <= "+arg(filter.To.UTC()))
	}
	if page.Cursor != "" {
		after, err := domain.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
		// Keyset over the full natural key; anything shorter would skip
		// rows tied on the truncated prefix.
		conds = append(conds, fmt.Sprintf("(ts, source, asset, quote) > (%s, %s, %s, %s)",
			arg(after.Timestamp), arg(after.Source), arg(after.Asset), arg(after.Quote)))
	}

	q := `SELECT asset, quote, source, ts, price::text, ingested_at FROM price_points`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts ASC, source ASC, asset ASC, quote ASC"
	size := page.Size
	if size > 0 {
		// one extra row tells us whether a next page exists
		q += " LIMIT " + arg(size+1)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		var priceText string
		var ts, ingestedAt time.Time
		if err := rows.Scan(&p.Asset, &p.Quote, &p.Source, &ts, &priceText, &ingestedAt); err != nil {
			return nil, "", fmt.Errorf("scan price row: %w", err)
		}
		p.Timestamp = ts.UTC()
		p.IngestedAt = ingestedAt.UTC()
		p.Price, err = decimal.NewFromString(priceText)
		if err != nil {
			return nil, "", fmt.Errorf("parse stored price %q: %w", priceText, err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate price rows: %w", err)
	}

	next := ""
	if size > 0 && len(points) > size {
		points = points[:size]
		next = domain.EncodeCursor(domain.KeyOf(points[size-1]))
	}
	return points, next, nil
}
