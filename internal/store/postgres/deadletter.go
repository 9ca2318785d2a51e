package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
)

// DeadLetterStore implements domain.DeadLetterStore on the dead_letters
// table. Rows are only ever inserted; replay happens in the pipeline and
// never touches the record.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

func (s *DeadLetterStore) Append(ctx context.Context, rec domain.DeadLetterRecord) error {
	const q = `
INSERT INTO dead_letters
	(id, task_id, asset, quote, source, scheduled_at, attempt_count, last_error, failed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.Task.ID,
		rec.Task.Pair.Asset, rec.Task.Pair.Quote, rec.Task.Pair.Source,
		rec.Task.ScheduledAt, rec.AttemptCount, rec.LastError, rec.FailedAt)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterRecord, error) {
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
		conds = append(conds, "failed_at >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "failed_at <= "+arg(filter.To.UTC()))
	}

	q := `SELECT id, task_id, asset, quote, source, scheduled_at, attempt_count, last_error, failed_at
FROM dead_letters`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY failed_at ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (domain.DeadLetterRecord, error) {
	const q = `SELECT id, task_id, asset, quote, source, scheduled_at, attempt_count, last_error, failed_at
FROM dead_letters WHERE id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return domain.DeadLetterRecord{}, fmt.Errorf("get dead letter: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.DeadLetterRecord{}, fmt.Errorf("get dead letter: %w", err)
		}
		return domain.DeadLetterRecord{}, domain.ErrNotFound
	}
	return scanDeadLetter(rows)
}

func scanDeadLetter(rows pgx.Rows) (domain.DeadLetterRecord, error) {
	var rec domain.DeadLetterRecord
	var scheduledAt, failedAt time.Time
	if err := rows.Scan(&rec.ID, &rec.Task.ID,
		&rec.Task.Pair.Asset, &rec.Task.Pair.Quote, &rec.Task.Pair.Source,
		&scheduledAt, &rec.AttemptCount, &rec.LastError, &failedAt); err != nil {
		return domain.DeadLetterRecord{}, fmt.Errorf("scan dead letter: %w", err)
	}
	rec.Task.ScheduledAt = scheduledAt.UTC()
	rec.Task.AttemptCount = rec.AttemptCount
	rec.Task.State = domain.TaskDeadLettered
	rec.FailedAt = failedAt.UTC()
	return rec, nil
}
