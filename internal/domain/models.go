// Package domain holds the core types shared by the ingestion pipeline,
// the stores and the query path.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PricePoint is a single observed price fact. The natural key is
// (Asset, Quote, Source, Timestamp); re-ingesting the same key overwrites the
// stored price when the new IngestedAt is not older, never creates a second row.
type PricePoint struct {
	Asset      string          `json:"asset"`
	Quote      string          `json:"quote"`
	Source     string          `json:"source"`
	Timestamp  time.Time       `json:"timestamp"` // UTC, second precision
	Price      decimal.Decimal `json:"price"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// Normalize truncates the observation timestamp to second precision in UTC.
func (p PricePoint) Normalize() PricePoint {
	p.Timestamp = p.Timestamp.UTC().Truncate(time.Second)
	p.IngestedAt = p.IngestedAt.UTC()
	return p
}

// Pair identifies one scheduled fetch target.
type Pair struct {
	Asset  string `json:"asset"`
	Quote  string `json:"quote"`
	Source string `json:"source"`
}

func (p Pair) String() string {
	return p.Asset + "/" + p.Quote + "@" + p.Source
}

// TaskState is the lifecycle state of an IngestionTask.
type TaskState string

const (
	TaskPending        TaskState = "PENDING"
	TaskRunning        TaskState = "RUNNING"
	TaskSucceeded      TaskState = "SUCCEEDED"
	TaskRetryScheduled TaskState = "RETRY_SCHEDULED"
	TaskDeadLettered   TaskState = "DEAD_LETTERED"
)

// IngestionTask is one unit of scheduled fetch work. A task is owned by a
// single worker for the duration of an attempt; ownership is established at
// dequeue and released by ack or lease expiry.
type IngestionTask struct {
	ID           uuid.UUID `json:"id"`
	Pair         Pair      `json:"pair"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	AttemptCount int       `json:"attempt_count"`
	State        TaskState `json:"state"`
}

// NewIngestionTask creates a fresh PENDING task for a pair.
func NewIngestionTask(pair Pair, now time.Time) IngestionTask {
	return IngestionTask{
		ID:          uuid.New(),
		Pair:        pair,
		ScheduledAt: now.UTC(),
		State:       TaskPending,
	}
}

// DeadLetterRecord is the terminal failure artifact of a task that exhausted
// its retries or failed permanently. Records are immutable; replay creates a
// brand-new task and leaves the record in place as an audit trail.
type DeadLetterRecord struct {
	ID           uuid.UUID     `json:"id"`
	Task         IngestionTask `json:"task"`
	LastError    string        `json:"last_error"`
	AttemptCount int           `json:"attempt_count"`
	FailedAt     time.Time     `json:"failed_at"`
}
