// Package ingest contains the ingestion pipeline: the in-process task queue
// with lease semantics, the worker pool that resolves tasks, the per-pair
// in-flight registry and dead-letter replay.
package ingest

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
)

type delayedTask struct {
	task    domain.IngestionTask
	readyAt time.Time
}

type delayedHeap []delayedTask

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(delayedTask)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type lease struct {
	task      domain.IngestionTask
	expiresAt time.Time
}

// Queue is an in-process task queue with at-least-once delivery. A dequeued
// task is leased to exactly one worker; if the worker neither acks nor nacks
// before the lease expires, the task becomes visible again so another worker
// can pick it up.
type Queue struct {
	leaseTTL time.Duration

	mu      sync.Mutex
	ready   []domain.IngestionTask
	delayed delayedHeap
	leased  map[uuid.UUID]lease

	notify chan struct{}
}

func NewQueue(leaseTTL time.Duration) *Queue {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &Queue{
		leaseTTL: leaseTTL,
		leased:   make(map[uuid.UUID]lease),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue makes a task immediately available. Duplicate enqueues for the
// same pair are tolerated; the store's idempotent upsert absorbs them.
func (q *Queue) Enqueue(task domain.IngestionTask) {
	task.State = domain.TaskPending
	q.mu.Lock()
	q.ready = append(q.ready, task)
	q.mu.Unlock()
	q.wake()
}

// Dequeue blocks until a task is available or ctx is done. The returned task
// is leased to the caller and marked RUNNING.
func (q *Queue) Dequeue(ctx context.Context) (domain.IngestionTask, error) {
	for {
		q.mu.Lock()
		now := time.Now()
		q.promoteLocked(now)
		if len(q.ready) > 0 {
			task := q.ready[0]
			q.ready = q.ready[1:]
			task.State = domain.TaskRunning
			q.leased[task.ID] = lease{task: task, expiresAt: now.Add(q.leaseTTL)}
			q.mu.Unlock()
			return task, nil
		}
		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.IngestionTask{}, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack resolves a leased task terminally.
func (q *Queue) Ack(id uuid.UUID) {
	q.mu.Lock()
	delete(q.leased, id)
	q.mu.Unlock()
}

// Nack schedules a retry: the task (with the caller's updated attempt count)
// becomes invisible for delay and then redeliverable.
func (q *Queue) Nack(task domain.IngestionTask, delay time.Duration) {
	task.State = domain.TaskRetryScheduled
	q.mu.Lock()
	delete(q.leased, task.ID)
	heap.Push(&q.delayed, delayedTask{task: task, readyAt: time.Now().Add(delay)})
	q.mu.Unlock()
	q.wake()
}

// Depth reports ready+delayed+leased task counts; used by tests and logging.
func (q *Queue) Depth() (ready, delayed, leased int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed), len(q.leased)
}

// promoteLocked moves due delayed tasks and expired leases back to ready.
func (q *Queue) promoteLocked(now time.Time) {
	for len(q.delayed) > 0 && !q.delayed[0].readyAt.After(now) {
		item := heap.Pop(&q.delayed).(delayedTask)
		item.task.State = domain.TaskPending
		q.ready = append(q.ready, item.task)
	}
	for id, l := range q.leased {
		if l.expiresAt.After(now) {
			continue
		}
		// The owning worker went silent; hand the attempt to someone else.
		delete(q.leased, id)
		task := l.task
		task.State = domain.TaskPending
		q.ready = append(q.ready, task)
	}
}

// nextWakeLocked returns how long Dequeue may sleep before something can
// become ready.
func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	wait := time.Hour
	if len(q.delayed) > 0 {
		if d := q.delayed[0].readyAt.Sub(now); d < wait {
			wait = d
		}
	}
	for _, l := range q.leased {
		if d := l.expiresAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
