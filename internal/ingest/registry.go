package ingest

import (
	"sync"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
)

// Registry tracks which pairs currently have a task anywhere between enqueue
// and terminal state. The scheduler acquires before enqueueing and the worker
// releases on SUCCEEDED or DEAD_LETTERED, so at most one task per pair is in
// flight regardless of how slow a source is.
type Registry struct {
	mu       sync.Mutex
	inflight map[domain.Pair]struct{}
}

func NewRegistry() *Registry {
	return &Registry{inflight: make(map[domain.Pair]struct{})}
}

// TryAcquire claims the pair. It returns false when a prior task for the
// exact pair has not reached a terminal state yet.
func (r *Registry) TryAcquire(pair domain.Pair) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.inflight[pair]; held {
		return false
	}
	r.inflight[pair] = struct{}{}
	return true
}

// Release frees the pair. Releasing an unheld pair is a no-op.
func (r *Registry) Release(pair domain.Pair) {
	r.mu.Lock()
	delete(r.inflight, pair)
	r.mu.Unlock()
}

// Held reports whether the pair is currently claimed; used by tests.
func (r *Registry) Held(pair domain.Pair) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.inflight[pair]
	return held
}
