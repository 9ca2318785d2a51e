// Package ratelimit gates calls to a Source so the upstream API's request
// budget is respected.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/domain"
	"github.com/rifqiadlanapriyadi/crypto-aggregator/internal/source"
)

// TokenBucket is a stdlib-only token bucket limiter.
// rate is tokens per second, capacity the maximum burst.
type TokenBucket struct {
	rate     float64
	capacity float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func NewTokenBucket(tokensPerSecond float64, burst int) *TokenBucket {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 0.0000001
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:     tokensPerSecond,
		capacity: float64(burst),
		tokens:   float64(burst), // start full to allow an initial burst
		last:     time.Now(),
	}
}

// wait blocks until one token is available or the context is canceled.
func (tb *TokenBucket) wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.last).Seconds()
		if elapsed > 0 {
			tb.tokens += elapsed * tb.rate
			if tb.tokens > tb.capacity {
				tb.tokens = tb.capacity
			}
			tb.last = now
		}
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		deficit := 1 - tb.tokens
		tb.mu.Unlock()

		waitDur := time.Duration(deficit / tb.rate * float64(time.Second))
		if waitDur <= 0 {
			waitDur = time.Millisecond
		}
		timer := time.NewTimer(waitDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Source wraps a source.Source and gates every fetch through a token bucket.
type Source struct {
	S  source.Source
	TB *TokenBucket
}

func (r *Source) Name() string { return r.S.Name() }

func (r *Source) FetchPrices(ctx context.Context, asset, quote string) ([]domain.PricePoint, error) {
	if r.TB != nil {
		if err := r.TB.wait(ctx); err != nil {
			return nil, err
		}
	}
	return r.S.FetchPrices(ctx, asset, quote)
}
