// Package ratelimit paces outbound provider calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/marketcore/internal/common"
)

// globalKey is the bucket key for providers not limited per symbol.
const globalKey = "*"

type bucket struct {
	interval *rate.Limiter // min spacing between calls, burst 1
	window   *rate.Limiter // max_requests per window
}

func (b *bucket) wait(ctx context.Context) error {
	if b.interval != nil {
		if err := b.interval.Wait(ctx); err != nil {
			return err
		}
	}
	if b.window != nil {
		if err := b.window.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

type providerState struct {
	cfg          common.RateLimitConfig
	gate         chan struct{} // held while a caller waits for capacity
	buckets      map[string]*bucket
	blockedUntil time.Time
}

// Limiter holds one token bucket per (provider, symbol-or-global) pair.
// Providers without configuration are not limited.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerState
	now       func() time.Time
}

// New creates a limiter from per-provider settings.
func New(cfg map[string]common.RateLimitConfig) *Limiter {
	l := &Limiter{providers: make(map[string]*providerState), now: time.Now}
	for name, c := range cfg {
		l.providers[name] = &providerState{
			cfg:     c,
			gate:    make(chan struct{}, 1),
			buckets: make(map[string]*bucket),
		}
	}
	return l
}

func newBucket(c common.RateLimitConfig) *bucket {
	b := &bucket{}
	if c.MinInterval > 0 {
		b.interval = rate.NewLimiter(rate.Every(c.MinInterval), 1)
	}
	if c.MaxRequests > 0 && c.Window > 0 {
		b.window = rate.NewLimiter(rate.Every(c.Window/time.Duration(c.MaxRequests)), c.MaxRequests)
	}
	return b
}

// Wait blocks until the provider has capacity for a call on symbol, or ctx
// is done. Only one caller per provider waits at a time so concurrent
// callers cannot burst together.
func (l *Limiter) Wait(ctx context.Context, provider, symbol string) error {
	l.mu.Lock()
	ps, ok := l.providers[provider]
	l.mu.Unlock()
	if !ok {
		return ctx.Err()
	}

	select {
	case ps.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ps.gate }()

	l.mu.Lock()
	until := ps.blockedUntil
	key := globalKey
	if ps.cfg.PerSymbol && symbol != "" {
		key = symbol
	}
	b, ok := ps.buckets[key]
	if !ok {
		b = newBucket(ps.cfg)
		ps.buckets[key] = b
	}
	l.mu.Unlock()

	if d := until.Sub(l.now()); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return b.wait(ctx)
}

// Backoff stops all calls to provider for d, used when a provider answers
// with a rate-limit rejection.
func (l *Limiter) Backoff(provider string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.providers[provider]
	if !ok {
		ps = &providerState{gate: make(chan struct{}, 1), buckets: make(map[string]*bucket)}
		l.providers[provider] = ps
	}
	if until := l.now().Add(d); until.After(ps.blockedUntil) {
		ps.blockedUntil = until
	}
}
