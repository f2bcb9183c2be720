package fetcher

import (
	"context"
	"sync"
)

// assetLocks serialises work per asset. Acquire honours ctx so a caller
// queued behind a slow refresh can give up.
type assetLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newAssetLocks() *assetLocks {
	return &assetLocks{locks: make(map[string]chan struct{})}
}

func (l *assetLocks) acquire(ctx context.Context, assetID string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[assetID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[assetID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
