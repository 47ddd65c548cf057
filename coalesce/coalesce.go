// Package coalesce deduplicates concurrent fetches of the same key.
//
// A Group guarantees that at most one fetch per key is in flight at any time.
// Callers that ask for a key while a fetch for it is running join that fetch
// and all receive its result, or its error. A fetch is unregistered in the
// same step that delivers its result, so a caller never joins a fetch whose
// result it will not receive, and a caller arriving after that step starts a
// new fetch.
//
// Cancellation is result disregard: a caller whose context ends stops waiting,
// but the fetch keeps running for the benefit of the other callers and of
// whatever the fetch function stores on completion.
package coalesce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// FetchFunc performs the actual fetch. The context it receives carries the
// values of the first caller's context but is not cancelled with it.
type FetchFunc[T any] func(context.Context) (T, error)

// Group coalesces fetches for keys. The zero value is ready to use.
type Group[T any] struct {
	sf singleflight.Group

	mu      sync.Mutex
	pending map[string]int
	started atomic.Uint64
}

// Fetch returns the result of fetching key with fn, joining a fetch for key
// that is already in flight instead of starting another one. The returned
// bool is true if the result was delivered to more than one caller.
//
// If ctx is done before the fetch completes, Fetch returns ctx.Err() and the
// fetch continues in the background.
func (g *Group[T]) Fetch(ctx context.Context, key string, fn FetchFunc[T]) (T, bool, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		g.track(key, true)
		defer g.track(key, false)
		g.started.Add(1)
		return fn(fetchCtx)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		v, ok := res.Val.(T)
		if !ok && res.Val != nil {
			return zero, res.Shared, fmt.Errorf("unexpected fetch result type %T", res.Val)
		}
		return v, res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// InFlight reports whether a fetch for key is running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[key]
	return ok
}

// Pending returns the number of keys with a fetch running.
func (g *Group[T]) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Started returns the number of fetches started since the group was created.
func (g *Group[T]) Started() uint64 {
	return g.started.Load()
}

func (g *Group[T]) track(key string, running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if running {
		if g.pending == nil {
			g.pending = make(map[string]int)
		}
		g.pending[key]++
		return
	}
	if g.pending[key] <= 1 {
		delete(g.pending, key)
		return
	}
	g.pending[key]--
}
