// Package refresh coordinates cache-wide refreshes requested by many
// independent callers.
//
// A Coordinator is a debounce: a refresh request is accepted only if the
// cooldown has passed since the last accepted one. It does not fetch anything
// itself; the caller that gets an accepted request does the work. The
// Coordinator also owns the cache generation, a counter that increases every
// time cached data is invalidated or changed, and notifies subscribers of each
// new generation.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/channelqueue"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("refresh")

// DefaultCooldown is the minimum time between two accepted refreshes.
const DefaultCooldown = 10 * time.Second

// Coordinator rate-limits refreshes and tracks the cache generation.
type Coordinator struct {
	cooldown time.Duration

	mutex         sync.Mutex
	generation    uint64
	lastRefreshAt time.Time
	subs          map[chan<- uint64]struct{}
	closed        bool
}

// New creates a Coordinator.
func New(options ...Option) (*Coordinator, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cooldown: opts.cooldown,
		subs:     make(map[chan<- uint64]struct{}),
	}, nil
}

// RequestRefresh asks to refresh at time now. If less than the cooldown has
// passed since the last accepted refresh, the request is rejected and nothing
// changes. Otherwise the refresh time is recorded, the generation is
// incremented, and the request is accepted. The current generation is
// returned either way.
func (c *Coordinator) RequestRefresh(now time.Time) (bool, uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.lastRefreshAt.IsZero() && now.Sub(c.lastRefreshAt) < c.cooldown {
		log.Debugw("Refresh throttled", "since_last", now.Sub(c.lastRefreshAt), "cooldown", c.cooldown)
		return false, c.generation
	}
	c.lastRefreshAt = now
	c.generation++
	c.notify()
	return true, c.generation
}

// Bump increments the generation and returns the new value.
func (c *Coordinator) Bump() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.generation++
	c.notify()
	return c.generation
}

// Generation returns the current generation.
func (c *Coordinator) Generation() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.generation
}

// LastRefreshAt returns the time of the last accepted refresh, or the zero
// time if there has been none.
func (c *Coordinator) LastRefreshAt() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastRefreshAt
}

// Subscribe returns a channel that receives every new generation, in order.
// The channel is unbounded, so a slow reader never blocks the Coordinator.
//
// Calling the returned cancel function stops notifications and closes the
// channel after any queued generations are read.
func (c *Coordinator) Subscribe() (<-chan uint64, context.CancelFunc) {
	cq := channelqueue.New[uint64](-1)
	in := cq.In()

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		close(in)
		return cq.Out(), func() {}
	}
	c.subs[in] = struct{}{}
	c.mutex.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			if _, ok := c.subs[in]; ok {
				delete(c.subs, in)
				close(in)
			}
		})
	}
	return cq.Out(), cancel
}

// Close closes all subscription channels. Generations still change after
// Close, but nobody is notified.
func (c *Coordinator) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for in := range c.subs {
		close(in)
	}
	c.subs = nil
}

// notify must be called with the mutex held.
func (c *Coordinator) notify() {
	for in := range c.subs {
		in <- c.generation
	}
}
