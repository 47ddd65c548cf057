// Package consumer implements a display unit bound to one content section.
//
// A Consumer reads its section from a shared cache and moves through the
// states Uninitialized, Loading, Ready, Empty, and Failed. Once it has data it
// never goes back to showing a loading state on its own; background checks and
// cache changes only ever replace the visible record with a newer one.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/channelqueue"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-sectioncache/apierror"
	"github.com/ipni/go-sectioncache/content/model"
)

var log = logging.Logger("consumer")

var (
	ErrMounted    = errors.New("consumer already mounted")
	ErrNotMounted = errors.New("consumer not mounted")
)

// State is the visible state of a Consumer.
type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Empty
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Empty:
		return "empty"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Snapshot is what a Consumer shows at one point in time.
type Snapshot struct {
	State State
	// Record is the displayed record. It is only set in the Ready state.
	Record *model.Record
	// Err is the cache error that caused the Failed state. It is never
	// displayed as content.
	Err error
	// TimedOut is set when loading took too long and the consumer stopped
	// showing the loading state before the fetch completed.
	TimedOut bool
	// Generation is the cache generation the snapshot was taken at.
	Generation uint64
}

// Source is the part of the shared section cache that a Consumer uses.
type Source interface {
	Cached(section string) *model.Record
	Get(ctx context.Context, section string) *model.Record
	Revalidate(ctx context.Context, section string) *model.Record
	Refresh() bool
	Err() error
	Generation() uint64
	OnChange() (<-chan uint64, context.CancelFunc)
}

// DirectFetcher fetches a section from the content API without the cache.
type DirectFetcher interface {
	GetBySection(ctx context.Context, section string) (*model.Record, error)
}

// Consumer shows one content section.
type Consumer struct {
	section string
	src     Source
	direct  DirectFetcher
	render  func(Snapshot)
	clock   clock.Clock

	jitter           func(time.Duration) time.Duration
	loadTimeout      time.Duration
	maxJitter        time.Duration
	revalidatePeriod time.Duration
	staleAfter       time.Duration

	mutex   sync.Mutex
	epoch   uint64
	mounted bool
	snap    Snapshot
	// fromDirect is true when the displayed record came from a direct fetch
	// and not from the cache.
	fromDirect  bool
	triedDirect bool
	lastFetch   time.Time
	loadTimer   *clock.Timer
	revalTimer  *clock.Timer
	mountCtx    context.Context
	cancel      context.CancelFunc
	unsubscribe context.CancelFunc
	renders     chan<- Snapshot

	tasks sync.WaitGroup
}

// New creates a Consumer for section that reads from src.
func New(section string, src Source, options ...Option) (*Consumer, error) {
	if section == "" {
		return nil, model.ErrNoSection
	}
	if src == nil {
		return nil, errors.New("nil source")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		section: section,
		src:     src,
		direct:  opts.direct,
		render:  opts.render,
		clock:   opts.clock,

		jitter:           opts.jitter,
		loadTimeout:      opts.loadTimeout,
		maxJitter:        opts.maxJitter,
		revalidatePeriod: opts.revalidatePeriod,
		staleAfter:       opts.staleAfter,
	}, nil
}

// Section returns the section this consumer shows.
func (c *Consumer) Section() string {
	return c.section
}

// Mount starts showing the section. If the section is cached it is Ready
// immediately, otherwise it is Loading until the fetch started here settles.
// The consumer follows cache changes until Unmount is called.
//
// The context bounds all work done for this mount.
func (c *Consumer) Mount(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.mounted {
		return ErrMounted
	}
	c.epoch++
	epoch := c.epoch
	c.mounted = true
	c.triedDirect = false
	c.fromDirect = false

	ctx, c.cancel = context.WithCancel(ctx)
	c.mountCtx = ctx
	changes, unsubscribe := c.src.OnChange()
	c.unsubscribe = unsubscribe

	if c.render != nil {
		cq := channelqueue.New[Snapshot](-1)
		c.renders = cq.In()
		go func(out <-chan Snapshot) {
			for snap := range out {
				c.render(snap)
			}
		}(cq.Out())
	}

	if rec := c.src.Cached(c.section); rec != nil {
		c.lastFetch = c.clock.Now()
		c.setLocked(Snapshot{State: Ready, Record: rec})
		c.scheduleRevalidateLocked(epoch)
		log.Debugw("Mounted from cache", "section", c.section, "id", rec.ID)
	} else {
		c.setLocked(Snapshot{State: Loading})
		c.startLoadTimerLocked(epoch)
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			c.load(ctx, epoch, false)
		}()
	}

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		c.watch(ctx, epoch, changes)
	}()
	return nil
}

// Unmount stops showing the section. Results of fetches that are still running
// are ignored, though they may still update the cache.
func (c *Consumer) Unmount() {
	c.mutex.Lock()
	if !c.mounted {
		c.mutex.Unlock()
		return
	}
	c.mounted = false
	c.epoch++
	c.stopTimersLocked()
	c.cancel()
	c.unsubscribe()
	if c.renders != nil {
		close(c.renders)
		c.renders = nil
	}
	c.mutex.Unlock()

	c.tasks.Wait()
	log.Debugw("Unmounted", "section", c.section)
}

// Reload fetches the section again, bypassing the cached copy. It shows the
// loading state only if there is no data to show yet. Reload returns when the
// fetch settles, ctx is done, or the consumer is unmounted.
func (c *Consumer) Reload(ctx context.Context) error {
	c.mutex.Lock()
	if !c.mounted {
		c.mutex.Unlock()
		return ErrNotMounted
	}
	epoch := c.epoch
	mountCtx := c.mountCtx
	if c.snap.Record == nil && c.snap.State != Loading {
		c.setLocked(Snapshot{State: Loading})
		c.startLoadTimerLocked(epoch)
	}
	c.tasks.Add(1)
	c.mutex.Unlock()

	defer c.tasks.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(mountCtx, cancel)
	defer stop()

	c.load(ctx, epoch, true)
	return nil
}

// Snapshot returns what the consumer currently shows.
func (c *Consumer) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.snap
}

// State returns the current visible state.
func (c *Consumer) State() State {
	return c.Snapshot().State
}

// load gets the section from the source, falling back to a single direct
// fetch, and settles the visible state.
func (c *Consumer) load(ctx context.Context, epoch uint64, revalidate bool) {
	var rec *model.Record
	if revalidate {
		rec = c.src.Revalidate(ctx, c.section)
	} else {
		rec = c.src.Get(ctx, c.section)
	}
	storeErr := c.src.Err()

	var directErr error
	var fromDirect bool
	if rec == nil && c.claimDirect(epoch) {
		rec, directErr = c.direct.GetBySection(ctx, c.section)
		if directErr != nil {
			rec = nil
			log.Warnw("Direct fetch failed", "section", c.section, "err", directErr)
		} else if rec != nil {
			fromDirect = true
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.liveLocked(epoch) {
		log.Debugw("Ignoring result for unmounted consumer", "section", c.section)
		return
	}
	c.stopLoadTimerLocked()
	c.lastFetch = c.clock.Now()

	if rec != nil {
		c.fromDirect = fromDirect
		if rec != c.snap.Record || c.snap.State != Ready {
			c.setLocked(Snapshot{State: Ready, Record: rec})
		}
		c.scheduleRevalidateLocked(epoch)
		return
	}

	// Keep showing data that is already here.
	if c.snap.State == Ready {
		return
	}

	if storeErr != nil && !apierror.IsNotFound(directErr) {
		c.setLocked(Snapshot{State: Failed, Err: storeErr})
		return
	}
	c.setLocked(Snapshot{State: Empty})
}

// claimDirect reports whether a direct fetch may be made now, and marks it as
// made for the current mount.
func (c *Consumer) claimDirect(epoch uint64) bool {
	if c.direct == nil {
		return false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.liveLocked(epoch) || c.triedDirect {
		return false
	}
	c.triedDirect = true
	return true
}

func (c *Consumer) watch(ctx context.Context, epoch uint64, changes <-chan uint64) {
	for {
		select {
		case gen, ok := <-changes:
			if !ok {
				return
			}
			c.onGeneration(epoch, gen)
		case <-ctx.Done():
			return
		}
	}
}

// onGeneration re-reads the cache after it changed.
func (c *Consumer) onGeneration(epoch, gen uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.liveLocked(epoch) {
		return
	}

	rec := c.src.Cached(c.section)
	switch {
	case rec != nil:
		if rec == c.snap.Record {
			c.snap.Generation = gen
			return
		}
		c.stopLoadTimerLocked()
		c.lastFetch = c.clock.Now()
		c.fromDirect = false
		c.setLocked(Snapshot{State: Ready, Record: rec})
		c.scheduleRevalidateLocked(epoch)
	case c.snap.State == Ready && !c.fromDirect:
		log.Infow("Section removed from cache", "section", c.section)
		c.setLocked(Snapshot{State: Empty})
	default:
		c.snap.Generation = gen
	}
}

// revalidate is run by the revalidation timer.
func (c *Consumer) revalidate(epoch uint64) {
	c.mutex.Lock()
	if !c.liveLocked(epoch) {
		c.mutex.Unlock()
		return
	}
	c.revalTimer = nil
	age := c.clock.Since(c.lastFetch)
	c.scheduleRevalidateLocked(epoch)
	c.mutex.Unlock()

	if age <= c.staleAfter {
		return
	}
	if !c.src.Refresh() {
		return
	}
	log.Debugw("Requested cache refresh", "section", c.section, "age", age)

	// The accepted refresh reloads every section, this one included.
	c.mutex.Lock()
	if c.liveLocked(epoch) {
		c.lastFetch = c.clock.Now()
	}
	c.mutex.Unlock()
}

func (c *Consumer) scheduleRevalidateLocked(epoch uint64) {
	if c.revalTimer != nil || c.revalidatePeriod == 0 {
		return
	}
	d := c.revalidatePeriod + c.jitter(c.maxJitter)
	c.revalTimer = c.clock.AfterFunc(d, func() {
		c.revalidate(epoch)
	})
}

func (c *Consumer) startLoadTimerLocked(epoch uint64) {
	if c.loadTimeout == 0 || c.loadTimer != nil {
		return
	}
	c.loadTimer = c.clock.AfterFunc(c.loadTimeout, func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		if !c.liveLocked(epoch) {
			return
		}
		c.loadTimer = nil
		if c.snap.State != Loading {
			return
		}
		log.Warnw("Section load timed out", "section", c.section, "timeout", c.loadTimeout)
		c.setLocked(Snapshot{State: Empty, TimedOut: true})
	})
}

func (c *Consumer) stopLoadTimerLocked() {
	if c.loadTimer != nil {
		c.loadTimer.Stop()
		c.loadTimer = nil
	}
}

func (c *Consumer) stopTimersLocked() {
	c.stopLoadTimerLocked()
	if c.revalTimer != nil {
		c.revalTimer.Stop()
		c.revalTimer = nil
	}
}

func (c *Consumer) liveLocked(epoch uint64) bool {
	return c.mounted && c.epoch == epoch
}

// setLocked replaces the visible snapshot and queues it for rendering.
func (c *Consumer) setLocked(snap Snapshot) {
	snap.Generation = c.src.Generation()
	c.snap = snap
	if c.renders != nil {
		c.renders <- snap
	}
}
