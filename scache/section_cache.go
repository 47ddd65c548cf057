package scache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-sectioncache/apierror"
	"github.com/ipni/go-sectioncache/coalesce"
	"github.com/ipni/go-sectioncache/content/client"
	"github.com/ipni/go-sectioncache/content/model"
	"github.com/ipni/go-sectioncache/refresh"
)

var log = logging.Logger("scache")

var ErrClosed = errors.New("cache closed")

// listingKey is the coalescer key for full listing loads. It cannot collide
// with a section key since sections are never empty.
const listingKey = ""

// SectionCache is a lock-free content section cache for high-performance
// concurrent reads.
type SectionCache struct {
	read  atomic.Pointer[readOnly]
	api   client.Interface
	coord *refresh.Coordinator
	clock clock.Clock

	fetchTimeout time.Duration
	records      coalesce.Group[*model.Record]
	listing      coalesce.Group[int]

	// write holds the authoritative cache contents. It is only accessed while
	// holding writeLock.
	write     map[string]*model.Record
	writeLock chan struct{}

	loading atomic.Int32
	errMu   sync.Mutex
	err     error

	closeMu sync.Mutex
	closed  bool
	bgWait  sync.WaitGroup
}

// readOnly is an immutable struct stored atomically in the cache read field.
// It contains two maps of section to record. The m map is the main cache data
// and the u map contains updates that have not yet been moved into the main
// map. A nil record in u means the section was removed. The reason for the u
// map is so that a small number of updates do not cause the entire main map
// to be regenerated.
type readOnly struct {
	m map[string]*model.Record
	u map[string]*model.Record
}

// New creates a new section cache that gets its data from api.
func New(api client.Interface, options ...Option) (*SectionCache, error) {
	if api == nil {
		return nil, errors.New("no content api")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	coord, err := refresh.New(refresh.WithCooldown(opts.cooldown))
	if err != nil {
		return nil, err
	}

	c := &SectionCache{
		api:          api,
		coord:        coord,
		clock:        opts.clock,
		fetchTimeout: opts.fetchTimeout,

		write:     make(map[string]*model.Record),
		writeLock: make(chan struct{}, 1),
	}

	if opts.preload {
		if err = c.LoadAll(context.Background()); err != nil {
			log.Errorw("Cannot preload content", "err", err)
		}
	}

	return c, nil
}

// LoadAll fetches the full content listing and replaces the cache contents
// with it. Sections that are not in the listing are removed. Records that did
// not change keep their cached object. If the listing cannot be fetched, the
// cache is left as it was and the cache error is set.
//
// Concurrent calls share one listing fetch.
func (c *SectionCache) LoadAll(ctx context.Context) error {
	_, _, err := c.listing.Fetch(ctx, listingKey, func(fctx context.Context) (int, error) {
		fctx, cancel := context.WithTimeout(fctx, c.fetchTimeout)
		defer cancel()
		return c.loadAll(fctx)
	})
	return err
}

func (c *SectionCache) loadAll(ctx context.Context) (int, error) {
	c.loading.Add(1)
	defer c.loading.Add(-1)

	recs, err := c.api.GetAll(ctx)
	if err != nil {
		log.Errorw("Cannot fetch content listing", "err", err)
		c.setErr(err)
		return 0, fmt.Errorf("cannot load content: %w", err)
	}

	c.writeLock <- struct{}{}
	defer func() {
		<-c.writeLock
	}()

	next := make(map[string]*model.Record, len(recs))
	var changed bool
	for _, rec := range recs {
		old, ok := c.write[rec.Section]
		if ok && model.Same(old, rec) {
			next[rec.Section] = old
			continue
		}
		next[rec.Section] = rec
		changed = true
	}
	if len(next) != len(c.write) {
		changed = true
	}
	c.write = next
	c.setErr(nil)

	if !changed {
		log.Debugw("Content listing unchanged", "sections", len(next))
		return len(next), nil
	}

	m := make(map[string]*model.Record, len(next))
	for section, rec := range next {
		m[section] = rec
	}
	c.read.Store(&readOnly{m: m})
	gen := c.coord.Bump()
	log.Infow("Loaded content listing", "sections", len(next), "generation", gen)
	return len(next), nil
}

// Get returns the record for section. A cached record is returned without any
// network request. Otherwise the section is fetched, and concurrent callers
// for the same section share that fetch. If the fetch fails, then the cached
// record is returned if there is one, otherwise nil.
func (c *SectionCache) Get(ctx context.Context, section string) *model.Record {
	if rec := c.Cached(section); rec != nil {
		return rec
	}
	return c.fetch(ctx, section)
}

// Revalidate fetches section even if it is cached. If the fetched record is
// the same version as the cached one, the cached record is returned and the
// cache does not change.
func (c *SectionCache) Revalidate(ctx context.Context, section string) *model.Record {
	return c.fetch(ctx, section)
}

// Cached returns the cached record for section, or nil if there is none. It
// never makes a network request.
//
// Do not modify the returned record.
func (c *SectionCache) Cached(section string) *model.Record {
	read := c.loadReadOnly()
	rec, ok := read.u[section]
	if !ok {
		rec = read.m[section]
	}
	return rec
}

// Put writes rec to the content API and then stores the written record in the
// cache.
func (c *SectionCache) Put(ctx context.Context, rec *model.Record) (*model.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	stored, err := c.api.CreateOrUpdate(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("cannot write section %q: %w", rec.Section, err)
	}
	if stored.Section != rec.Section {
		cp := *stored
		cp.Section = rec.Section
		stored = &cp
	}

	c.writeLock <- struct{}{}
	defer func() {
		<-c.writeLock
	}()
	c.write[stored.Section] = stored
	c.publish(stored.Section, stored)
	gen := c.coord.Bump()
	log.Infow("Stored section", "section", stored.Section, "id", stored.ID, "generation", gen)
	return stored, nil
}

// Delete removes section from the content API and then from the cache. If the
// content API does not have the section, it is still removed from the cache
// and the not-found error is returned.
func (c *SectionCache) Delete(ctx context.Context, section string) error {
	if section == "" {
		return model.ErrNoSection
	}
	err := c.api.Delete(ctx, section)
	if err != nil && !apierror.IsNotFound(err) {
		return fmt.Errorf("cannot delete section %q: %w", section, err)
	}

	c.writeLock <- struct{}{}
	defer func() {
		<-c.writeLock
	}()
	if _, ok := c.write[section]; ok {
		delete(c.write, section)
		c.publish(section, nil)
		gen := c.coord.Bump()
		log.Infow("Deleted section", "section", section, "generation", gen)
	}
	if err != nil {
		return fmt.Errorf("cannot delete section %q: %w", section, err)
	}
	return nil
}

// Refresh requests a cache-wide refresh. If the request is accepted by the
// refresh cooldown, the content listing is reloaded in the background and
// true is returned. If the request is throttled, false is returned.
func (c *SectionCache) Refresh() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}

	ok, gen := c.coord.RequestRefresh(c.clock.Now())
	if !ok {
		return false
	}
	log.Debugw("Refresh accepted", "generation", gen)

	c.bgWait.Add(1)
	go func() {
		defer c.bgWait.Done()
		if err := c.LoadAll(context.Background()); err != nil {
			log.Errorw("Background refresh failed", "err", err)
		}
	}()
	return true
}

// List returns all cached records sorted by section.
func (c *SectionCache) List() []*model.Record {
	read := c.loadReadOnly()
	size := len(read.m) + len(read.u)
	if size == 0 {
		return nil
	}
	m := make(map[string]*model.Record, size)
	for section, rec := range read.m {
		m[section] = rec
	}
	for section, rec := range read.u {
		if rec != nil {
			m[section] = rec
		} else {
			// Removed section; remove from output.
			delete(m, section)
		}
	}
	recs := make([]*model.Record, 0, len(m))
	for _, rec := range m {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Section < recs[j].Section
	})
	return recs
}

// Len returns the number of cached sections.
func (c *SectionCache) Len() int {
	return len(c.List())
}

// Loading reports whether any fetch is in progress.
func (c *SectionCache) Loading() bool {
	return c.loading.Load() != 0
}

// Err returns the error from the last fetch that failed with nothing to fall
// back to. It is cleared by the next successful fetch.
func (c *SectionCache) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Generation returns the current cache generation.
func (c *SectionCache) Generation() uint64 {
	return c.coord.Generation()
}

// OnChange returns a channel that receives each new cache generation. Call the
// returned cancel function when done.
func (c *SectionCache) OnChange() (<-chan uint64, context.CancelFunc) {
	return c.coord.Subscribe()
}

// Close stops accepting refresh requests, waits for background refreshes to
// finish, and closes all change subscriptions.
func (c *SectionCache) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.closeMu.Unlock()

	c.bgWait.Wait()
	c.coord.Close()
	return nil
}

// fetch gets section from the content API through the coalescer.
func (c *SectionCache) fetch(ctx context.Context, section string) *model.Record {
	if section == "" {
		return nil
	}
	rec, shared, err := c.records.Fetch(ctx, section, func(fctx context.Context) (*model.Record, error) {
		fctx, cancel := context.WithTimeout(fctx, c.fetchTimeout)
		defer cancel()

		c.loading.Add(1)
		defer c.loading.Add(-1)

		fetched, err := c.api.GetBySection(fctx, section)
		if err != nil {
			return nil, err
		}
		return c.apply(section, fetched), nil
	})
	if err == nil {
		c.setErr(nil)
		log.Debugw("Fetched section", "section", section, "shared", shared)
		return rec
	}

	if cached := c.Cached(section); cached != nil {
		log.Warnw("Cannot fetch section, using cached record", "section", section, "err", err)
		return cached
	}
	switch {
	case apierror.IsNotFound(err):
		log.Debugw("Section not found", "section", section)
	case ctx.Err() != nil:
		// Caller gave up waiting; the fetch may still complete.
	default:
		log.Errorw("Cannot fetch section", "section", section, "err", err)
		c.setErr(err)
	}
	return nil
}

// apply stores a fetched record if it differs from the cached one, and
// returns the record that is cached afterwards.
func (c *SectionCache) apply(section string, fetched *model.Record) *model.Record {
	if fetched.Section != section {
		cp := *fetched
		cp.Section = section
		fetched = &cp
	}

	c.writeLock <- struct{}{}
	defer func() {
		<-c.writeLock
	}()

	old := c.write[section]
	if model.Same(old, fetched) {
		return old
	}
	c.write[section] = fetched
	c.publish(section, fetched)
	gen := c.coord.Bump()
	log.Debugw("Updated section", "section", section, "id", fetched.ID, "generation", gen)
	return fetched
}

// publish adds an update for section to the read-only view, merging the
// updates into the main map when needed. A nil record removes the section.
// It must be called while holding the write lock, after c.write is updated.
func (c *SectionCache) publish(section string, rec *model.Record) {
	read := c.loadReadOnly()

	// Shallow-copy update map.
	updates := make(map[string]*model.Record, len(read.u)+1)
	for s, r := range read.u {
		updates[s] = r
	}
	updates[section] = rec

	// If the update map is small relative to the main map, do not generate a
	// new main map yet.
	if !needMerge(len(updates), len(read.m)) {
		c.read.Store(&readOnly{m: read.m, u: updates})
		return
	}

	// Generate main map.
	m := make(map[string]*model.Record, len(c.write))
	for s, r := range c.write {
		m[s] = r
	}

	// Replace old readOnly map with new.
	c.read.Store(&readOnly{m: m})
}

func (c *SectionCache) loadReadOnly() readOnly {
	if p := c.read.Load(); p != nil {
		return *p
	}
	return readOnly{}
}

func (c *SectionCache) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// needMerge returns true if update set u should be merged into main set m, to
// maintain the lowest overall cost of applying cache updates. The optimal time
// to merge is when the sum(1..len(u)) > len(m). This is when the cumulative
// cost of iterating u exceeds the cost of iterating m.
func needMerge(u, m int) bool {
	return u*(u+1) > m*2
}
