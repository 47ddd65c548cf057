package consumer_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-sectioncache/apierror"
	"github.com/ipni/go-sectioncache/consumer"
	"github.com/ipni/go-sectioncache/content/client"
	"github.com/ipni/go-sectioncache/content/model"
	"github.com/ipni/go-sectioncache/refresh"
	"github.com/ipni/go-sectioncache/scache"
	"github.com/ipni/go-sectioncache/test"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

// fakeSource is a minimal in-memory section cache.
type fakeSource struct {
	coord *refresh.Coordinator

	mu    sync.Mutex
	recs  map[string]*model.Record
	fetch map[string]*model.Record
	err   error
	gate  chan struct{}

	callGet        atomic.Int32
	callRevalidate atomic.Int32
	callRefresh    atomic.Int32
}

func newFakeSource(t *testing.T) *fakeSource {
	coord, err := refresh.New()
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return &fakeSource{
		coord: coord,
		recs:  make(map[string]*model.Record),
		fetch: make(map[string]*model.Record),
	}
}

// put stores rec in the cache and announces a new generation.
func (s *fakeSource) put(rec *model.Record) {
	s.mu.Lock()
	s.recs[rec.Section] = rec
	s.mu.Unlock()
	s.coord.Bump()
}

func (s *fakeSource) remove(section string) {
	s.mu.Lock()
	delete(s.recs, section)
	s.mu.Unlock()
	s.coord.Bump()
}

// serve sets what a fetch of rec.Section returns.
func (s *fakeSource) serve(rec *model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetch[rec.Section] = rec
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSource) hold() func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *fakeSource) Cached(section string) *model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[section]
}

func (s *fakeSource) Get(ctx context.Context, section string) *model.Record {
	s.callGet.Add(1)
	if rec := s.Cached(section); rec != nil {
		return rec
	}
	return s.doFetch(ctx, section)
}

func (s *fakeSource) Revalidate(ctx context.Context, section string) *model.Record {
	s.callRevalidate.Add(1)
	return s.doFetch(ctx, section)
}

func (s *fakeSource) doFetch(ctx context.Context, section string) *model.Record {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return s.Cached(section)
		}
	}

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.Cached(section)
	}
	rec := s.fetch[section]
	if rec == nil || rec == s.recs[section] {
		s.mu.Unlock()
		return rec
	}
	s.recs[section] = rec
	s.mu.Unlock()
	s.coord.Bump()
	return rec
}

func (s *fakeSource) Refresh() bool {
	s.callRefresh.Add(1)
	return true
}

func (s *fakeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSource) Generation() uint64 {
	return s.coord.Generation()
}

func (s *fakeSource) OnChange() (<-chan uint64, context.CancelFunc) {
	return s.coord.Subscribe()
}

type fakeDirect struct {
	rec   *model.Record
	err   error
	calls atomic.Int32
}

func (d *fakeDirect) GetBySection(ctx context.Context, section string) (*model.Record, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	if d.rec == nil {
		return nil, apierror.New(errors.New("not found"), http.StatusNotFound)
	}
	return d.rec, nil
}

// recorder collects rendered snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []consumer.Snapshot
}

func (r *recorder) render(snap consumer.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() consumer.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return consumer.Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) states() []consumer.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]consumer.State, len(r.snaps))
	for i, snap := range r.snaps {
		states[i] = snap.State
	}
	return states
}

func hero() *model.Record {
	return &model.Record{Section: "hero", ID: "abc", Title: "Welcome", Content: "hi"}
}

func waitState(t *testing.T, c *consumer.Consumer, state consumer.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == state }, 2*time.Second, time.Millisecond,
		"expected state %s, have %s", state, c.State())
}

func TestNewErrors(t *testing.T) {
	src := newFakeSource(t)
	_, err := consumer.New("", src)
	require.ErrorIs(t, err, model.ErrNoSection)

	_, err = consumer.New("hero", nil)
	require.Error(t, err)

	_, err = consumer.New("hero", src, consumer.WithLoadTimeout(-1))
	require.ErrorContains(t, err, "option 0 failed")

	_, err = consumer.New("hero", src, consumer.WithRevalidatePeriod(time.Minute), consumer.WithJitterFunc(nil))
	require.ErrorContains(t, err, "option 1 failed")
}

func TestStateString(t *testing.T) {
	require.Equal(t, "uninitialized", consumer.Uninitialized.String())
	require.Equal(t, "loading", consumer.Loading.String())
	require.Equal(t, "ready", consumer.Ready.String())
	require.Equal(t, "empty", consumer.Empty.String())
	require.Equal(t, "failed", consumer.Failed.String())
	require.Equal(t, "unknown", consumer.State(99).String())
}

func TestMountCached(t *testing.T) {
	src := newFakeSource(t)
	rec := hero()
	src.put(rec)
	var r recorder

	c, err := consumer.New("hero", src, consumer.WithRenderFunc(r.render))
	require.NoError(t, err)
	require.Equal(t, consumer.Uninitialized, c.State())

	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	require.ErrorIs(t, c.Mount(context.Background()), consumer.ErrMounted)

	snap := c.Snapshot()
	require.Equal(t, consumer.Ready, snap.State)
	require.Same(t, rec, snap.Record)
	require.Equal(t, uint64(1), snap.Generation)
	require.Zero(t, src.callGet.Load())

	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []consumer.State{consumer.Ready}, r.states())
}

func TestMountLoads(t *testing.T) {
	src := newFakeSource(t)
	src.serve(hero())
	var r recorder

	c, err := consumer.New("hero", src, consumer.WithRenderFunc(r.render))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	waitState(t, c, consumer.Ready)
	require.Equal(t, "abc", c.Snapshot().Record.ID)
	require.Equal(t, int32(1), src.callGet.Load())

	require.Eventually(t, func() bool { return r.count() == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []consumer.State{consumer.Loading, consumer.Ready}, r.states())
}

func TestMountEmpty(t *testing.T) {
	src := newFakeSource(t)
	direct := &fakeDirect{}

	c, err := consumer.New("hero", src, consumer.WithDirectFetcher(direct))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	waitState(t, c, consumer.Empty)
	require.Equal(t, int32(1), direct.calls.Load())
	require.False(t, c.Snapshot().TimedOut)
	require.NoError(t, c.Snapshot().Err)
}

func TestMountFailed(t *testing.T) {
	src := newFakeSource(t)
	src.fail(errBackend)
	direct := &fakeDirect{err: errBackend}

	c, err := consumer.New("hero", src, consumer.WithDirectFetcher(direct))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	waitState(t, c, consumer.Failed)
	snap := c.Snapshot()
	require.ErrorIs(t, snap.Err, errBackend)
	require.Nil(t, snap.Record)

	// Store error but direct fetch says not found.
	direct2 := &fakeDirect{}
	c2, err := consumer.New("hero", src, consumer.WithDirectFetcher(direct2))
	require.NoError(t, err)
	require.NoError(t, c2.Mount(context.Background()))
	defer c2.Unmount()
	waitState(t, c2, consumer.Empty)
}

func TestDirectFetchOncePerMount(t *testing.T) {
	src := newFakeSource(t)
	direct := &fakeDirect{}

	c, err := consumer.New("hero", src, consumer.WithDirectFetcher(direct))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))

	waitState(t, c, consumer.Empty)
	require.NoError(t, c.Reload(context.Background()))
	require.NoError(t, c.Reload(context.Background()))
	require.Equal(t, int32(1), direct.calls.Load())
	require.Equal(t, int32(2), src.callRevalidate.Load())
	require.Equal(t, consumer.Empty, c.State())

	// A new mount may try again.
	c.Unmount()
	require.ErrorIs(t, c.Reload(context.Background()), consumer.ErrNotMounted)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	waitState(t, c, consumer.Empty)
	require.Equal(t, int32(2), direct.calls.Load())
}

func TestDirectFetchDataKept(t *testing.T) {
	src := newFakeSource(t)
	rec := hero()
	direct := &fakeDirect{rec: rec}

	c, err := consumer.New("hero", src, consumer.WithDirectFetcher(direct))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	waitState(t, c, consumer.Ready)
	require.Same(t, rec, c.Snapshot().Record)

	// Unrelated cache change does not drop directly fetched data.
	src.put(&model.Record{Section: "about", ID: "1", Title: "About", Content: "us"})
	require.Eventually(t, func() bool { return c.Snapshot().Generation == 1 }, time.Second, time.Millisecond)
	require.Equal(t, consumer.Ready, c.State())
	require.Same(t, rec, c.Snapshot().Record)
}

func TestGenerationChange(t *testing.T) {
	src := newFakeSource(t)
	first := hero()
	src.put(first)
	var r recorder

	c, err := consumer.New("hero", src, consumer.WithRenderFunc(r.render))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	require.Equal(t, consumer.Ready, c.State())

	// Same record, new generation: no render.
	src.put(first)
	require.Eventually(t, func() bool { return c.Snapshot().Generation == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 1, r.count())

	second := hero()
	second.Title = "Hello"
	src.put(second)
	require.Eventually(t, func() bool { return c.Snapshot().Record == second }, time.Second, time.Millisecond)
	require.Equal(t, consumer.Ready, c.State())

	src.remove("hero")
	waitState(t, c, consumer.Empty)

	require.Eventually(t, func() bool { return r.count() == 3 }, time.Second, time.Millisecond)
	require.Equal(t, []consumer.State{consumer.Ready, consumer.Ready, consumer.Empty}, r.states())
	for _, state := range r.states() {
		require.NotEqual(t, consumer.Loading, state)
	}
}

func TestSoftTimeout(t *testing.T) {
	src := newFakeSource(t)
	src.serve(hero())
	release := src.hold()
	clk := clock.NewMock()
	var r recorder

	c, err := consumer.New("hero", src, consumer.WithClock(clk), consumer.WithRenderFunc(r.render))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	require.Equal(t, consumer.Loading, c.State())

	clk.Add(5 * time.Second)
	waitState(t, c, consumer.Empty)
	require.True(t, c.Snapshot().TimedOut)

	// Late result still settles the state.
	release()
	waitState(t, c, consumer.Ready)
	require.Equal(t, "abc", c.Snapshot().Record.ID)
	require.False(t, c.Snapshot().TimedOut)
}

func TestPeriodicRevalidation(t *testing.T) {
	src := newFakeSource(t)
	src.put(hero())
	clk := clock.NewMock()

	c, err := consumer.New("hero", src,
		consumer.WithClock(clk),
		consumer.WithJitterFunc(func(time.Duration) time.Duration { return 10 * time.Second }))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	clk.Add(5*time.Minute + 10*time.Second)
	require.Eventually(t, func() bool { return src.callRefresh.Load() == 1 }, time.Second, time.Millisecond)

	clk.Add(5*time.Minute + 10*time.Second)
	require.Eventually(t, func() bool { return src.callRefresh.Load() == 2 }, time.Second, time.Millisecond)

	// Writes to other sections do not count as fresh data for this one.
	clk.Add(5 * time.Minute)
	src.put(&model.Record{Section: "other", ID: "1", Title: "Other", Content: "x"})
	require.Eventually(t, func() bool { return c.Snapshot().Generation == 2 }, time.Second, time.Millisecond)
	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool { return src.callRefresh.Load() == 3 }, time.Second, time.Millisecond)

	// A change to this section makes the data fresh, so the next check skips.
	clk.Add(5 * time.Minute)
	src.put(hero())
	require.Eventually(t, func() bool { return c.Snapshot().Generation == 3 }, time.Second, time.Millisecond)
	clk.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(3), src.callRefresh.Load())
	require.Equal(t, consumer.Ready, c.State())
}

func TestUnrelatedWritesDoNotPostponeRevalidation(t *testing.T) {
	src := newFakeSource(t)
	src.put(hero())
	clk := clock.NewMock()

	c, err := consumer.New("hero", src,
		consumer.WithClock(clk),
		consumer.WithJitterFunc(func(time.Duration) time.Duration { return 0 }))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	for i := 0; i < 3; i++ {
		clk.Add(4 * time.Minute)
		src.put(&model.Record{Section: "other", ID: "1", Title: "Other", Content: "x"})
		gen := src.Generation()
		require.Eventually(t, func() bool { return c.Snapshot().Generation == gen }, time.Second, time.Millisecond)
		clk.Add(time.Minute)
	}
	require.Eventually(t, func() bool { return src.callRefresh.Load() != 0 }, time.Second, time.Millisecond)
}

func TestUnmountDuringReload(t *testing.T) {
	src := newFakeSource(t)
	src.put(hero())

	c, err := consumer.New("hero", src)
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	require.Equal(t, consumer.Ready, c.State())

	release := src.hold()
	defer release()
	reloaded := make(chan error, 1)
	go func() {
		reloaded <- c.Reload(context.Background())
	}()
	require.Eventually(t, func() bool { return src.callRevalidate.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	c.Unmount()
	require.Less(t, time.Since(start), time.Second)

	select {
	case err = <-reloaded:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reload did not return after unmount")
	}
	require.Equal(t, consumer.Ready, c.State())
}

func TestLateResultIgnored(t *testing.T) {
	src := newFakeSource(t)
	src.serve(hero())
	release := src.hold()
	var r recorder

	c, err := consumer.New("hero", src, consumer.WithRenderFunc(r.render))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	require.Eventually(t, func() bool { return src.callGet.Load() == 1 }, time.Second, time.Millisecond)

	c.Unmount()
	c.Unmount()
	release()
	time.Sleep(20 * time.Millisecond)

	require.NotEqual(t, consumer.Ready, c.State())
	require.Equal(t, []consumer.State{consumer.Loading}, r.states())
}

func TestHeroMountedThreeTimes(t *testing.T) {
	srv := test.NewContentServer(&model.Record{Section: "hero", ID: "abc", Title: "Welcome", Content: "..."})
	defer srv.Close()
	srv.SetDelay(200 * time.Millisecond)

	api, err := client.New(srv.URL)
	require.NoError(t, err)
	store, err := scache.New(api)
	require.NoError(t, err)
	defer store.Close()

	consumers := make([]*consumer.Consumer, 3)
	for i := range consumers {
		c, err := consumer.New("hero", store, consumer.WithDirectFetcher(api))
		require.NoError(t, err)
		require.NoError(t, c.Mount(context.Background()))
		defer c.Unmount()
		consumers[i] = c
	}

	for _, c := range consumers {
		waitState(t, c, consumer.Ready)
		snap := c.Snapshot()
		require.Equal(t, "abc", snap.Record.ID)
		require.Equal(t, "Welcome", snap.Record.Title)
		require.Same(t, consumers[0].Snapshot().Record, snap.Record)
	}
	require.Equal(t, 1, srv.Calls(http.MethodGet, "/content/hero"))
	require.Equal(t, 1, srv.TotalCalls())
}

func TestUnchangedRevalidationDoesNotRender(t *testing.T) {
	weekly := &model.Record{
		Section:   "weekly_schedule",
		ID:        "1",
		Title:     "Schedule",
		Content:   "{}",
		UpdatedAt: time.UnixMilli(100).UTC(),
	}
	srv := test.NewContentServer(weekly)
	defer srv.Close()

	api, err := client.New(srv.URL)
	require.NoError(t, err)
	store, err := scache.New(api, scache.WithPreload(true))
	require.NoError(t, err)
	defer store.Close()
	gen := store.Generation()

	var r recorder
	c, err := consumer.New("weekly_schedule", store, consumer.WithRenderFunc(r.render))
	require.NoError(t, err)
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	require.Equal(t, consumer.Ready, c.State())
	shown := c.Snapshot().Record

	require.NoError(t, c.Reload(context.Background()))
	require.Equal(t, 1, srv.Calls(http.MethodGet, "/content/weekly_schedule"))
	require.Equal(t, gen, store.Generation())
	require.Same(t, shown, c.Snapshot().Record)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, r.count())
}
