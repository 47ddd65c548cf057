package consumer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRevalidatePeriod is the default base time between stale data checks.
const DefaultRevalidatePeriod = 5 * time.Minute

const (
	defaultMaxJitter   = time.Minute
	defaultStaleAfter  = 300 * time.Second
	defaultLoadTimeout = 5 * time.Second
)

type config struct {
	clock            clock.Clock
	direct           DirectFetcher
	jitter           func(limit time.Duration) time.Duration
	loadTimeout      time.Duration
	maxJitter        time.Duration
	render           func(Snapshot)
	revalidatePeriod time.Duration
	staleAfter       time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:            clock.New(),
		jitter:           uniformJitter,
		loadTimeout:      defaultLoadTimeout,
		maxJitter:        defaultMaxJitter,
		revalidatePeriod: DefaultRevalidatePeriod,
		staleAfter:       defaultStaleAfter,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClock sets the clock used for timers. Tests use this to supply a mock
// clock.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithDirectFetcher sets the content API used for the one-time direct fetch
// when the cache has no data for the section. Without it, no direct fetch is
// made.
func WithDirectFetcher(f DirectFetcher) Option {
	return func(cfg *config) error {
		cfg.direct = f
		return nil
	}
}

// WithRenderFunc sets a function that is called with each new visible
// snapshot, in order. It is called from a separate goroutine and must not call
// Mount, Unmount, or Reload.
func WithRenderFunc(render func(Snapshot)) Option {
	return func(cfg *config) error {
		cfg.render = render
		return nil
	}
}

// WithRevalidatePeriod sets the base time between checks for stale data. If
// 0, periodic revalidation is disabled.
//
// Default is 5 minutes.
func WithRevalidatePeriod(period time.Duration) Option {
	return func(cfg *config) error {
		if period < 0 {
			return errors.New("revalidate period cannot be negative")
		}
		cfg.revalidatePeriod = period
		return nil
	}
}

// WithMaxJitter sets the upper bound of the random delay added to each
// revalidation period, so that consumers do not all check at once.
//
// Default is 60 seconds.
func WithMaxJitter(limit time.Duration) Option {
	return func(cfg *config) error {
		if limit < 0 {
			return errors.New("max jitter cannot be negative")
		}
		cfg.maxJitter = limit
		return nil
	}
}

// WithJitterFunc sets the function that picks a jitter value no greater than
// its argument.
func WithJitterFunc(jitter func(limit time.Duration) time.Duration) Option {
	return func(cfg *config) error {
		if jitter == nil {
			return errors.New("nil jitter function")
		}
		cfg.jitter = jitter
		return nil
	}
}

// WithStaleAfter sets how old the last fetch must be for a revalidation check
// to request a refresh.
//
// Default is 300 seconds.
func WithStaleAfter(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return errors.New("stale after cannot be negative")
		}
		cfg.staleAfter = d
		return nil
	}
}

// WithLoadTimeout sets how long the loading state is shown before giving up
// and showing an empty state. The fetch itself is not cancelled. If 0, loading
// is shown until the fetch completes.
//
// Default is 5 seconds.
func WithLoadTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout < 0 {
			return errors.New("load timeout cannot be negative")
		}
		cfg.loadTimeout = timeout
		return nil
	}
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}
