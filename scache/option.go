package scache

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipni/go-sectioncache/refresh"
)

const defaultFetchTimeout = 30 * time.Second

// DefaultCooldown is the default minimum time between cache-wide refreshes.
const DefaultCooldown = refresh.DefaultCooldown

type config struct {
	clock        clock.Clock
	cooldown     time.Duration
	fetchTimeout time.Duration
	preload      bool
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:        clock.New(),
		cooldown:     DefaultCooldown,
		fetchTimeout: defaultFetchTimeout,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClock sets the clock used to time refresh requests. Tests use this to
// supply a mock clock.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithCooldown sets the minimum time between two cache-wide refreshes.
//
// Default is 10 seconds.
func WithCooldown(cooldown time.Duration) Option {
	return func(cfg *config) error {
		if cooldown < 0 {
			return errors.New("cooldown cannot be negative")
		}
		cfg.cooldown = cooldown
		return nil
	}
}

// WithFetchTimeout bounds every network fetch the cache makes on its own
// behalf. These fetches are not cancelled when the caller that started them
// goes away, so they need their own limit.
//
// Default is 30 seconds.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout <= 0 {
			return errors.New("fetch timeout must be positive")
		}
		cfg.fetchTimeout = timeout
		return nil
	}
}

// WithPreload loads the full content listing when the cache is created.
func WithPreload(preload bool) Option {
	return func(cfg *config) error {
		cfg.preload = preload
		return nil
	}
}
