package refresh

import (
	"errors"
	"fmt"
	"time"
)

type config struct {
	cooldown time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		cooldown: DefaultCooldown,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithCooldown sets the minimum time between accepted refreshes. A value of 0
// accepts every request.
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
