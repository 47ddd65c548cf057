package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Default wait bounds between retries.
const (
	DefaultRetryWaitMin = 1 * time.Second
	DefaultRetryWaitMax = 30 * time.Second
)

type config struct {
	httpClient   *http.Client
	header       http.Header
	timeout      time.Duration
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		httpClient:   http.DefaultClient,
		retryWaitMin: DefaultRetryWaitMin,
		retryWaitMax: DefaultRetryWaitMax,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClient allows creation of the http client using an underlying network
// round tripper / client.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.httpClient = c
		}
		return nil
	}
}

// WithHeader adds a header that is sent with every request, such as an
// authorization token.
func WithHeader(key, value string) Option {
	return func(cfg *config) error {
		if cfg.header == nil {
			cfg.header = make(http.Header)
		}
		cfg.header.Add(key, value)
		return nil
	}
}

// WithTimeout sets a time limit for each request, including retries. A value
// of 0 means no limit beyond that of the request context.
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *config) error {
		if timeout < 0 {
			return errors.New("timeout cannot be negative")
		}
		cfg.timeout = timeout
		return nil
	}
}

// WithRetries retries requests that fail with a connection error or a 5xx
// response, up to max times, waiting between waitMin and waitMax with
// exponential backoff. Zero wait values keep the defaults.
//
// Default is no retries.
func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(cfg *config) error {
		if max < 0 {
			return errors.New("retry count cannot be negative")
		}
		cfg.retryMax = max
		if waitMin != 0 {
			cfg.retryWaitMin = waitMin
		}
		if waitMax != 0 {
			cfg.retryWaitMax = waitMax
		}
		if cfg.retryWaitMax < cfg.retryWaitMin {
			return errors.New("maximum retry wait is less than minimum")
		}
		return nil
	}
}
