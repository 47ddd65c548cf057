package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/go-sectioncache/apierror"
	"github.com/ipni/go-sectioncache/content/model"
)

var log = logging.Logger("content/client")

const contentPath = "content"

// Client is an http client for the content API.
type Client struct {
	c          *http.Client
	contentURL *url.URL
	header     http.Header
	timeout    time.Duration
}

// Client must implement Interface.
var _ Interface = (*Client)(nil)

// New creates a new content API client. If an http.Client is not provided by
// the WithClient option, then the default client is used.
func New(baseURL string, options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", baseURL)
	}

	httpClient := opts.httpClient
	if opts.retryMax != 0 {
		rclient := &retryablehttp.Client{
			HTTPClient:   httpClient,
			Logger:       retryLogger{},
			RetryWaitMin: opts.retryWaitMin,
			RetryWaitMax: opts.retryWaitMax,
			RetryMax:     opts.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
			// Return the last response so that its status is reported.
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		}
		httpClient = rclient.StandardClient()
	}

	return &Client{
		c:          httpClient,
		contentURL: u.JoinPath(contentPath),
		header:     opts.header,
		timeout:    opts.timeout,
	}, nil
}

// GetAll fetches the full section listing. Malformed records are dropped from
// the result and logged.
func (c *Client) GetAll(ctx context.Context) ([]*model.Record, error) {
	body, err := c.do(ctx, http.MethodGet, c.contentURL, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	records, skipped, err := model.UnmarshalRecords(body)
	if err != nil {
		return nil, err
	}
	if skipped != nil {
		log.Warnw("Discarded malformed content records", "err", skipped, "kept", len(records))
	}
	return records, nil
}

// GetBySection fetches one section. A section that does not exist results in
// an *apierror.Error with status 404.
func (c *Client) GetBySection(ctx context.Context, section string) (*model.Record, error) {
	u, err := c.sectionURL(section)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, u, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	rec, err := model.UnmarshalRecord(body)
	if err != nil {
		return nil, fmt.Errorf("invalid record for section %q: %w", section, err)
	}
	return rec, nil
}

// CreateOrUpdate stores rec under its section and returns the record as
// stored by the API, which carries the assigned ID and update time.
func (c *Client) CreateOrUpdate(ctx context.Context, rec *model.Record) (*model.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	u, err := c.sectionURL(rec.Section)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPut, u, data, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	stored, err := model.UnmarshalRecord(body)
	if err != nil {
		return nil, fmt.Errorf("invalid record returned for section %q: %w", rec.Section, err)
	}
	return stored, nil
}

// Delete removes a section.
func (c *Client) Delete(ctx context.Context, section string) error {
	u, err := c.sectionURL(section)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, u, nil, http.StatusOK, http.StatusNoContent)
	return err
}

// sectionURL returns the URL of a single section. The section is escaped so
// that it is always one path segment.
func (c *Client) sectionURL(section string) (*url.URL, error) {
	switch section {
	case "":
		return nil, model.ErrNoSection
	case ".", "..":
		return nil, errors.New("invalid section name")
	}
	return c.contentURL.JoinPath(url.PathEscape(section)), nil
}

func (c *Client) String() string {
	return c.contentURL.String()
}

// do sends a request and returns the response body if the response status is
// one of the accepted statuses. Any other status is returned as an
// *apierror.Error.
func (c *Client) do(ctx context.Context, method string, u *url.URL, data []byte, accept ...int) ([]byte, error) {
	if c.timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if data != nil {
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}
	for key, vals := range c.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}
	req.Header.Set("Accept", "application/json")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	for _, status := range accept {
		if resp.StatusCode == status {
			return body, nil
		}
	}
	return nil, apierror.FromResponse(resp.StatusCode, body)
}

// retryLogger routes retryablehttp logging to the package logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...interface{}) {
	log.Errorw(msg, keysAndValues...)
}

func (retryLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Infow(msg, keysAndValues...)
}

func (retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.Debugw(msg, keysAndValues...)
}

func (retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.Warnw(msg, keysAndValues...)
}
