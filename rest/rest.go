// Package rest is the HTTP client abstraction for the non-realtime API
// surface. Server errors are retried with increasing delay; auth failures
// surface immediately as a distinct error.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	sigerr "github.com/dkeye/Signal/errors"
	"github.com/dkeye/Signal/retry"
	"github.com/rs/zerolog/log"
)

// Options configures the REST client.
type Options struct {
	BaseURL string
	// Project+Token become basic auth; Token alone a bearer header.
	Project string
	Token   string

	Timeout time.Duration
	Retry   retry.Config
	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client
}

// Client performs JSON REST calls with bounded retry: 5xx responses retry
// up to the configured maximum, 401 surfaces as AuthError without retrying,
// other 4xx surface as HTTPError with the parsed body.
type Client struct {
	opts Options
	http *http.Client
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{opts: opts, http: hc}
}

// Do performs one call. body is marshaled as JSON when non-nil; a 2xx
// response body is unmarshaled into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	target, err := url.JoinPath(c.opts.BaseURL, path)
	if err != nil {
		return fmt.Errorf("join url: %w", err)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	var respBody []byte
	err = retry.Do(ctx, c.opts.Retry, func() error {
		respBody, err = c.once(ctx, method, target, payload)
		return err
	})
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) once(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.Project != "" {
		req.SetBasicAuth(c.opts.Project, c.opts.Token)
	} else if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures are retryable.
		log.Warn().Err(err).Str("module", "rest").Str("method", method).Str("url", target).Msg("request failed")
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized:
		log.Error().Str("module", "rest").Str("url", target).Msg("unauthorized")
		return nil, retry.NonRetryable(&sigerr.AuthError{Code: resp.StatusCode, Message: "unauthorized"})
	case resp.StatusCode >= 500:
		log.Warn().Str("module", "rest").Int("status", resp.StatusCode).Str("url", target).Msg("server error, will retry")
		return nil, &sigerr.HTTPError{Status: resp.StatusCode, Body: data}
	default:
		return nil, retry.NonRetryable(&sigerr.HTTPError{Status: resp.StatusCode, Body: data})
	}
}
