// Package httpclient provides the JSON HTTP client every connector
// fetches through: per-request timeout, upstream pacing, and the shared
// retry policy (backoff on transient failures, Retry-After on 429).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/relay/internal/syncerrors"
)

const (
	// maxBackoff caps exponential backoff between retries.
	maxBackoff = 30 * time.Second
	// maxErrorBodyBytes bounds how much of an error response is retained
	// for diagnostics.
	maxErrorBodyBytes = 2048
)

// Client wraps http.Client with pacing and retries. One Client is owned
// by one connector instance; it is not shared across executions.
type Client struct {
	http       *http.Client
	limiter    *rate.Limiter
	baseDelay  time.Duration
	maxRetries int
	logger     arbor.ILogger
}

// Options configure a Client. Zero values fall back to the connector
// setting defaults.
type Options struct {
	Timeout        time.Duration
	RateLimitDelay time.Duration
	MaxRetries     int
	Logger         arbor.ILogger
}

// New creates a connector HTTP client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	var limiter *rate.Limiter
	if opts.RateLimitDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.RateLimitDelay), 1)
	}
	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		baseDelay:  opts.RateLimitDelay,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// Request describes one upstream call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	// Body is JSON-marshalled when non-nil; RawBody wins when both are set.
	Body    interface{}
	RawBody []byte
	// Form is URL-encoded into the body (Stripe-style APIs).
	Form url.Values
}

// DoJSON issues the request under the retry policy and decodes the
// response body into out (skipped when out is nil).
func (c *Client) DoJSON(ctx context.Context, req Request, out interface{}) error {
	body, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}

// do runs the retry loop. Rate-limited rounds honour Retry-After;
// transient failures back off exponentially from the connector's rate
// limit delay, capped at 30s.
func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBeforeRetry(ctx, lastErr, attempt); err != nil {
				return nil, err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, err := c.doOnce(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err

		class := syncerrors.Classify(err)
		if class.Kind == syncerrors.KindFatal {
			return nil, err
		}
		if c.logger != nil {
			c.logger.Warn().
				Str("url", req.URL).
				Int("attempt", attempt+1).
				Err(err).
				Msg("Upstream call failed, will retry")
		}
	}

	return nil, fmt.Errorf("upstream call failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) sleepBeforeRetry(ctx context.Context, lastErr error, attempt int) error {
	class := syncerrors.Classify(lastErr)

	delay := c.baseDelay
	if delay <= 0 {
		delay = time.Second
	}
	delay = delay << uint(attempt-1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	if class.Kind == syncerrors.KindRateLimited && class.RetryAfter > 0 {
		delay = class.RetryAfter
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) doOnce(ctx context.Context, req Request) ([]byte, error) {
	u := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if parsed, err := url.Parse(u); err == nil && parsed.RawQuery != "" {
			sep = "&"
		}
		u = u + sep + req.Query.Encode()
	}

	var reader io.Reader
	contentType := ""
	switch {
	case req.RawBody != nil:
		reader = bytes.NewReader(req.RawBody)
		contentType = "application/json"
	case req.Form != nil:
		reader = bytes.NewBufferString(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &syncerrors.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &syncerrors.TransientError{StatusCode: resp.StatusCode, Err: err}
	}

	return body, classifyStatus(resp, body)
}

// classifyStatus maps an HTTP status onto the error taxonomy. nil for
// 2xx.
func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &syncerrors.AuthError{StatusCode: code, Body: truncate(body)}
	case code == http.StatusTooManyRequests:
		return &syncerrors.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case code == http.StatusRequestTimeout || code >= 500:
		return &syncerrors.TransientError{
			StatusCode: code,
			Err:        fmt.Errorf("upstream returned %s", resp.Status),
		}
	default:
		return &syncerrors.UpstreamError{StatusCode: code, Body: truncate(body)}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	// HTTP-date form
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes])
	}
	return string(body)
}
