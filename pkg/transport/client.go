// Package transport sends encoded wire requests to upstream providers and
// returns canonical responses or classified errors. One Transport per
// configured target; the generic client below handles retries.
package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	// Default policy makes three calls total: the initial attempt plus
	// two retries.
	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
	defaultTimeout    = 60 * time.Second
	backoffFactor     = 2.0
	backoffJitter     = 0.2
)

// RateLimitInfo carries whatever the upstream told us about when to come
// back. A zero value means the headers said nothing useful.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// RateLimitHeaderParser extracts rate limit info from provider headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// Client is a retrying HTTP client. 429 and 5xx responses and transport
// errors are retried with exponential backoff; everything else is returned
// to the caller on the first attempt.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func NewClient(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func retryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Do performs the request, retrying retryable failures. The request must
// carry GetBody so the body can be replayed; the total retry window is
// bounded by the request context's deadline. The second return value is
// the number of calls made, so callers can weigh an exhausted target's
// health accordingly.
func (c *Client) Do(req *http.Request) (*http.Response, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, attempts, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		attempts++
		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, attempts, ctxErr
			}
			lastErr = err
			if attempt < c.maxRetries && c.sleep(req.Context(), c.backoff(attempt, RateLimitInfo{})) {
				continue
			}
			return nil, attempts, lastErr
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, attempts, nil
		}

		var info RateLimitInfo
		if c.headerParser != nil {
			info = c.headerParser(resp.Header)
		}

		if attempt >= c.maxRetries {
			return resp, attempts, nil
		}

		drainBody(resp)
		if !c.sleep(req.Context(), c.backoff(attempt, info)) {
			return nil, attempts, req.Context().Err()
		}
	}

	return nil, attempts, lastErr
}

// backoff computes the delay before the next attempt: honor Retry-After or
// a reset time when the upstream provided one, otherwise exponential with
// jitter.
func (c *Client) backoff(attempt int, info RateLimitInfo) time.Duration {
	if info.RetryAfter > 0 {
		return info.RetryAfter
	}
	if info.ResetTime > 0 {
		if delay := time.Until(time.Unix(info.ResetTime, 0)); delay > 0 {
			return delay
		}
	}

	base := float64(c.baseDelay) * math.Pow(backoffFactor, float64(attempt))
	jitter := base * backoffJitter * (rand.Float64()*2 - 1)
	return time.Duration(base + jitter)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
