package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// TokenSource provides bearer tokens for Graph requests. Defined at the
// consumer; the tokens package provides the store-backed implementation.
// A fresh token is requested for every attempt so that a refresh performed
// by another caller is picked up immediately.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RequestObserver receives one callback per HTTP attempt. status is 0 when
// the attempt failed before a response was received.
type RequestObserver interface {
	ObserveRequest(method string, status int, elapsed time.Duration)
}

// Client is an HTTP client for the Microsoft Graph API.
// It handles request construction, authentication, client-side rate
// limiting, retry with exponential backoff, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string
	limiter    *rate.Limiter
	observer   RequestObserver

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithRateLimit installs a token-bucket limiter shared by every request
// made through the client. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}

		if burst < 1 {
			burst = 1
		}

		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithObserver registers a per-attempt request observer (metrics).
func WithObserver(o RequestObserver) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient creates a Graph API client.
// baseURL is typically DefaultBaseURL.
func NewClient(
	baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger, userAgent string, opts ...Option,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do executes a body-less request against the Graph API.
// The path is appended to the client's base URL.
// The caller is responsible for closing the response body on success.
func (c *Client) Do(ctx context.Context, method, path string) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		// A token failure is terminal for this request; the next request
		// starts the acquisition sequence again.
		tok, err := c.token.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("graph: obtaining token: %w", err)
		}

		resp, err := c.doOnce(ctx, method, url, tok)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("graph: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("graph: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("request-id")

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", err)
			}

			attempt++

			continue
		}

		graphErr := newGraphError(resp.StatusCode, reqID, errBody)

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, graphErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url, tok string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-request-id", uuid.NewString())

	start := time.Now()
	resp, err := c.httpClient.Do(req)

	if c.observer != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		c.observer.ObserveRequest(method, status, time.Since(start))
	}

	return resp, err
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 and 503 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
