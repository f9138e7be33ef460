package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a test TokenSource that returns a fixed token.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always returns an error.
type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) {
	return "", errors.New("token error")
}

// countingToken counts how often a token was requested.
type countingToken struct {
	calls atomic.Int32
}

func (t *countingToken) Token(context.Context) (string, error) {
	t.calls.Add(1)
	return "counted", nil
}

// recordingObserver captures every observed status code.
type recordingObserver struct {
	mu       sync.Mutex
	statuses []int
}

func (o *recordingObserver) ObserveRequest(_ string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.statuses = append(o.statuses, status)
}

// testLogger returns a debug-level logger that writes through t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()

	c := NewClient(url, http.DefaultClient, staticToken("test-token"), slog.Default(), "test-agent", opts...)
	c.sleepFunc = noopSleep

	return c
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Do(context.Background(), http.MethodGet, "/me")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"value":"ok"}`, string(body))
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("request-id", "test-req-id")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"something"}`))
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.Do(context.Background(), http.MethodGet, "/test")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var graphErr *GraphError
			require.ErrorAs(t, err, &graphErr)
			assert.Equal(t, tt.status, graphErr.StatusCode)
			assert.Equal(t, "test-req-id", graphErr.RequestID)
		})
	}
}

func TestDo_RetryOn5xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Do(context.Background(), http.MethodGet, "/retry")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_RetryOn429WithRetryAfter(t *testing.T) {
	var (
		calls  atomic.Int32
		slept  []time.Duration
		sleepM sync.Mutex
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	client.sleepFunc = func(_ context.Context, d time.Duration) error {
		sleepM.Lock()
		defer sleepM.Unlock()

		slept = append(slept, d)

		return nil
	}

	resp, err := client.Do(context.Background(), http.MethodGet, "/throttle")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{7 * time.Second}, slept)
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/fail")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)

	// 1 initial + 5 retries = 6 total attempts.
	assert.Equal(t, int32(6), calls.Load())
}

func TestDo_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(context.Background(), http.MethodGet, "/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.NotEmpty(t, r.Header.Get("client-request-id"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Do(context.Background(), http.MethodGet, "/headers")
	require.NoError(t, err)
	defer resp.Body.Close()
}

func TestDo_TokenRequestedPerAttempt(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tok := &countingToken{}
	client := NewClient(srv.URL, http.DefaultClient, tok, slog.Default(), "test-agent")
	client.sleepFunc = noopSleep

	resp, err := client.Do(context.Background(), http.MethodGet, "/x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int32(2), tok.calls.Load())
}

func TestDo_TokenErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, http.DefaultClient, failingToken{}, slog.Default(), "test-agent")
	client.sleepFunc = noopSleep

	_, err := client.Do(context.Background(), http.MethodGet, "/test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token error")
	assert.Equal(t, int32(0), calls.Load())
}

func TestDo_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, srv.URL)
	_, err := client.Do(ctx, http.MethodGet, "/cancel")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_ObserverSeesEveryAttempt(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	client := newTestClient(t, srv.URL, WithObserver(obs), WithRateLimit(1000, 10))

	resp, err := client.Do(context.Background(), http.MethodGet, "/observed")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, []int{http.StatusInternalServerError, http.StatusOK}, obs.statuses)
}

func TestWithRateLimit_DisabledForNonPositiveRate(t *testing.T) {
	c := NewClient("http://localhost", nil, staticToken("tok"), nil, "", WithRateLimit(0, 5))
	assert.Nil(t, c.limiter)

	c = NewClient("http://localhost", nil, staticToken("tok"), nil, "", WithRateLimit(2, 0))
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())
}

func TestGraphError_ErrorString(t *testing.T) {
	withID := &GraphError{StatusCode: http.StatusNotFound, Code: "itemNotFound", RequestID: "req-123", Message: "not found", Err: ErrNotFound}
	assert.Equal(t, "graph: HTTP 404 itemNotFound (request-id: req-123): not found", withID.Error())

	withoutID := &GraphError{StatusCode: http.StatusNotFound, Message: "not found", Err: ErrNotFound}
	assert.NotContains(t, withoutID.Error(), "request-id")
	assert.Equal(t, ErrNotFound, errors.Unwrap(withoutID))
}

func TestNewGraphError_DecodesEnvelope(t *testing.T) {
	body := []byte(`{"error":{"code":"accessDenied","message":"Access denied","innerError":{"request-id":"body-id"}}}`)

	ge := newGraphError(http.StatusForbidden, "", body)
	assert.Equal(t, "accessDenied", ge.Code)
	assert.Equal(t, "Access denied", ge.Message)
	assert.Equal(t, "body-id", ge.RequestID)
	assert.ErrorIs(t, ge, ErrForbidden)

	ge = newGraphError(http.StatusForbidden, "header-id", body)
	assert.Equal(t, "header-id", ge.RequestID, "header wins")
}

func TestNewGraphError_RawBodyFallback(t *testing.T) {
	ge := newGraphError(http.StatusBadGateway, "", []byte("  <html>bad gateway</html>\n"))
	assert.Empty(t, ge.Code)
	assert.Equal(t, "<html>bad gateway</html>", ge.Message)
	assert.ErrorIs(t, ge, ErrServerError)

	long := newGraphError(http.StatusBadGateway, "", []byte(strings.Repeat("x", 2000)))
	assert.Len(t, long.Message, maxErrorMessage+len("..."))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code     int
		expected error
	}{
		{http.StatusOK, nil},
		{http.StatusConflict, nil},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusGatewayTimeout, ErrServerError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyStatus(tt.code))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(http.StatusTooManyRequests))
	assert.True(t, isRetryable(509))
	assert.False(t, isRetryable(http.StatusNotFound))
}

func TestCalcBackoff_MaxCap(t *testing.T) {
	c := NewClient("http://localhost", nil, staticToken("tok"), nil, "")

	backoff := c.calcBackoff(10)
	assert.LessOrEqual(t, backoff, maxBackoff+maxBackoff/4)
	assert.GreaterOrEqual(t, backoff, maxBackoff-maxBackoff/4)
}

func TestTimeSleep_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, timeSleep(ctx, time.Minute), context.Canceled)
}
