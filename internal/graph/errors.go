// Package graph provides a read-only HTTP client for the Microsoft Graph
// site and drive APIs with automatic retry, client-side rate limiting,
// pagination and error classification.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, graph.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("graph: bad request")
	ErrUnauthorized = errors.New("graph: unauthorized")
	ErrForbidden    = errors.New("graph: forbidden")
	ErrNotFound     = errors.New("graph: not found")
	ErrThrottled    = errors.New("graph: throttled")
	ErrServerError  = errors.New("graph: server error")
)

// maxErrorMessage caps how much of an unparseable error body is kept.
const maxErrorMessage = 512

// GraphError is a non-2xx response after retries. Code and Message come
// from the Graph error envelope when the body carries one; otherwise
// Message holds the (truncated) raw body.
type GraphError struct {
	StatusCode int
	Code       string // e.g. "itemNotFound", "accessDenied"
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *GraphError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "graph: HTTP %d", e.StatusCode)

	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}

	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request-id: %s)", e.RequestID)
	}

	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}

	return b.String()
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// errorEnvelope is the body Graph sends with most non-2xx responses.
type errorEnvelope struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			RequestID string `json:"request-id"`
		} `json:"innerError"`
	} `json:"error"`
}

// newGraphError builds a GraphError from a failed response. The request-id
// header wins over the one echoed in the body.
func newGraphError(status int, requestID string, body []byte) *GraphError {
	ge := &GraphError{
		StatusCode: status,
		RequestID:  requestID,
		Err:        classifyStatus(status),
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		ge.Code = env.Error.Code
		ge.Message = env.Error.Message

		if ge.RequestID == "" {
			ge.RequestID = env.Error.InnerError.RequestID
		}

		return ge
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage] + "..."
	}

	ge.Message = msg

	return ge
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return nil
	}
}

// statusBandwidthExceeded is SharePoint's 509 throttling response.
const statusBandwidthExceeded = 509

// isRetryable reports whether a response with this status is retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		statusBandwidthExceeded:
		return true
	}

	return false
}
