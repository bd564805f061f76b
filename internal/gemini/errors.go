package gemini

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified transport error returned by the REST client.
type Error interface {
	error
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type httpError struct {
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("gemini error (status=%d): %s", e.statusCode, msg)
}
func (e *httpError) StatusCode() int            { return e.statusCode }
func (e *httpError) Retryable() bool            { return e.retryable }
func (e *httpError) RetryAfter() *time.Duration { return e.retryAfter }

// ErrorFromHTTPStatus classifies an HTTP failure. Client errors are
// permanent; timeouts, rate limits, server errors, and anything unknown are
// retryable.
func ErrorFromHTTPStatus(statusCode int, message string, retryAfter *time.Duration) Error {
	e := &httpError{statusCode: statusCode, message: message, retryAfter: retryAfter}
	switch statusCode {
	case 400, 401, 403, 404, 413, 422:
		e.retryable = false
	case 408, 429, 500, 502, 503, 504:
		e.retryable = true
	default:
		e.retryable = true
	}
	return e
}

// NewTimeoutError marks a context-deadline expiry as a retryable transport
// failure so the per-packet retry loop treats it like any transient error.
func NewTimeoutError(message string) Error {
	return &httpError{statusCode: 0, message: message, retryable: true}
}

// ParseRetryAfter parses a Retry-After header: integer seconds or HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
