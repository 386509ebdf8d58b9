package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// TransientError is a remote failure expected to resolve on retry: timeouts, connection errors,
// HTTP 408/425/429/5xx and throttling envelopes.
type TransientError struct {
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RetryDelay is the minimum wait the server asked for before the next attempt.
func (e *TransientError) RetryDelay() time.Duration { return e.RetryAfter }

// PermanentError is a remote failure that will not resolve without intervention:
// client errors, empty or malformed bodies and envelopes reporting failure.
type PermanentError struct {
	Op     string
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: permanent (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err carries a [PermanentError].
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// transientStatus reports whether an HTTP status is retryable.
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// statusError classifies a non-2xx response.
func statusError(op string, resp *http.Response, body []byte) error {
	err := fmt.Errorf("%w: %s", errAPIStatus, snippet(body))
	if transientStatus(resp.StatusCode) {
		return &TransientError{Op: op, Status: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header), Err: err}
	}
	return &PermanentError{Op: op, Status: resp.StatusCode, Err: err}
}

// transportError classifies a failure from [http.Client.Do]. Timeouts, refused and reset
// connections and pool exhaustion are all transient.
//
// Cancellation of the caller's context is returned as is so retries stop.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

var throttleMarkers = []string{"too many", "rate limit", "throttl", "try again", "busy", "timeout"}

// envelopeError classifies an envelope with s=false from its messages.
func envelopeError(op string, messages []string) error {
	msg := strings.Join(messages, "; ")
	if msg == "" {
		msg = "request rejected"
	}
	lower := strings.ToLower(msg)
	for _, m := range throttleMarkers {
		if strings.Contains(lower, m) {
			return &TransientError{Op: op, Err: fmt.Errorf("%w: %s", errRejected, msg)}
		}
	}
	return &PermanentError{Op: op, Err: fmt.Errorf("%w: %s", errRejected, msg)}
}

var (
	errAPIStatus = errors.New("unexpected status")
	errRejected  = errors.New("remote rejected request")
	errEmptyBody = errors.New("empty response body")
	errMalformed = errors.New("malformed response body")
)

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// snippet shortens a response body for error text without splitting a UTF-8 sequence.
func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
