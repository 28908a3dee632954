package bridge

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no bridge host or application key is set.
var ErrNotConfigured = errors.New("bridge not configured")

// ErrLinkButtonNotPressed is returned by Pair when the bridge reports that
// the physical link button has not been pressed within the pairing window.
// Callers should press the button and retry.
var ErrLinkButtonNotPressed = errors.New("link button not pressed")

// UnreachableError wraps connect/DNS/timeout failures talking to the bridge.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("bridge unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// UpstreamError is a non-2xx response from the bridge. Body is sanitized:
// the application key never appears in it.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("bridge returned status %d", e.StatusCode)
}

// ThrottledError is the bridge's own rate limiting (HTTP 429), kept distinct
// from other upstream failures so callers can surface it as such.
type ThrottledError struct {
	Body string
}

func (e *ThrottledError) Error() string {
	return "bridge rate limited (429)"
}

// IsUnreachable reports whether err normalizes to a transport failure.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// IsThrottled reports whether err is bridge-side rate limiting.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

// retryable reports whether err may be retried at all (independent of the
// request's method classification).
func retryable(err error) bool {
	if IsUnreachable(err) || IsThrottled(err) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 500 && ue.StatusCode <= 599
	}
	return false
}
