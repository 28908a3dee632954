package dispatch

import (
	"errors"
	"fmt"

	"github.com/kaalabs/hue-gateway/internal/bridge"
)

// Canonical error codes surfaced to callers.
const (
	CodeInvalidArgs       = "invalid_args"
	CodeUnknownAction     = "unknown_action"
	CodeUnauthorized      = "unauthorized"
	CodeRateLimited       = "rate_limited"
	CodeAmbiguousName     = "ambiguous_name"
	CodeNotFound          = "not_found"
	CodeLinkButton        = "link_button_not_pressed"
	CodeBridgeUnreachable = "bridge_unreachable"
	CodeBridgeError       = "bridge_error"
	CodeBridgeRateLimited = "bridge_rate_limited"
	CodeIdemInProgress    = "idempotency_in_progress"
	CodeIdemReuseMismatch = "idempotency_key_reuse_mismatch"
	CodeInternal          = "internal_error"
)

// Error is an action failure with its HTTP status, canonical code, and
// caller-safe details. Details never contain credentials or internal state.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) withDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func invalidArgs(message string, fields ...string) *Error {
	err := newError(400, CodeInvalidArgs, message)
	if len(fields) > 0 {
		err.Details = map[string]any{"fields": fields}
	}
	return err
}

// asActionError normalizes any failure into an *Error. Bridge errors map to
// the upstream taxonomy; everything else becomes an internal error with the
// message withheld from the caller.
func asActionError(err error) *Error {
	var actionErr *Error
	if errors.As(err, &actionErr) {
		return actionErr
	}

	if errors.Is(err, bridge.ErrLinkButtonNotPressed) {
		return newError(409, CodeLinkButton, "Press the bridge link button and retry")
	}
	if errors.Is(err, bridge.ErrNotConfigured) {
		return newError(424, CodeBridgeUnreachable, "Bridge unreachable").
			withDetails(map[string]any{"error": "bridge not configured"})
	}

	var throttled *bridge.ThrottledError
	if errors.As(err, &throttled) {
		return newError(429, CodeBridgeRateLimited, "Bridge rate limited the gateway")
	}
	var upstream *bridge.UpstreamError
	if errors.As(err, &upstream) {
		return newError(502, CodeBridgeError, "Bridge returned an error").
			withDetails(map[string]any{"status": upstream.StatusCode, "body": upstream.Body})
	}
	var unreachable *bridge.UnreachableError
	if errors.As(err, &unreachable) {
		return newError(424, CodeBridgeUnreachable, "Bridge unreachable").
			withDetails(map[string]any{"error": unreachable.Error()})
	}

	return newError(500, CodeInternal, "Internal error")
}
