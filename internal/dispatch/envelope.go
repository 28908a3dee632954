package dispatch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Credential identifies the caller for rate limiting and idempotency scoping.
// Secret is never logged or stored; only its fingerprint is.
type Credential struct {
	Scheme string // "bearer", "apikey", or "anonymous"
	Secret string
}

// Fingerprint returns a stable, non-reversible identity for the credential.
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Scheme + ":" + c.Secret))
	return hex.EncodeToString(sum[:])
}

// Request is one action envelope as submitted by a caller.
type Request struct {
	RequestID      string          `json:"requestId,omitempty"`
	Action         string          `json:"action"`
	Args           json.RawMessage `json:"args,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Response is the outcome envelope plus the HTTP status it travels with.
// Body always carries action, ok, and either result or error.
type Response struct {
	Status int
	Body   map[string]any
}

func okResponse(requestID, action string, result any) *Response {
	body := map[string]any{
		"action": action,
		"ok":     true,
		"result": result,
	}
	if requestID != "" {
		body["requestId"] = requestID
	}
	return &Response{Status: 200, Body: body}
}

func errResponse(requestID, action string, actionErr *Error) *Response {
	errBody := map[string]any{
		"code":    actionErr.Code,
		"message": actionErr.Message,
	}
	if actionErr.Details != nil {
		errBody["details"] = actionErr.Details
	}
	body := map[string]any{
		"action": action,
		"ok":     false,
		"error":  errBody,
	}
	if requestID != "" {
		body["requestId"] = requestID
	}
	return &Response{Status: actionErr.Status, Body: body}
}

// requestHash fingerprints the action and its arguments for idempotency-key
// reuse detection. Arguments are canonicalized through a map round-trip so
// key order in the submitted JSON does not matter.
func requestHash(action string, args json.RawMessage) string {
	var decoded any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			decoded = string(args)
		}
	}
	canonical, err := json.Marshal(map[string]any{"action": action, "args": decoded})
	if err != nil {
		canonical = []byte(action)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// decodeArgs strictly unmarshals action arguments. Unknown fields are
// rejected so typos surface as errors instead of silent no-ops.
func decodeArgs(raw json.RawMessage, dst any) *Error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidArgs("Invalid arguments: " + err.Error())
	}
	return nil
}
