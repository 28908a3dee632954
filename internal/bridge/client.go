// Package bridge implements the outbound Hue bridge client: CLIP v2 requests
// with normalized errors and method-aware retry, the persistent event stream,
// and the v1 pairing/discovery flow.
package bridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Safe methods are always retryable; everything else must be declared
// idempotent by the caller.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// RetryConfig controls the attempt loop for retryable requests.
type RetryConfig struct {
	MaxAttempts int           // Attempts including the first (default: 3)
	BaseDelay   time.Duration // First backoff delay (default: 200ms)
	MaxDelay    time.Duration // Cap for a single backoff sleep (default: 5s)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// Request describes a single bridge call.
type Request struct {
	Method string
	Path   string // e.g. "/clip/v2/resource/light/<rid>"
	Body   any    // marshalled to JSON when non-nil

	// Idempotent declares a mutating request safe to retry (e.g. a
	// full-state PUT). POST and DELETE are never retried without it.
	Idempotent bool
}

// Result is a successful (2xx) bridge response.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// Client talks to a single Hue bridge over HTTPS. Certificate validation is
// disabled: the bridge serves a self-signed certificate and is addressed by
// IP on the local network, so there is nothing meaningful to validate
// against. This is a deliberate trust decision, not an oversight.
type Client struct {
	mu     sync.RWMutex
	host   string
	appKey string

	httpClient *http.Client
	retry      RetryConfig

	// sleep is swapped out in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a bridge client. Host and application key may be empty
// until pairing completes; requests fail with ErrNotConfigured until then.
func NewClient(host, appKey string, timeout time.Duration, retry RetryConfig) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return &Client{
		host:   host,
		appKey: appKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		retry: retry.withDefaults(),
		sleep: sleepCtx,
	}
}

// Configure swaps the bridge host and/or application key at runtime.
func (c *Client) Configure(host, appKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
	c.appKey = appKey
}

// Host returns the configured bridge host ("" when unset).
func (c *Client) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// ApplicationKey returns the configured application key ("" when unset).
func (c *Client) ApplicationKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.appKey
}

// Configured reports whether both host and application key are set.
func (c *Client) Configured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host != "" && c.appKey != ""
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Do executes a bridge request, retrying per policy, and returns either a
// 2xx Result or a normalized error (UnreachableError, ThrottledError,
// UpstreamError).
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	host := c.Host()
	if host == "" {
		return nil, ErrNotConfigured
	}

	canRetry := safeMethods[req.Method] || req.Idempotent
	attempts := 1
	if canRetry {
		attempts = c.retry.MaxAttempts
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.doOnce(ctx, req.Method, host, req.Path, bodyBytes)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts || !retryable(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := c.backoffDelay(attempt)
		log.Debug().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retrying bridge request")
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, host, path string, body []byte) (*Result, error) {
	url := fmt.Sprintf("https://%s%s", host, path)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build bridge request: %w", err)
	}
	if key := c.ApplicationKey(); key != "" {
		httpReq.Header.Set("hue-application-key", key)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottledError{Body: c.sanitize(string(respBody))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: c.sanitize(string(respBody))}
	}

	return &Result{StatusCode: resp.StatusCode, Body: json.RawMessage(respBody)}, nil
}

// backoffDelay computes the exponential backoff with jitter for an attempt:
// base * 2^(attempt-1) scaled by a random factor in [0.5, 1.5), capped.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := float64(c.retry.BaseDelay) * float64(uint(1)<<uint(attempt-1))
	delay *= 0.5 + rand.Float64()
	if capped := float64(c.retry.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// sanitize strips the application key from upstream text before it can be
// propagated in error details.
func (c *Client) sanitize(s string) string {
	if key := c.ApplicationKey(); key != "" {
		s = strings.ReplaceAll(s, key, "[redacted]")
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ListResources fetches the full listing for a resource type. Retried (GET).
func (c *Client) ListResources(ctx context.Context, rtype string) ([]json.RawMessage, error) {
	result, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/clip/v2/resource/" + rtype})
	if err != nil {
		return nil, err
	}
	return decodeDataList(result.Body)
}

// GetResource fetches a single resource by type and id. Retried (GET).
func (c *Client) GetResource(ctx context.Context, rtype, rid string) (json.RawMessage, error) {
	result, err := c.Do(ctx, Request{Method: http.MethodGet, Path: fmt.Sprintf("/clip/v2/resource/%s/%s", rtype, rid)})
	if err != nil {
		return nil, err
	}
	list, err := decodeDataList(result.Body)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &UpstreamError{StatusCode: http.StatusNotFound, Body: fmt.Sprintf("resource %s/%s not found", rtype, rid)}
	}
	return list[0], nil
}

// PutResource writes a full-state update to a resource. Not retried unless
// the caller declares it idempotent.
func (c *Client) PutResource(ctx context.Context, rtype, rid string, body any, idempotent bool) (*Result, error) {
	return c.Do(ctx, Request{
		Method:     http.MethodPut,
		Path:       fmt.Sprintf("/clip/v2/resource/%s/%s", rtype, rid),
		Body:       body,
		Idempotent: idempotent,
	})
}

// decodeDataList unwraps the CLIP v2 {"data": [...]} envelope.
func decodeDataList(body json.RawMessage) ([]json.RawMessage, error) {
	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode bridge response: %w", err)
	}
	return envelope.Data, nil
}
