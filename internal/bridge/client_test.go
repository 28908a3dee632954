package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// testClient points a client at a TLS test server. The server's self-signed
// certificate is accepted the same way a bridge's would be.
func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)

	host := strings.TrimPrefix(ts.URL, "https://")
	c := NewClient(host, "test-app-key", 5*time.Second, RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c, ts
}

func TestDo_Success(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("hue-application-key") != "test-app-key" {
			t.Errorf("missing application key header")
		}
		w.Write([]byte(`{"data":[{"id":"l1"}]}`))
	})

	result, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/clip/v2/resource/light"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != 200 {
		t.Errorf("status = %d, want 200", result.StatusCode)
	}
}

func TestDo_RetriesGetOn5xx(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/clip/v2/resource/light"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestDo_DoesNotRetryPost(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/clip/v2/resource/light"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (POST is not retryable)", n)
	}
}

func TestDo_RetriesIdempotentPut(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Do(context.Background(), Request{
		Method:     http.MethodPut,
		Path:       "/clip/v2/resource/light/l1",
		Body:       map[string]any{"on": map[string]any{"on": true}},
		Idempotent: true,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3 (declared idempotent)", n)
	}
}

func TestDo_NoRetryOn4xx(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/clip/v2/resource/light"})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusForbidden {
		t.Fatalf("error = %v, want UpstreamError 403", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (client errors are terminal)", n)
	}
}

func TestDo_ThrottledError(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/clip/v2/resource/light"})
	if !IsThrottled(err) {
		t.Fatalf("error = %v, want ThrottledError", err)
	}
	// 429 is retryable; the budget must have been used.
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestDo_UnreachableOnTransportError(t *testing.T) {
	c := NewClient("127.0.0.1:1", "key", time.Second, RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond})
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/clip/v2/resource/light"})
	if !IsUnreachable(err) {
		t.Fatalf("error = %v, want UnreachableError", err)
	}
}

func TestDo_NotConfigured(t *testing.T) {
	c := NewClient("", "", time.Second, RetryConfig{})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/clip/v2/resource/light"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("error = %v, want ErrNotConfigured", err)
	}
}

func TestDo_SanitizesApplicationKey(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"description":"bad key test-app-key"}]}`))
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/clip/v2/resource/light"})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if strings.Contains(upstream.Body, "test-app-key") {
		t.Error("application key must be redacted from error bodies")
	}
	if !strings.Contains(upstream.Body, "[redacted]") {
		t.Error("redaction marker missing from error body")
	}
}

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	c := NewClient("h", "k", time.Second, RetryConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	})

	for attempt := 1; attempt <= 10; attempt++ {
		d := c.backoffDelay(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: delay %v, want positive", attempt, d)
		}
		if d > time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}

	// First attempt jitters in [base/2, base*1.5).
	d := c.backoffDelay(1)
	if d < 50*time.Millisecond || d >= 150*time.Millisecond {
		t.Errorf("attempt 1 delay %v outside jitter window", d)
	}
}

func TestJitterBackoff_Window(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitterBackoff(time.Second)
		if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
			t.Fatalf("jittered backoff %v outside [0.5s, 1.5s)", d)
		}
	}
}

func TestGetResource_NotFoundOnEmptyData(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})

	_, err := c.GetResource(context.Background(), "light", "nope")
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want UpstreamError 404", err)
	}
}
