package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kaalabs/hue-gateway/internal/bridge"
	"github.com/kaalabs/hue-gateway/internal/cache"
	"github.com/kaalabs/hue-gateway/internal/config"
	"github.com/kaalabs/hue-gateway/internal/db"
	"github.com/kaalabs/hue-gateway/internal/dispatch"
	"github.com/kaalabs/hue-gateway/internal/eventbus"
	"github.com/kaalabs/hue-gateway/internal/limit"
	"github.com/kaalabs/hue-gateway/internal/resolve"
	"github.com/kaalabs/hue-gateway/internal/store"
)

func TestAuthenticate_OpenMode(t *testing.T) {
	a := newAuthenticator(config.AuthConfig{})
	r := httptest.NewRequest(http.MethodPost, "/v2/actions", nil)

	cred, ok := a.authenticate(r)
	if !ok || cred.Scheme != "anonymous" {
		t.Errorf("open mode: ok=%v scheme=%q, want true anonymous", ok, cred.Scheme)
	}
}

func TestAuthenticate_BearerToken(t *testing.T) {
	a := newAuthenticator(config.AuthConfig{Tokens: []string{"secret-token"}})

	r := httptest.NewRequest(http.MethodPost, "/v2/actions", nil)
	r.Header.Set("Authorization", "Bearer secret-token")
	cred, ok := a.authenticate(r)
	if !ok || cred.Scheme != "bearer" {
		t.Errorf("valid token: ok=%v scheme=%q, want true bearer", ok, cred.Scheme)
	}

	r = httptest.NewRequest(http.MethodPost, "/v2/actions", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if _, ok := a.authenticate(r); ok {
		t.Error("wrong token must be rejected")
	}

	r = httptest.NewRequest(http.MethodPost, "/v2/actions", nil)
	if _, ok := a.authenticate(r); ok {
		t.Error("missing credentials must be rejected when tokens are configured")
	}
}

func TestAuthenticate_APIKey(t *testing.T) {
	a := newAuthenticator(config.AuthConfig{APIKeys: []string{"key-1"}})

	r := httptest.NewRequest(http.MethodPost, "/v2/actions", nil)
	r.Header.Set("X-API-Key", "key-1")
	cred, ok := a.authenticate(r)
	if !ok || cred.Scheme != "apikey" {
		t.Errorf("valid key: ok=%v scheme=%q, want true apikey", ok, cred.Scheme)
	}

	r = httptest.NewRequest(http.MethodPost, "/v2/actions", nil)
	r.Header.Set("X-API-Key", "key-2")
	if _, ok := a.authenticate(r); ok {
		t.Error("unknown key must be rejected")
	}
}

func TestAuthMiddleware_Unauthorized(t *testing.T) {
	a := newAuthenticator(config.AuthConfig{Tokens: []string{"tok"}})
	handler := a.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run without credentials")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/actions", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unauthorized") {
		t.Errorf("body should carry the error code: %s", rec.Body.String())
	}
}

type noopSyncer struct{}

func (noopSyncer) Trigger() {}

func newActionServer(t *testing.T) *Server {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	c := cache.New()
	client := bridge.NewClient("", "", time.Second, bridge.RetryConfig{MaxAttempts: 1})
	d := dispatch.New(
		client,
		c,
		resolve.New(c, resolve.Thresholds{}),
		limit.New(1000, 1000),
		store.NewSettings(database.DB),
		store.NewIdempotencyStore(database.DB, time.Minute, 100),
		noopSyncer{},
	)
	return &Server{auth: newAuthenticator(config.AuthConfig{}), dispatcher: d}
}

func postAction(s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/v2/actions", strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handleAction(rec, r)
	return rec
}

func TestHandleAction_RequestIDHeader(t *testing.T) {
	s := newActionServer(t)

	rec := postAction(s, `{"action":"nope"}`, map[string]string{"X-Request-Id": "req-7"})
	if !strings.Contains(rec.Body.String(), `"requestId":"req-7"`) {
		t.Errorf("header request id not echoed:\n%s", rec.Body.String())
	}

	// The envelope field wins over the header.
	rec = postAction(s, `{"requestId":"body-id","action":"nope"}`,
		map[string]string{"X-Request-Id": "req-7"})
	if !strings.Contains(rec.Body.String(), `"requestId":"body-id"`) {
		t.Errorf("envelope request id must win:\n%s", rec.Body.String())
	}
}

func TestHandleAction_IdempotencyKeyHeader(t *testing.T) {
	s := newActionServer(t)

	rec := postAction(s, `{"action":"inventory.snapshot"}`,
		map[string]string{"Idempotency-Key": "k1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Reusing the header key for a different action proves the header was
	// honored on the first call.
	rec = postAction(s, `{"action":"resolve.by_name","args":{"name":"x","rtype":"light"}}`,
		map[string]string{"Idempotency-Key": "k1"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "idempotency_key_reuse_mismatch") {
		t.Errorf("expected reuse mismatch:\n%s", rec.Body.String())
	}
}

func TestParseLastEventID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v2/events", nil)
	r.Header.Set("Last-Event-ID", "42")
	if got := parseLastEventID(r); got != 42 {
		t.Errorf("header cursor = %d, want 42", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/v2/events?lastEventId=7", nil)
	if got := parseLastEventID(r); got != 7 {
		t.Errorf("query cursor = %d, want 7", got)
	}

	// The header wins over the query parameter.
	r = httptest.NewRequest(http.MethodGet, "/v2/events?lastEventId=7", nil)
	r.Header.Set("Last-Event-ID", "9")
	if got := parseLastEventID(r); got != 9 {
		t.Errorf("cursor = %d, want header value 9", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/v2/events", nil)
	r.Header.Set("Last-Event-ID", "garbage")
	if got := parseLastEventID(r); got != 0 {
		t.Errorf("invalid cursor = %d, want 0", got)
	}
}

func streamEvents(t *testing.T, bus *eventbus.Bus, lastEventID string) string {
	t.Helper()
	s := &Server{bus: bus}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // return right after the replay is written

	r := httptest.NewRequest(http.MethodGet, "/v2/events", nil).WithContext(ctx)
	if lastEventID != "" {
		r.Header.Set("Last-Event-ID", lastEventID)
	}
	rec := httptest.NewRecorder()
	s.handleEvents(rec, r)
	return rec.Body.String()
}

func TestHandleEvents_Replay(t *testing.T) {
	bus := eventbus.New()
	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{
			Type:     eventbus.TypeResourceUpdated,
			Resource: eventbus.ResourceRef{RID: "l1", RType: "light"},
			Data:     map[string]any{},
		})
	}

	body := streamEvents(t, bus, "1")
	if !strings.Contains(body, ": hi") {
		t.Error("stream should open with the greeting comment")
	}
	if strings.Contains(body, "id: 1\n") {
		t.Error("events at or before the resume cursor must not be replayed")
	}
	if !strings.Contains(body, "id: 2\n") || !strings.Contains(body, "id: 3\n") {
		t.Errorf("missing replay frames:\n%s", body)
	}
	if !strings.Contains(body, "event: resource.updated") {
		t.Errorf("missing event type:\n%s", body)
	}
}

func TestHandleEvents_LostCursorSendsReset(t *testing.T) {
	bus := eventbus.NewWithConfig(2, 10)
	for i := 0; i < 10; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypeResourceUpdated})
	}

	body := streamEvents(t, bus, "1")
	if !strings.Contains(body, "event: stream.reset") {
		t.Errorf("lost cursor must trigger stream.reset:\n%s", body)
	}
	if strings.Contains(body, "event: resource.updated") {
		t.Errorf("no stale events may follow a reset:\n%s", body)
	}
}

// liveRecorder lets a test read the response while handleEvents is still
// writing it.
type liveRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
	hdr http.Header
}

func newLiveRecorder() *liveRecorder { return &liveRecorder{hdr: make(http.Header)} }

func (l *liveRecorder) Header() http.Header { return l.hdr }
func (l *liveRecorder) WriteHeader(int)     {}
func (l *liveRecorder) Flush()              {}

func (l *liveRecorder) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *liveRecorder) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleEvents_StaleCursorAfterRestart(t *testing.T) {
	// A fresh bus, as after a process restart: its cursor restarts at zero
	// while the client still holds the id it saw before.
	bus := eventbus.New()
	s := &Server{bus: bus}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest(http.MethodGet, "/v2/events", nil).WithContext(ctx)
	r.Header.Set("Last-Event-ID", "500")

	rec := newLiveRecorder()
	done := make(chan struct{})
	go func() {
		s.handleEvents(rec, r)
		close(done)
	}()

	waitFor(t, "stream.reset", func() bool {
		return strings.Contains(rec.String(), "event: stream.reset")
	})

	bus.Publish(eventbus.Event{
		Type:     eventbus.TypeResourceUpdated,
		Resource: eventbus.ResourceRef{RID: "l1", RType: "light"},
	})
	waitFor(t, "live event after reset", func() bool {
		return strings.Contains(rec.String(), "event: resource.updated")
	})

	cancel()
	<-done

	if !strings.Contains(rec.String(), "id: 1\n") {
		t.Errorf("live event must keep its own cursor:\n%s", rec.String())
	}
}
