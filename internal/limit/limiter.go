// Package limit provides per-credential token-bucket admission control.
package limit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits or rejects requests per credential. Each credential gets
// its own bucket with capacity burst, refilled continuously at rps tokens
// per second. Buckets are created lazily on first use and never destroyed:
// the credential set is fixed by configuration, so growth is bounded.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	now func() time.Time // injectable for tests
}

// New creates a limiter. Zero values fall back to the defaults (5 rps,
// burst 10).
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		rps = 5.0
	}
	if burst <= 0 {
		burst = 10
	}
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// Admit consumes one token from the credential's bucket if available.
// Never blocks; a rejection is immediate. The check-and-decrement is atomic
// per bucket, so concurrent callers cannot both take the last token.
func (l *Limiter) Admit(credentialID string) bool {
	return l.bucket(credentialID).AllowN(l.now(), 1)
}

func (l *Limiter) bucket(credentialID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[credentialID]
	if b == nil {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[credentialID] = b
	}
	return b
}
