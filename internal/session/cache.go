// Package session resolves a session token to an admin-authorization result,
// memoizing successful verifications for a short TTL.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTTL bounds how long an admin revocation can take to apply.
const DefaultTTL = 20 * time.Second

// DefaultSweepInterval is how often expired cache entries are purged.
const DefaultSweepInterval = 120 * time.Second

// ErrNotVerified is returned by verifiers when the session is invalid or the
// verification endpoint could not confirm it.
var ErrNotVerified = errors.New("session not verified")

var (
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "session_cache_lookups_total",
		Help:      "Session authorization cache lookups by result (hit, miss).",
	}, []string{"result"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "session_verifications_total",
		Help:      "Upstream session verifications by outcome (ok, error).",
	}, []string{"outcome"})
)

var tracer = otel.Tracer("github.com/gghorizon/edge-gateway/internal/session")

// Result is the outcome of resolving a session token.
// Authenticated is true only when verification succeeded.
type Result struct {
	UID           string
	Email         string
	IsAdmin       bool
	Authenticated bool
	// ExpiresAt is when the session itself ends, if the verifier knows it.
	// A cached result never outlives it.
	ExpiresAt time.Time
}

// Verifier checks a raw session token against the source of truth.
type Verifier interface {
	Verify(ctx context.Context, token string) (Result, error)
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Cache memoizes successful verifications per token. Failed verifications are
// never cached, so an outage of the verifier does not lock an admin out for a TTL.
type Cache struct {
	verifier Verifier
	ttl      time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCache(v Verifier, ttl, timeout time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Cache{
		verifier: v,
		ttl:      ttl,
		timeout:  timeout,
		entries:  make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Resolve returns the cached result for token while it is live, otherwise it
// verifies the token. Any verification error yields a zero Result (not admin).
func (c *Cache) Resolve(ctx context.Context, token string) Result {
	if token == "" {
		return Result{}
	}

	c.mu.Lock()
	if e, ok := c.entries[token]; ok {
		if c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			cacheLookupsTotal.WithLabelValues("hit").Inc()
			return e.result
		}
		delete(c.entries, token)
	}
	c.mu.Unlock()
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	ctx, span := tracer.Start(ctx, "session.verify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.verifier.Verify(ctx, token)
	if err != nil {
		verificationsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		log.Printf("[session] verification failed: %v", err)
		return Result{}
	}
	verificationsTotal.WithLabelValues("ok").Inc()
	res.Authenticated = true
	span.SetAttributes(attribute.Bool("session.is_admin", res.IsAdmin))

	c.mu.Lock()
	expiresAt := c.now().Add(c.ttl)
	if !res.ExpiresAt.IsZero() && res.ExpiresAt.Before(expiresAt) {
		expiresAt = res.ExpiresAt
	}
	c.entries[token] = cacheEntry{result: res, expiresAt: expiresAt}
	c.mu.Unlock()
	return res
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps expired entries every interval until ctx is cancelled. A
// non-positive interval uses DefaultSweepInterval.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.Printf("[session] swept %d expired cache entries", n)
			}
		}
	}
}
