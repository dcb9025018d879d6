package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "rate_limited_total",
	Help:      "Requests rejected by a fixed-window limiter, by limiter and quota class.",
}, []string{"limiter", "class"})

// Quota is a request ceiling per fixed window.
type Quota struct {
	Max    int
	Window time.Duration
}

// Limiter applies one of two quotas to a key. Privileged and general traffic are
// counted under separate keys, and each Limiter namespaces its keys by name so
// limiters sharing a Store never see each other's counts.
type Limiter struct {
	name       string
	store      Store
	general    Quota
	privileged Quota
}

func New(name string, store Store, general, privileged Quota) *Limiter {
	return &Limiter{name: name, store: store, general: general, privileged: privileged}
}

// IsLimited records a hit for key and reports whether it exceeds the quota.
// A store error lets the request through: limits are coarse throttling only.
func (l *Limiter) IsLimited(ctx context.Context, key string, privileged bool) bool {
	q, class := l.quota(privileged)
	count, err := l.store.Hit(ctx, l.name+":"+class+":"+key, q.Window)
	if err != nil {
		log.Printf("[ratelimit] %s: store error, allowing request: %v", l.name, err)
		return false
	}
	if count > q.Max {
		rateLimitedTotal.WithLabelValues(l.name, class).Inc()
		return true
	}
	return false
}

// RetryAfter is the window length for the chosen quota, used for the Retry-After header.
func (l *Limiter) RetryAfter(privileged bool) time.Duration {
	q, _ := l.quota(privileged)
	return q.Window
}

func (l *Limiter) quota(privileged bool) (Quota, string) {
	if privileged {
		return l.privileged, "privileged"
	}
	return l.general, "general"
}
