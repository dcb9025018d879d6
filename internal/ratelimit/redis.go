package ratelimit

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var ErrStoreUnavailable = errors.New("rate limit store unavailable")

var storeFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "ratelimit_store_fallbacks_total",
	Help:      "Hits counted in the local store because Redis was unreachable.",
})

// incrWindow increments the counter and starts its window on the first hit.
// A key left without a TTL is given one so it cannot count forever.
var incrWindow = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 or redis.call('PTTL', KEYS[1]) == -1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// RedisStore shares fixed-window counters across gateway instances. When Redis
// cannot be reached the hit is counted in a local MemoryStore instead, so an
// outage degrades to per-process limits rather than no limits.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	local    *MemoryStore
	degraded atomic.Bool
}

// NewRedisStore parses a redis:// URL. local may be nil, in which case errors are returned.
func NewRedisStore(url string, local *MemoryStore) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = 500 * time.Millisecond
	opts.ReadTimeout = 250 * time.Millisecond
	opts.WriteTimeout = 250 * time.Millisecond
	return NewRedisStoreFromClient(redis.NewClient(opts), local), nil
}

func NewRedisStoreFromClient(client *redis.Client, local *MemoryStore) *RedisStore {
	return &RedisStore{client: client, prefix: "edge:rl:", local: local}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int, error) {
	n, err := incrWindow.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int()
	if err == nil {
		if s.degraded.Swap(false) {
			log.Println("[ratelimit] Redis reachable again, using shared counters")
		}
		return n, nil
	}
	if s.local == nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	if !s.degraded.Swap(true) {
		log.Printf("[ratelimit] Redis unreachable, falling back to local counters: %v", err)
	}
	storeFallbacksTotal.Inc()
	return s.local.Hit(ctx, key, window)
}

// Ping checks the Redis connection (used by readiness probe).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
