package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/iliyamo/auth-service/internal/config"
)

// Throttle limits requests per client address with a token bucket. It sits
// in front of the credential endpoints and is independent of the
// failed-login lockout: it counts every request, not just failures.
//
// With a Redis client the buckets are shared by all instances; otherwise
// each instance keeps its own in memory. A Redis error lets the request
// through.
func Throttle(cfg config.ThrottleConfig, rdb redis.UniversalClient, prefix string, log zerolog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	cfg = cfg.Normalized()

	var allow func(c echo.Context, key string) (bool, time.Duration, error)
	if rdb != nil {
		allow = redisBucket(cfg, rdb)
	} else {
		allow = newMemoryBuckets(cfg, time.Now).allow
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = "unknown"
			}
			key := prefix + ":throttle:" + ip

			ok, retry, err := allow(c, key)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("throttle backend error")
				return next(c)
			}
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			if !ok {
				secs := int(math.Ceil(retry.Seconds()))
				if secs < 1 {
					secs = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error":       "too_many_requests",
					"message":     "rate limit exceeded",
					"retry_after": secs,
				})
			}
			return next(c)
		}
	}
}

// bucketScript refills continuously at rate tokens per second up to burst
// and takes one token. Returns {allowed, retry_after_ms}.
var bucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local rate = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_ms')
	local tokens = tonumber(state[1])
	local last = tonumber(state[2])
	if tokens == nil or last == nil then
		tokens = burst
		last = now_ms
	end

	local elapsed = math.max(0, now_ms - last)
	tokens = math.min(burst, tokens + elapsed * rate / 1000)

	local allowed = 0
	local retry_ms = 0
	if tokens >= 1 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_ms = math.ceil((1 - tokens) * 1000 / rate)
	end

	redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now_ms)
	redis.call('EXPIRE', key, ttl_seconds)
	return { allowed, retry_ms }
`)

func redisBucket(cfg config.ThrottleConfig, rdb redis.UniversalClient) func(echo.Context, string) (bool, time.Duration, error) {
	return func(c echo.Context, key string) (bool, time.Duration, error) {
		vals, err := bucketScript.Run(c.Request().Context(), rdb, []string{key},
			time.Now().UnixMilli(), cfg.Burst, cfg.Rate, int64(cfg.TTL/time.Second)).Int64Slice()
		if err != nil {
			return false, 0, err
		}
		if len(vals) != 2 {
			return false, 0, fmt.Errorf("throttle: unexpected script result %v", vals)
		}
		return vals[0] == 1, time.Duration(vals[1]) * time.Millisecond, nil
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// memoryBuckets keeps one limiter per key and drops buckets idle for longer
// than the TTL, at most once per minute.
type memoryBuckets struct {
	cfg       config.ThrottleConfig
	now       func() time.Time
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newMemoryBuckets(cfg config.ThrottleConfig, now func() time.Time) *memoryBuckets {
	return &memoryBuckets{cfg: cfg, now: now, buckets: make(map[string]*bucket), lastSweep: now()}
}

func (m *memoryBuckets) allow(_ echo.Context, key string) (bool, time.Duration, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= time.Minute {
		for k, b := range m.buckets {
			if now.Sub(b.seen) > m.cfg.TTL {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = now
	}

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(m.cfg.Rate), m.cfg.Burst)}
		m.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}
