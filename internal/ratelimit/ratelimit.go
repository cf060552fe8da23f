// Package ratelimit provides atomic per-tenant rate limiting using a
// Redis Lua script. The check-and-increment runs server side so
// concurrent gateway instances cannot race past the limit the way a
// GET then INCR pattern can.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearthmail/gateway/internal/pkg/httputil"
)

// Limit defines a tenant's request budget over a one minute window.
type Limit struct {
	PerMinute int
	Burst     int
}

// DefaultLimit is the standard tenant budget.
var DefaultLimit = Limit{PerMinute: 100, Burst: 100}

// tokenBucketScript refills tokens proportionally to elapsed time and
// consumes one if available. Bucket state is two keys with a shared
// TTL of twice the window so idle tenants cost nothing.
const tokenBucketScript = `
local tokensKey = KEYS[1]
local stampKey = KEYS[2]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call("GET", tokensKey) or burst)
local stamp = tonumber(redis.call("GET", stampKey) or now)

local elapsed = now - stamp
if elapsed > 0 then
    tokens = math.min(burst, tokens + elapsed * rate / 60)
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("SET", tokensKey, tokens, "EX", ttl)
redis.call("SET", stampKey, now, "EX", ttl)
return {allowed, math.floor(tokens)}
`

// Limiter enforces per-tenant request budgets.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	limit  Limit
	now    func() time.Time
}

// New creates a limiter. A nil client disables limiting entirely.
func New(rdb *redis.Client, limit Limit) *Limiter {
	if limit.PerMinute <= 0 {
		limit = DefaultLimit
	}
	if limit.Burst <= 0 {
		limit.Burst = limit.PerMinute
	}
	return &Limiter{
		redis:  rdb,
		script: redis.NewScript(tokenBucketScript),
		limit:  limit,
		now:    time.Now,
	}
}

// Allow consumes one token from the tenant's bucket. Redis errors fail
// open with a log line: throttling is protection for the service, not
// a correctness gate for mail flow.
func (l *Limiter) Allow(ctx context.Context, tenant string) (bool, error) {
	if l.redis == nil {
		return true, nil
	}
	keys := []string{
		"ratelimit:" + tenant + ":tokens",
		"ratelimit:" + tenant + ":stamp",
	}
	ttl := 120
	res, err := l.script.Run(ctx, l.redis, keys,
		l.limit.PerMinute, l.limit.Burst, l.now().Unix(), ttl).Result()
	if err != nil {
		return true, fmt.Errorf("rate limit script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return true, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1, nil
}

// Middleware throttles API requests per tenant. Webhook ingestion and
// health checks are exempt: webhooks are authenticated by signature
// and capacity-limited by the store, and load balancers poll health.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ok, err := l.Allow(r.Context(), tenantKey(r))
		if err != nil {
			log.Printf("[RateLimit] Check failed, allowing request: %v", err)
		}
		if !ok {
			httputil.TooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func exemptPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/webhooks/")
}

// tenantKey identifies the caller: the authenticated user when present,
// otherwise the remote IP (RealIP middleware has already resolved
// X-Forwarded-For).
func tenantKey(r *http.Request) string {
	if user := r.Header.Get("X-User-Id"); user != "" {
		return "user:" + user
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
