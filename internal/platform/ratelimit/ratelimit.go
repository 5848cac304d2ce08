// Package ratelimit throttles point-of-sale routes with a token bucket kept in
// Redis, so every cashlessd replica shares one budget per terminal.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/auth"
	"github.com/festivalhq/cashless-ledger/internal/platform/config"
	"github.com/festivalhq/cashless-ledger/internal/platform/logging"
	"github.com/redis/go-redis/v9"
)

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
  local intervals = math.floor(math.max(0, now_ms - last_refill) / interval_ms)
  if intervals > 0 then
    tokens = math.min(capacity, tokens + intervals * refill_tokens)
    last_refill = last_refill + intervals * interval_ms
  end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)
return { allowed, tokens, retry_after_ms }
`)

type Limiter struct {
	cfg    config.RateLimitConfig
	rdb    redis.Scripter
	logger *slog.Logger
	now    func() time.Time

	// OnReject is called for every throttled request.
	OnReject func(r *http.Request)
}

// New returns a limiter backed by rdb. A nil rdb or a disabled config yields
// a pass-through limiter.
func New(cfg config.RateLimitConfig, rdb redis.Scripter, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Limiter{cfg: cfg, rdb: rdb, logger: logger, now: time.Now}
}

func (l *Limiter) Wrap(next http.Handler) http.Handler {
	if l == nil || !l.cfg.Enabled || l.rdb == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.key(r)
		vals, err := bucketScript.Run(r.Context(), l.rdb, []string{key},
			l.now().UnixMilli(),
			l.cfg.Capacity,
			l.cfg.RefillTokens,
			l.cfg.RefillInterval.Milliseconds(),
			int64(l.cfg.TTL/time.Second),
		).Result()
		if err != nil {
			// Fail open.
			l.logger.WarnContext(r.Context(), "rate limit check failed", "key", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		arr, ok := vals.([]interface{})
		if !ok || len(arr) != 3 {
			l.logger.WarnContext(r.Context(), "unexpected rate limit result", "key", key, "result", fmt.Sprintf("%#v", vals))
			next.ServeHTTP(w, r)
			return
		}
		allowed := asInt64(arr[0]) == 1
		remaining := asInt64(arr[1])
		retryMs := asInt64(arr[2])

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		secs := int(math.Ceil(float64(retryMs) / 1000.0))
		if secs < 1 {
			secs = 1
		}
		if l.OnReject != nil {
			l.OnReject(r)
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":       8,
			"message":    "rate limit exceeded",
			"retryAfter": secs,
		})
	})
}

// key buckets by authenticated actor, falling back to the client address,
// and by route.
func (l *Limiter) key(r *http.Request) string {
	who := "ip:" + clientIP(r)
	if a, ok := auth.ActorFromContext(r.Context()); ok && a.ID != "" {
		who = "actor:" + a.ID
	}
	return strings.Join([]string{l.cfg.Prefix, who, r.Method, r.URL.Path}, ":")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
