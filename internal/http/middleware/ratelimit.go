// Package middleware holds HTTP middleware shared by the presence endpoints.
package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/agrilink/internal/auth"
)

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// RateLimiter throttles requests per caller with a token bucket kept in Redis,
// so every presence instance shares one budget per supplier.
type RateLimiter struct {
	client    *redis.Client
	cfg       RateConfig
	luaScript *redis.Script
	logger    *zap.Logger
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes every request.
func NewRateLimiter(client *redis.Client, cfg RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{client: client, cfg: cfg, luaScript: redis.NewScript(tokenBucketLua), logger: logger}
}

// Middleware must run after auth.Middleware so callers are keyed by subject.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.cfg.Rate <= 0 || l.cfg.Burst <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := "rest"
		if websocket.IsWebSocketUpgrade(r) {
			scope = "handshake"
		}
		allowed, retryAfter, err := l.allow(r.Context(), scope, callerKey(r))
		if err != nil {
			// Fail open while Redis is unreachable.
			l.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow spends one token from the caller's bucket for scope and returns the wait
// until the next token when the bucket is empty.
func (l *RateLimiter) allow(ctx context.Context, scope, caller string) (bool, time.Duration, error) {
	key := "presence:rl:" + scope + ":" + caller
	res, err := l.luaScript.Run(ctx, l.client, []string{key}, time.Now().UnixMilli(), l.cfg.Rate, l.cfg.Burst).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	granted, err := number(res[0])
	if err != nil {
		return false, 0, err
	}
	if granted == 1 {
		return true, 0, nil
	}
	waitMS, err := number(res[1])
	if err != nil {
		return false, 0, err
	}
	return false, time.Duration(waitMS) * time.Millisecond, nil
}

func callerKey(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id.Authenticated {
		return "sub:" + id.Subject
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return "ip:" + strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// number reads an integer or numeric string from a script reply.
func number(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("token bucket: unexpected value %T", v)
	}
}

// tokenBucketLua refills the bucket for the elapsed time, spends one token if
// available, and replies {granted, wait_ms}.
const tokenBucketLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1]) or burst
local ts = tonumber(bucket[2]) or now

if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
  ts = now
end

local granted = 0
local wait_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
else
  wait_ms = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate))
return {granted, wait_ms}
`
