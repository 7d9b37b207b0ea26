package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// authLimitKeyPrefix namespaces the per-IP counters for the credential
// endpoints. Quota enforcement for chat lives elsewhere; this limiter only
// slows down password guessing and token grinding.
const authLimitKeyPrefix = "ratelimit:auth:"

// RateLimiter throttles requests per client IP over a sliding window, using
// one Redis sorted set per IP with request timestamps as scores.
type RateLimiter struct {
	client  redis.Cmdable
	maxReqs int
	window  time.Duration
}

func NewRateLimiter(client redis.Cmdable, maxReqs, windowSec int) *RateLimiter {
	return &RateLimiter{
		client:  client,
		maxReqs: maxReqs,
		window:  time.Duration(windowSec) * time.Second,
	}
}

// Middleware enforces the limit. A Redis outage fails open: locking every
// student out of login because Redis is down is worse than a window without
// brute-force protection.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, err := rl.allow(r.Context(), authLimitKeyPrefix+ip)
		if err != nil {
			slog.Warn("rate limiter unavailable, failing open", "error", err, "ip", ip)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allow records the current request and reports whether the window still had
// room before it. The set is trimmed and re-expired on every call, so idle
// IPs cost nothing once the window passes.
func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-rl.window).UnixMilli(), 10)

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, rl.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return countCmd.Val() < int64(rl.maxReqs), nil
}

// clientIP resolves the caller's address, trusting proxy headers when
// present since the service is expected to sit behind a reverse proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
