package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// RateLimit is the budget for one route class.
type RateLimit struct {
	Name     string // metric label
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Block IPs after repeated violations
}

type routeLimit struct {
	method string
	prefix string
	suffix string
	limit  RateLimit
}

// Decision is the result of counting one request against a limit.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Fixed window counter. The expiry is set only when the window opens so
// later hits do not extend it.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {n, ttl}
`)

const (
	violationThreshold = 10
	violationWindow    = time.Hour
	autoBlockDuration  = 24 * time.Hour
)

// RateLimiter enforces per-route request budgets backed by Redis. Redis
// errors let the request through.
type RateLimiter struct {
	client    *redis.Client
	limits    []routeLimit
	blocker   *IPBlocker
	logger    zerolog.Logger
	prefixes  []netip.Prefix
	autoBlock bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:    client,
		blocker:   NewIPBlocker(client),
		logger:    logger,
		autoBlock: cfg.AutoBlockEnabled,
		limits: []routeLimit{
			{"POST", "/rooms/", "/messages", RateLimit{"send", 30, time.Minute, senderKey}},
			{"GET", "/rooms/", "/messages", RateLimit{"history", 120, time.Minute, ipKey}},
			{"GET", "/rooms/", "/live", RateLimit{"live", 20, time.Minute, ipKey}},
			{"POST", "/admin/", "", RateLimit{"admin_write", 30, time.Minute, ipKey}},
			{"GET", "/admin/", "", RateLimit{"admin_read", 60, time.Minute, ipKey}},
		},
	}

	for _, entry := range cfg.Whitelist {
		prefix, err := parseWhitelistEntry(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid whitelist entry")
			continue
		}
		rl.prefixes = append(rl.prefixes, prefix)
	}
	if len(rl.prefixes) > 0 {
		logger.Info().Int("entries", len(rl.prefixes)).Msg("rate limit whitelist configured")
	}

	return rl
}

func parseWhitelistEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		return p.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// senderKey limits by verified user, falling back to client IP.
func senderKey(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != "" {
		return "ratelimit:user:" + userID
	}
	return ipKey(r)
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Allow counts one request under key and reports whether it fits in limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit RateLimit) (Decision, error) {
	res, err := windowScript.Run(ctx, rl.client, []string{key}, limit.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{Allowed: true}, err
	}

	count, ttl := res[0], res[1]
	resetIn := time.Duration(ttl) * time.Millisecond
	if ttl < 0 {
		resetIn = limit.Window
	}
	remaining := limit.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit.Requests),
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit, ok := rl.match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		d, err := rl.Allow(r.Context(), key, limit)
		if err != nil {
			rl.logger.Error().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.ResetIn).Unix(), 10))

		if !d.Allowed {
			retryAfter := int((d.ResetIn + time.Second - 1) / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			metrics.RateLimited.WithLabelValues(limit.Name).Inc()
			rl.trackViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("user_id", GetUserID(r.Context())).
				Str("route", limit.Name).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) match(r *http.Request) (RateLimit, bool) {
	for _, rule := range rl.limits {
		if r.Method == rule.method &&
			strings.HasPrefix(r.URL.Path, rule.prefix) &&
			strings.HasSuffix(r.URL.Path, rule.suffix) {
			return rule.limit, true
		}
	}
	return RateLimit{}, false
}

// trackViolation auto-blocks IPs that keep exceeding their budget.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	key := "violations:ip:" + ip
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, violationWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}

	if count := incr.Val(); count >= violationThreshold {
		rl.blocker.Block(ctx, ip, autoBlockDuration, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string {
	return "blocked:ip:" + ip
}

// IsBlocked reports whether ip is blocked. Lookup errors count as not blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, err := b.client.Exists(ctx, blockKey(ip)).Result()
	return err == nil && n > 0
}

// Block blocks ip for duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, duration)
}

// Unblock removes a block.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	b.client.Del(ctx, blockKey(ip))
}
