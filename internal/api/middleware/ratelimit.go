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

	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/metrics"
)

const rateLimitKeyPrefix = "leasehold:rl:"

// RateLimit caps requests matching Pattern ("METHOD /path-prefix") to
// Requests per trailing Window, counted per KeyFunc bucket.
type RateLimit struct {
	Pattern  string
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool
}

// DefaultLimits is checked in order; the first matching pattern wins, so
// longer prefixes come first. Engine traffic under /internal/ is not limited.
func DefaultLimits() []RateLimit {
	return []RateLimit{
		{"POST /sessions/", 120, time.Minute, userOrIPKey},
		{"POST /sessions", 20, time.Minute, userOrIPKey},
		{"GET /sessions", 240, time.Minute, userOrIPKey},
		{"DELETE /sessions/", 60, time.Minute, userOrIPKey},
		{"POST /keys", 10, time.Hour, userOrIPKey},
		{"GET /billing/", 120, time.Minute, userOrIPKey},
		{"GET /realtime", 60, time.Minute, ipKey},
		{"POST /webhooks/", 300, time.Minute, ipKey},
		{"POST /admin/", 30, time.Minute, ipKey},
		{"GET /admin/", 60, time.Minute, ipKey},
	}
}

// Decision is the outcome of counting one request against a limit.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts requests in Redis sorted sets, one member per request
// scored by arrival time.
type RateLimiter struct {
	client    *redis.Client
	limits    []RateLimit
	blocker   *IPBlocker
	autoBlock bool
	exempt    []netip.Prefix
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRateLimiter creates a rate limiter using DefaultLimits.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	logger = logger.With().Str("component", "ratelimit").Logger()
	rl := &RateLimiter{
		client:    client,
		limits:    DefaultLimits(),
		blocker:   NewIPBlocker(client),
		autoBlock: cfg.AutoBlockEnabled,
		logger:    logger,
		now:       time.Now,
	}

	for _, entry := range cfg.Whitelist {
		prefix, err := parseExemption(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("ignoring invalid whitelist entry")
			continue
		}
		rl.exempt = append(rl.exempt, prefix)
	}
	if len(rl.exempt) > 0 {
		logger.Info().Int("entries", len(rl.exempt)).Msg("rate limit whitelist configured")
	}
	return rl
}

// parseExemption accepts a CIDR or a bare address, which is treated as a
// single-host prefix.
func parseExemption(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		return prefix.Masked(), err
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Blocker exposes the IP blocker for admin tooling.
func (rl *RateLimiter) Blocker() *IPBlocker {
	return rl.blocker
}

func (rl *RateLimiter) isWhitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range rl.exempt {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return "ip:" + RealIP(r)
}

// userOrIPKey keys on the authenticated user when the gateway has run.
func userOrIPKey(r *http.Request) string {
	if identity, ok := IdentityFromContext(r.Context()); ok {
		return "user:" + identity.ID
	}
	return ipKey(r)
}

// RealIP extracts the client IP, preferring proxy headers over the
// connection address.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hit records one request in bucket and decides it against limit. Redis
// errors fail open.
func (rl *RateLimiter) Hit(ctx context.Context, limit RateLimit, bucket string) Decision {
	now := rl.now()
	key := rateLimitKeyPrefix + limit.Pattern + ":" + bucket
	open := Decision{Allowed: true, Remaining: limit.Requests, ResetAt: now.Add(limit.Window)}

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		cutoff := strconv.FormatInt(now.Add(-limit.Window).UnixMilli(), 10)
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		card = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: crypto.NewULID()})
		pipe.PExpire(ctx, key, limit.Window)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
		return open
	}

	seen := int(card.Val())
	d := Decision{
		Allowed:   seen < limit.Requests,
		Remaining: max(limit.Requests-seen-1, 0),
		ResetAt:   open.ResetAt,
	}
	if first := oldest.Val(); len(first) > 0 {
		d.ResetAt = time.UnixMilli(int64(first[0].Score)).Add(limit.Window)
	}
	return d
}

// Peek decides the next request in bucket against limit without recording
// it. Redis errors fail open.
func (rl *RateLimiter) Peek(ctx context.Context, limit RateLimit, bucket string) Decision {
	now := rl.now()
	key := rateLimitKeyPrefix + limit.Pattern + ":" + bucket
	open := Decision{Allowed: true, Remaining: limit.Requests, ResetAt: now.Add(limit.Window)}

	cutoff := strconv.FormatInt(now.Add(-limit.Window).UnixMilli(), 10)
	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := rl.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCount(ctx, key, cutoff, "+inf")
		oldest = pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf", Count: 1})
		return nil
	})
	if err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit peek failed, allowing request")
		return open
	}

	seen := int(card.Val())
	d := Decision{
		Allowed:   seen < limit.Requests,
		Remaining: max(limit.Requests-seen, 0),
		ResetAt:   open.ResetAt,
	}
	if first := oldest.Val(); len(first) > 0 {
		d.ResetAt = time.UnixMilli(int64(first[0].Score)).Add(limit.Window)
	}
	return d
}

// Middleware enforces blocks and rate limits.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}
		log := rl.logger.With().Str("type", "security").Str("ip", ip).Str("endpoint", r.URL.Path).Logger()

		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			log.Warn().Str("event", "blocked_request").Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		d := rl.Hit(r.Context(), *limit, limit.KeyFunc(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Retry-After", strconv.Itoa(int(d.ResetAt.Sub(rl.now()).Seconds())+1))
		metrics.RateLimitHits.WithLabelValues(limit.Pattern).Inc()
		log.Warn().Str("event", "rate_limit_exceeded").Str("pattern", limit.Pattern).Msg("rate limit exceeded")

		if rl.autoBlock {
			if blocked, err := rl.blocker.RecordViolation(r.Context(), ip); err == nil && blocked {
				metrics.BlockedRequests.WithLabelValues("auto_block").Inc()
				log.Warn().Str("event", "ip_auto_blocked").Msg("IP auto-blocked for repeated violations")
			}
		}
		jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// findLimit returns the first limit whose pattern prefixes the request.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	target := r.Method + " " + r.URL.Path
	for i := range rl.limits {
		if strings.HasPrefix(target, rl.limits[i].Pattern) {
			return &rl.limits[i]
		}
	}
	return nil
}
