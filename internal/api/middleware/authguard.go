package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/metrics"
)

// AuthFailureLimit bounds rejected credentials per IP. Once it is spent the
// IP's requests are refused before any credential is checked.
var AuthFailureLimit = RateLimit{Pattern: "AUTH failed", Requests: 20, Window: time.Minute, KeyFunc: ipKey}

type failureCounter interface {
	Peek(ctx context.Context, limit RateLimit, bucket string) Decision
	Hit(ctx context.Context, limit RateLimit, bucket string) Decision
}

// AuthGuard runs ahead of the Gateway and counts the 401s it and the
// secret guards produce. Webhook signature failures are not counted.
type AuthGuard struct {
	counter     failureCounter
	limit       RateLimit
	exempt      func(ip string) bool
	blocked     func(ctx context.Context, ip string) bool
	onViolation func(ctx context.Context, ip string)
	logger      zerolog.Logger
	now         func() time.Time
}

// NewAuthGuard builds a guard sharing rl's Redis counters, whitelist and
// blocklist.
func NewAuthGuard(rl *RateLimiter) *AuthGuard {
	g := &AuthGuard{
		counter: rl,
		limit:   AuthFailureLimit,
		exempt:  rl.isWhitelisted,
		blocked: rl.blocker.IsBlocked,
		logger:  rl.logger.With().Str("component", "authguard").Logger(),
		now:     time.Now,
	}
	if rl.autoBlock {
		g.onViolation = func(ctx context.Context, ip string) {
			if blocked, err := rl.blocker.RecordViolation(ctx, ip); err == nil && blocked {
				metrics.BlockedRequests.WithLabelValues("auto_block").Inc()
				g.logger.Warn().Str("type", "security").Str("ip", ip).Str("event", "ip_auto_blocked").Msg("IP auto-blocked for repeated auth failures")
			}
		}
	}
	return g
}

// Middleware refuses IPs that spent their failure budget and records new
// failures.
func (g *AuthGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if strings.HasPrefix(r.URL.Path, "/webhooks/") || g.exempt(ip) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		if g.blocked(ctx, ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		bucket := g.limit.KeyFunc(r)
		if d := g.counter.Peek(ctx, g.limit, bucket); !d.Allowed {
			metrics.RateLimitHits.WithLabelValues(g.limit.Pattern).Inc()
			g.logger.Warn().
				Str("type", "security").
				Str("ip", ip).
				Str("event", "auth_failures_exceeded").
				Str("endpoint", r.URL.Path).
				Msg("too many failed authentications")
			if g.onViolation != nil {
				g.onViolation(ctx, ip)
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(d.ResetAt.Sub(g.now()).Seconds())+1))
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() == http.StatusUnauthorized {
			g.counter.Hit(ctx, g.limit, bucket)
		}
	})
}
