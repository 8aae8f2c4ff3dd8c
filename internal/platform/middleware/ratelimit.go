package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/admission/internal/platform/auth"
)

// RateLimitConfig configures a per-caller token bucket limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops limiters that have not been touched for this long.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig suits a handful of interface engines and UIs.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 50, BurstSize: 100, IdleTTL: 10 * time.Minute}
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one rate.Limiter per caller key.
type limiterStore struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	limiters map[string]*callerLimiter
	now      func() time.Time
	swept    time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	return &limiterStore{cfg: cfg, limiters: make(map[string]*callerLimiter), now: time.Now}
}

// take spends one token for key. When none is left it returns how long
// until the next one.
func (s *limiterStore) take(key string) (bool, time.Duration) {
	s.mu.Lock()
	now := s.now()
	s.sweep(now)
	l, ok := s.limiters[key]
	if !ok {
		l = &callerLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.limiters[key] = l
	}
	l.lastSeen = now
	s.mu.Unlock()

	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

func (s *limiterStore) sweep(now time.Time) {
	if s.cfg.IdleTTL <= 0 || now.Sub(s.swept) < s.cfg.IdleTTL {
		return
	}
	for k, l := range s.limiters {
		if now.Sub(l.lastSeen) > s.cfg.IdleTTL {
			delete(s.limiters, k)
		}
	}
	s.swept = now
}

// RateLimit throttles callers by authenticated subject, or by client IP when
// the request carries no identity. Mount it after the auth middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if user := auth.UserIDFromContext(c.Request().Context()); user != "" {
				key = "user:" + user
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			ok, wait := store.take(key)
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
