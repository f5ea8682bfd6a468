package api

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"feedbackcore.org/config"
)

// Rate tiers. Each tier has its own per-subject bucket space.
type tier int

const (
	tierGeneral tier = iota
	tierAnalytics
	tierAdmin
	tierUpload
)

// tierLimiter is the in-process token bucket rate limiter. State is
// process-local; a multi-process deployment has per-process budgets.
type tierLimiter struct {
	enabled bool
	burst   int
	limits  map[tier]rate.Limit

	mu      sync.Mutex
	buckets map[string]*bucketEntry

	done      chan struct{}
	closeOnce sync.Once
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newTierLimiter(cfg config.RateLimitConfig) *tierLimiter {
	perMinute := func(n int) rate.Limit {
		if n <= 0 {
			n = 60
		}
		return rate.Limit(float64(n) / 60.0)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 10
	}

	l := &tierLimiter{
		enabled: cfg.Enabled,
		burst:   burst,
		limits: map[tier]rate.Limit{
			tierGeneral:   perMinute(cfg.General),
			tierAnalytics: perMinute(cfg.Analytics),
			tierAdmin:     perMinute(cfg.Admin),
			tierUpload:    perMinute(cfg.Upload),
		},
		buckets: make(map[string]*bucketEntry),
		done:    make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// close stops the eviction goroutine. Safe to call more than once.
func (l *tierLimiter) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// key identifies the bucket: the authenticated subject when present,
// the client IP otherwise, namespaced by tier.
func (l *tierLimiter) key(c echo.Context, t tier) string {
	subject, _ := c.Get("subject").(string)
	if subject == "" {
		subject = c.RealIP()
	}
	return fmt.Sprintf("%d:%s", t, subject)
}

func (l *tierLimiter) bucket(key string, t tier) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(l.limits[t], l.burst)}
		l.buckets[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// middleware enforces the tier's budget and stamps the X-RateLimit
// headers on every response.
func (l *tierLimiter) middleware(t tier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.enabled {
				return next(c)
			}

			limiter := l.bucket(l.key(c, t), t)
			limitPerMinute := int(float64(l.limits[t]) * 60)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limitPerMinute))

			if !limiter.Allow() {
				// Time until one token is available again.
				res := limiter.Reserve()
				delay := res.Delay()
				res.Cancel()
				retryAfter := int(delay.Seconds()) + 1

				h.Set("X-RateLimit-Remaining", "0")
				h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(delay).Unix(), 10))
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			remaining := int(limiter.Tokens())
			if remaining < 0 {
				remaining = 0
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			return next(c)
		}
	}
}

// evictLoop drops buckets idle for over ten minutes so the map stays
// bounded.
func (l *tierLimiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for key, entry := range l.buckets {
				if entry.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
