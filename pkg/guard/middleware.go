package guard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// middlewareTimeout bounds one call to the middleware function;
	// defaults apply on timeout.
	middlewareTimeout = 5 * time.Second

	// limiterCacheTTL evicts idle per-client limiter state.
	limiterCacheTTL = time.Hour
)

// RateLimitConfig is a token bucket of Requests per Period.
type RateLimitConfig struct {
	Requests int
	Period   time.Duration
}

// MaxInFlightConfig caps concurrent requests per (actor, client IP).
type MaxInFlightConfig struct {
	Amount int
}

// RetryConfig bounds proxy retry attempts with exponential backoff.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// TimeoutConfig is the end-to-end request timeout.
type TimeoutConfig struct {
	RequestTimeout time.Duration
}

// MiddlewareConfig is the per-actor policy applied to proxied requests.
type MiddlewareConfig struct {
	RateLimit   RateLimitConfig
	MaxInFlight MaxInFlightConfig
	Retry       RetryConfig
	Timeout     TimeoutConfig
}

// DefaultMiddlewareConfig applies when the middleware function is absent,
// times out, or fails.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		RateLimit:   RateLimitConfig{Requests: 100, Period: time.Minute},
		MaxInFlight: MaxInFlightConfig{Amount: 64},
		Retry:       RetryConfig{MaxAttempts: 3, InitialInterval: 125 * time.Millisecond},
		Timeout:     TimeoutConfig{RequestTimeout: 30 * time.Second},
	}
}

// MiddlewareFn returns the policy for an actor.
type MiddlewareFn func(ctx context.Context, actorID uuid.UUID, headers http.Header) (MiddlewareConfig, error)

// middlewareConfig resolves the policy for a target, falling back to
// defaults when no middleware function is configured, the target carries
// no actor, or the lookup errors or times out.
func (p *ProxyService) middlewareConfig(ctx context.Context, target *RouteTarget, headers http.Header) MiddlewareConfig {
	if p.middleware == nil || target.ActorID == nil {
		return DefaultMiddlewareConfig()
	}

	mwCtx, cancel := context.WithTimeout(ctx, middlewareTimeout)
	defer cancel()

	cfg, err := p.middleware(mwCtx, *target.ActorID, headers)
	if err != nil {
		p.logger.Warn().Err(err).Str("actor_id", target.ActorID.String()).Msg("middleware lookup failed, using defaults")
		return DefaultMiddlewareConfig()
	}
	return cfg
}

// limiterKey scopes limiter state to one (actor, client IP) pair.
func limiterKey(actorID *uuid.UUID, clientIP string) string {
	if actorID == nil {
		return "-|" + clientIP
	}
	return actorID.String() + "|" + clientIP
}

// rateLimiters holds per-key token buckets in a TTL cache.
type rateLimiters struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

func newRateLimiters() *rateLimiters {
	return &rateLimiters{cache: gocache.New(limiterCacheTTL, limiterCacheTTL)}
}

// allow consumes one token for key, creating the bucket on first sight.
// The bucket starts full with cfg.Requests tokens and refills over Period.
func (l *rateLimiters) allow(key string, cfg RateLimitConfig) bool {
	if cfg.Requests <= 0 || cfg.Period <= 0 {
		return true
	}

	l.mu.Lock()
	var limiter *rate.Limiter
	if v, ok := l.cache.Get(key); ok {
		limiter = v.(*rate.Limiter)
	} else {
		refill := rate.Limit(float64(cfg.Requests) / cfg.Period.Seconds())
		limiter = rate.NewLimiter(refill, cfg.Requests)
		l.cache.SetDefault(key, limiter)
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// inFlightCounters tracks concurrent requests per key in a TTL cache.
type inFlightCounters struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

type inFlightCell struct {
	mu    sync.Mutex
	count int
}

func newInFlightCounters() *inFlightCounters {
	return &inFlightCounters{cache: gocache.New(limiterCacheTTL, limiterCacheTTL)}
}

// acquire reserves one slot for key. The returned release function is safe
// to call exactly once from any exit path; callers defer it immediately so
// panics still release the slot.
func (c *inFlightCounters) acquire(key string, max int) (release func(), ok bool) {
	if max <= 0 {
		return func() {}, true
	}

	c.mu.Lock()
	var cell *inFlightCell
	if v, found := c.cache.Get(key); found {
		cell = v.(*inFlightCell)
	} else {
		cell = &inFlightCell{}
		c.cache.SetDefault(key, cell)
	}
	c.mu.Unlock()

	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.count >= max {
		return nil, false
	}
	cell.count++

	var once sync.Once
	return func() {
		once.Do(func() {
			cell.mu.Lock()
			cell.count--
			cell.mu.Unlock()
		})
	}, true
}

// calculateBackoff is the retry backoff: initial · 2^(attempt−1), starting
// from attempt 1.
func calculateBackoff(attempt int, initial time.Duration) time.Duration {
	if attempt <= 1 {
		return initial
	}
	return initial << uint(attempt-1)
}
