package pipeline

import (
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/boeni-industries/aico-gateway/internal/errs"
)

// RateLimitPriority runs after auth so the limiter key can be the
// caller's identity rather than the raw client id.
const RateLimitPriority = 30

// RateLimitPlugin enforces a per-key token-bucket budget, grounded on
// infrastructure/middleware/ratelimit.go's per-key rate.Limiter map and
// Retry-After header convention, generalized from per-user-ID-or-IP
// keys to the pipeline's identity-or-client-id key.
type RateLimitPlugin struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	limit  rate.Limit
	burst  int
	window time.Duration
}

// NewRateLimitPlugin builds a plugin allowing `limit` requests per
// `window` with burst capacity `burst`.
func NewRateLimitPlugin(limit int, window time.Duration, burst int) *RateLimitPlugin {
	if window <= 0 {
		window = time.Second
	}
	rps := float64(limit) / window.Seconds()
	if rps < 0 {
		rps = 0
	}
	return &RateLimitPlugin{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		window:   window,
	}
}

func (p *RateLimitPlugin) Name() string  { return "ratelimit" }
func (p *RateLimitPlugin) Priority() int { return RateLimitPriority }

func (p *RateLimitPlugin) limiterFor(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	return l
}

func (p *RateLimitPlugin) OnRequest(ctx *Context) (*ShortCircuit, error) {
	key := ctx.Identity
	if key == "" {
		key = ctx.ClientID
	}
	if key == "" {
		key = "unknown"
	}

	if !p.limiterFor(key).Allow() {
		seconds := int(math.Ceil(p.window.Seconds()))
		e := errs.New(errs.KindRateLimited, "rate limit exceeded").
			WithDetail("retry_after_seconds", strconv.Itoa(seconds)).
			RetryAfter(int64(seconds) * 1000)
		return nil, e
	}
	return nil, nil
}

func (p *RateLimitPlugin) OnResponse(ctx *Context) error { return nil }

// Evict drops limiter state that has accumulated past a bound, the
// same unconditional-reset cap ratelimit.go's Cleanup uses rather than
// tracking per-key last-access time.
func (p *RateLimitPlugin) Evict(maxEntries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.limiters) > maxEntries {
		p.limiters = make(map[string]*rate.Limiter)
	}
}
