package probe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-host token bucket settings.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// RateLimited wraps a Prober with a per-host token bucket so a run with many
// sources on one host does not hammer it.
type RateLimited struct {
	next         Prober
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	observeWait  func(host string, waited time.Duration)
}

// NewRateLimited builds a RateLimited prober. A non-positive RPS disables limiting.
func NewRateLimited(next Prober, cfg RateLimitConfig) *RateLimited {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		next:         next,
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// OnWait registers a callback receiving each host's token wait. Must be set
// before the prober is shared.
func (r *RateLimited) OnWait(fn func(host string, waited time.Duration)) *RateLimited {
	r.observeWait = fn
	return r
}

// Probe waits for a token for the target host, then delegates. Waiting counts
// against the probe deadline.
func (r *RateLimited) Probe(ctx context.Context, req Request) Outcome {
	u, err := ValidateEndpoint(req.URL)
	if err != nil {
		return Malformed(err)
	}
	start := time.Now()
	host := strings.ToLower(u.Hostname())
	err = r.wait(ctx, host)
	if r.observeWait != nil {
		r.observeWait(host, time.Since(start))
	}
	if err != nil {
		if out, done := FromContext(ctx, time.Since(start)); done {
			return out
		}
		// the limiter refuses waits that would outlast the deadline
		return Outcome{Kind: Timeout, Duration: time.Since(start), Err: fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)}
	}
	return r.next.Probe(ctx, req)
}

func (r *RateLimited) wait(ctx context.Context, host string) error {
	r.mu.Lock()
	limiter, ok := r.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(r.defaultRate, r.defaultBurst)
		r.limiters[host] = limiter
	}
	r.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
