package limiter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/wanikani-keeper/internal/errs"
)

// DefaultMaxRateLimitRetries bounds how many times one request is replayed after 429.
const DefaultMaxRateLimitRetries = 3

// Policy paces outgoing requests and replays a request after the rate-limit window resets.
type Policy struct {
	pacer      *rate.Limiter
	maxRetries int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	log        *zap.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithRequestsPerMinute paces requests client-side; n <= 0 disables pacing.
func WithRequestsPerMinute(n int) Option {
	return func(p *Policy) {
		if n <= 0 {
			p.pacer = nil
			return
		}
		p.pacer = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// WithMaxRateLimitRetries sets the replay bound; n < 0 means 0.
func WithMaxRateLimitRetries(n int) Option {
	return func(p *Policy) {
		if n < 0 {
			n = 0
		}
		p.maxRetries = n
	}
}

// WithClock replaces time.Now and the context-aware sleep (tests).
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		p.now = now
		p.sleep = sleep
	}
}

// NewPolicy constructs a Policy. Pacing is off unless WithRequestsPerMinute is given.
func NewPolicy(log *zap.Logger, opts ...Option) *Policy {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Policy{
		maxRetries: DefaultMaxRateLimitRetries,
		now:        time.Now,
		sleep:      sleepCtx,
		log:        log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Do runs op. A 429 suspends until the server-supplied reset time and replays op
// unchanged, at most maxRetries times. Every returned error is a *ClassifiedError.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if p.pacer != nil {
			if err := p.pacer.Wait(ctx); err != nil {
				return Tag(err)
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var sc StatusCoder
		if !errors.As(err, &sc) || sc.HTTPStatus() != http.StatusTooManyRequests {
			return Tag(err)
		}
		if attempt >= p.maxRetries {
			p.log.Warn("rate limit retries exhausted", zap.Int("attempts", attempt+1))
			return &ClassifiedError{Category: Retryable, Err: fmt.Errorf("%w: %w", errs.ErrRateLimited, err)}
		}

		wait := p.waitFor(err)
		p.log.Info("rate limited, waiting for reset",
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1),
		)
		if err := p.sleep(ctx, wait); err != nil {
			return Tag(err)
		}
	}
}

// waitFor returns the time left until the reset instant, or until the next
// minute boundary when the server did not say.
func (p *Policy) waitFor(err error) time.Duration {
	now := p.now()
	var r Resetter
	if errors.As(err, &r) {
		if at, ok := r.ResetAt(); ok {
			if d := at.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
