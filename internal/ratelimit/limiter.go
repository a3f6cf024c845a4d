// Package ratelimit decides whether a caller may issue another enhancement.
//
// Admission is a single atomic take against the quota store. The limit comes
// from the caller's tier; the window length is shared by all tiers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/quota"
)

// Tier selects the request limit applied to an identity.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
)

// ParseTier maps a stored plan name to a Tier. Unknown names are free.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPro:
		return TierPro
	case TierAnonymous:
		return TierAnonymous
	default:
		return TierFree
	}
}

// Limits holds the window length and per-tier request limits.
type Limits struct {
	Window    time.Duration
	Anonymous int
	Free      int
	Pro       int
}

// DefaultLimits are used when nothing is configured.
var DefaultLimits = Limits{
	Window:    time.Hour,
	Anonymous: 3,
	Free:      10,
	Pro:       100,
}

// For returns the limit for tier.
func (l Limits) For(tier Tier) int {
	switch tier {
	case TierPro:
		return l.Pro
	case TierAnonymous:
		return l.Anonymous
	default:
		return l.Free
	}
}

// Validate checks that limits are usable.
func (l Limits) Validate() error {
	if l.Window <= 0 {
		return errors.New("ratelimit: window must be positive")
	}
	if l.Anonymous < 0 || l.Free < 1 || l.Pro < 1 {
		return fmt.Errorf("ratelimit: invalid limits anonymous=%d free=%d pro=%d", l.Anonymous, l.Free, l.Pro)
	}
	if l.Anonymous > l.Free || l.Free > l.Pro {
		return fmt.Errorf("ratelimit: limits must not decrease by tier: anonymous=%d free=%d pro=%d", l.Anonymous, l.Free, l.Pro)
	}
	return nil
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the store failed and the limiter admitted anyway.
	Degraded bool
}

// RetryAfter returns how long the caller should wait before retrying,
// rounded up to whole seconds and never less than one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	secs := math.Ceil(wait.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// ExceededError is returned by Admit when the caller has used up its window.
type ExceededError struct {
	Decision Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("ratelimit: limit of %d requests exceeded, resets at %s",
		e.Decision.Limit, e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

// Limiter admits requests against a quota.Store.
type Limiter struct {
	store    quota.Store
	limits   Limits
	failOpen bool
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithFailOpen admits requests when the store cannot be reached.
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) { l.failOpen = failOpen }
}

// NewLimiter creates a Limiter. Store errors fail closed unless WithFailOpen(true) is given.
func NewLimiter(store quota.Store, limits Limits, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		store:  store,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured limits.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// Admit consumes one request from identity's window if any remain.
// A denial returns the decision together with an *ExceededError.
func (l *Limiter) Admit(ctx context.Context, identity string, tier Tier) (Decision, error) {
	now := l.now()
	limit := l.limits.For(tier)

	w, admitted, err := l.store.Take(ctx, identity, limit, l.limits.Window, now)
	if err != nil {
		if l.failOpen && errors.Is(err, quota.ErrStoreUnavailable) {
			l.logger.Warn("ratelimit: quota store unavailable, admitting (fail-open)",
				zap.String("tier", string(tier)), zap.Error(err))
			return Decision{
				Allowed:   true,
				Limit:     limit,
				Remaining: limit,
				ResetAt:   now.Add(l.limits.Window),
				Degraded:  true,
			}, nil
		}
		return Decision{Limit: limit}, fmt.Errorf("ratelimit: admit: %w", err)
	}

	d := Decision{
		Allowed:   admitted,
		Limit:     limit,
		Remaining: w.Remaining(),
		ResetAt:   w.ResetAt,
	}
	if !admitted {
		return d, &ExceededError{Decision: d}
	}
	return d, nil
}

// Peek reports identity's current standing without consuming.
func (l *Limiter) Peek(ctx context.Context, identity string, tier Tier) (Decision, error) {
	now := l.now()
	limit := l.limits.For(tier)

	w, found, err := l.store.Peek(ctx, identity, now)
	if err != nil {
		return Decision{Limit: limit}, fmt.Errorf("ratelimit: peek: %w", err)
	}
	if !found {
		return Decision{Allowed: limit > 0, Limit: limit, Remaining: limit, ResetAt: now.Add(l.limits.Window)}, nil
	}
	w.Limit = limit
	return Decision{
		Allowed:   w.Remaining() > 0,
		Limit:     limit,
		Remaining: w.Remaining(),
		ResetAt:   w.ResetAt,
	}, nil
}
