// Package billing resolves a user's subscription plan into a rate-limit tier.
//
// Lookups go cache first, then the subscriptions table, then optionally
// Stripe when the stored row is stale. Concurrent lookups for one user are
// collapsed so a burst of requests costs one database round trip.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/ratelimit"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/models"
)

// PlanSource returns the tier of an authenticated user.
type PlanSource interface {
	Tier(ctx context.Context, userID string) (ratelimit.Tier, error)
}

// PlanFunc adapts a function to PlanSource.
type PlanFunc func(ctx context.Context, userID string) (ratelimit.Tier, error)

// Tier implements PlanSource.
func (f PlanFunc) Tier(ctx context.Context, userID string) (ratelimit.Tier, error) {
	return f(ctx, userID)
}

// Fixed returns a PlanSource that answers tier for every user.
func Fixed(tier ratelimit.Tier) PlanSource {
	return PlanFunc(func(context.Context, string) (ratelimit.Tier, error) { return tier, nil })
}

// SubscriptionStore persists subscriptions. *database.DB implements it.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, s *models.Subscription) error
}

// PlanCache is a string cache. *cache.Cache implements it.
type PlanCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SubscriptionFetcher reads a subscription from Stripe. The Subscriptions
// field of a stripe client.API implements it.
type SubscriptionFetcher interface {
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

const planCachePrefix = "lumen:plan:"

// Resolver is the production PlanSource.
type Resolver struct {
	store        SubscriptionStore
	cache        PlanCache
	stripe       SubscriptionFetcher
	proPrices    map[string]bool
	cacheTTL     time.Duration
	refreshAfter time.Duration
	group        singleflight.Group
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache caches resolved tiers for ttl.
func WithCache(c PlanCache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithStripe refreshes subscriptions older than refreshAfter from Stripe.
// A subscription counts as pro when it contains any of proPriceIDs.
func WithStripe(f SubscriptionFetcher, proPriceIDs []string, refreshAfter time.Duration) Option {
	return func(r *Resolver) {
		r.stripe = f
		r.refreshAfter = refreshAfter
		for _, id := range proPriceIDs {
			if id != "" {
				r.proPrices[id] = true
			}
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver over store.
func NewResolver(store SubscriptionStore, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		store:     store,
		proPrices: make(map[string]bool),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tier implements PlanSource. Users without a subscription row are free.
func (r *Resolver) Tier(ctx context.Context, userID string) (ratelimit.Tier, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, planCachePrefix+userID)
		if err != nil {
			r.logger.Warn("billing: plan cache read failed", zap.String("user_id", userID), zap.Error(err))
		} else if cached != "" {
			return ratelimit.ParseTier(cached), nil
		}
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		return r.lookup(ctx, userID)
	})
	if err != nil {
		return ratelimit.TierFree, err
	}
	tier := v.(ratelimit.Tier)

	if r.cache != nil {
		if err := r.cache.Set(ctx, planCachePrefix+userID, string(tier), r.cacheTTL); err != nil {
			r.logger.Warn("billing: plan cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return tier, nil
}

// Invalidate drops the cached tier for userID so the next lookup reads the store.
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Delete(ctx, planCachePrefix+userID); err != nil {
		return fmt.Errorf("billing: invalidating plan cache: %w", err)
	}
	return nil
}

func (r *Resolver) lookup(ctx context.Context, userID string) (ratelimit.Tier, error) {
	sub, err := r.store.GetSubscription(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return ratelimit.TierFree, nil
	}
	if err != nil {
		return ratelimit.TierFree, fmt.Errorf("billing: loading subscription: %w", err)
	}

	if r.stale(sub) {
		refreshed, err := r.refresh(ctx, sub)
		if err != nil {
			r.logger.Warn("billing: stripe refresh failed, using stored plan",
				zap.String("user_id", userID), zap.Error(err))
		} else {
			sub = refreshed
		}
	}
	return r.tierOf(sub), nil
}

func (r *Resolver) stale(sub *models.Subscription) bool {
	if r.stripe == nil || sub.StripeSubscriptionID == "" {
		return false
	}
	return r.now().Sub(sub.UpdatedAt) > r.refreshAfter
}

// refresh pulls the subscription from Stripe and stores the result.
func (r *Resolver) refresh(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	remote, err := r.stripe.Get(sub.StripeSubscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("fetching stripe subscription %s: %w", sub.StripeSubscriptionID, err)
	}

	updated := *sub
	updated.Status = string(remote.Status)
	updated.Plan = models.PlanFree
	if r.hasProPrice(remote) {
		updated.Plan = models.PlanPro
	}
	if remote.CurrentPeriodEnd > 0 {
		updated.CurrentPeriodEnd = time.Unix(remote.CurrentPeriodEnd, 0).UTC()
	}
	if remote.Customer != nil && remote.Customer.ID != "" {
		updated.StripeCustomerID = remote.Customer.ID
	}
	updated.UpdatedAt = r.now()

	if err := r.store.UpsertSubscription(ctx, &updated); err != nil {
		// The fresh answer is still better than the stored one.
		r.logger.Warn("billing: storing refreshed subscription failed",
			zap.String("user_id", sub.UserID), zap.Error(err))
	}
	return &updated, nil
}

func (r *Resolver) hasProPrice(s *stripe.Subscription) bool {
	if s.Items == nil {
		return false
	}
	for _, item := range s.Items.Data {
		if item != nil && item.Price != nil && r.proPrices[item.Price.ID] {
			return true
		}
	}
	return false
}

// tierOf maps a stored subscription to a tier. Only an active or trialing
// pro subscription whose period has not ended is pro.
func (r *Resolver) tierOf(sub *models.Subscription) ratelimit.Tier {
	if sub.Plan != models.PlanPro {
		return ratelimit.TierFree
	}
	switch stripe.SubscriptionStatus(sub.Status) {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
	default:
		return ratelimit.TierFree
	}
	if !sub.CurrentPeriodEnd.IsZero() && sub.CurrentPeriodEnd.Unix() > 0 && !r.now().Before(sub.CurrentPeriodEnd) {
		return ratelimit.TierFree
	}
	return ratelimit.TierPro
}
