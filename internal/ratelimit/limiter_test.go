package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/quota"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type brokenStore struct{}

func (brokenStore) Take(context.Context, string, int, time.Duration, time.Time) (quota.Window, bool, error) {
	return quota.Window{}, false, fmt.Errorf("%w: connection refused", quota.ErrStoreUnavailable)
}

func (brokenStore) Peek(context.Context, string, time.Time) (quota.Window, bool, error) {
	return quota.Window{}, false, fmt.Errorf("%w: connection refused", quota.ErrStoreUnavailable)
}

func newTestLimiter(clock *fakeClock, opts ...Option) *Limiter {
	limits := Limits{Window: time.Hour, Anonymous: 2, Free: 10, Pro: 100}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewLimiter(quota.NewMemoryStore(), limits, nil, opts...)
}

func TestLimits_For(t *testing.T) {
	tests := []struct {
		tier Tier
		want int
	}{
		{TierAnonymous, 3},
		{TierFree, 10},
		{TierPro, 100},
		{Tier("enterprise"), 10},
	}
	for _, tt := range tests {
		if got := DefaultLimits.For(tt.tier); got != tt.want {
			t.Errorf("For(%q) = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	tests := map[string]Tier{
		"pro":       TierPro,
		"free":      TierFree,
		"anonymous": TierAnonymous,
		"":          TierFree,
		"gold":      TierFree,
	}
	for in, want := range tests {
		if got := ParseTier(in); got != want {
			t.Errorf("ParseTier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLimits_Validate(t *testing.T) {
	assert.NoError(t, DefaultLimits.Validate())
	assert.Error(t, Limits{Window: 0, Free: 1, Pro: 1}.Validate())
	assert.Error(t, Limits{Window: time.Minute, Free: 0, Pro: 1}.Validate())
	assert.Error(t, Limits{Window: time.Minute, Anonymous: 5, Free: 3, Pro: 10}.Validate())
	assert.Error(t, Limits{Window: time.Minute, Anonymous: 1, Free: 30, Pro: 10}.Validate())
}

// Free tier with limit 10 and count 9 admits once more, then denies until reset.
func TestAdmit_FreeTierBoundary(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := newTestLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := l.Admit(ctx, "user:u1", TierFree)
		require.NoError(t, err)
	}

	d, err := l.Admit(ctx, "user:u1", TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 10, d.Limit)
	assert.Equal(t, 0, d.Remaining)

	clock.Advance(10 * time.Minute)
	d, err = l.Admit(ctx, "user:u1", TierFree)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 50*time.Minute, d.RetryAfter(clock.Now()))

	clock.Advance(50 * time.Minute)
	d, err = l.Admit(ctx, "user:u1", TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestAdmit_RemainingCountsDown(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newTestLimiter(clock)

	for want := 99; want >= 95; want-- {
		d, err := l.Admit(context.Background(), "user:p", TierPro)
		require.NoError(t, err)
		assert.Equal(t, want, d.Remaining)
	}
}

func TestAdmit_StoreErrorFailsClosed(t *testing.T) {
	l := NewLimiter(brokenStore{}, DefaultLimits, nil)

	d, err := l.Admit(context.Background(), "user:u", TierFree)
	require.Error(t, err)
	assert.True(t, errors.Is(err, quota.ErrStoreUnavailable))
	assert.False(t, d.Allowed)
}

func TestAdmit_StoreErrorFailOpen(t *testing.T) {
	l := NewLimiter(brokenStore{}, DefaultLimits, nil, WithFailOpen(true))

	d, err := l.Admit(context.Background(), "user:u", TierPro)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, 100, d.Limit)
}

func TestAdmit_CancelledContextNotTreatedAsFailOpen(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newTestLimiter(clock, WithFailOpen(true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Admit(ctx, "user:u", TierFree)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeek_DoesNotConsume(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newTestLimiter(clock)
	ctx := context.Background()

	d, err := l.Peek(ctx, "anon:1.2.3.4", TierAnonymous)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Remaining)

	_, err = l.Admit(ctx, "anon:1.2.3.4", TierAnonymous)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err = l.Peek(ctx, "anon:1.2.3.4", TierAnonymous)
		require.NoError(t, err)
		assert.Equal(t, 1, d.Remaining)
	}
}

func TestDecision_RetryAfterAtLeastOneSecond(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		resetAt time.Time
		want    time.Duration
	}{
		{"past", now.Add(-time.Minute), time.Second},
		{"now", now, time.Second},
		{"sub-second", now.Add(200 * time.Millisecond), time.Second},
		{"rounds up", now.Add(1500 * time.Millisecond), 2 * time.Second},
		{"exact", now.Add(30 * time.Second), 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decision{ResetAt: tt.resetAt}
			if got := d.RetryAfter(now); got != tt.want {
				t.Errorf("RetryAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExceededError_Message(t *testing.T) {
	err := &ExceededError{Decision: Decision{Limit: 10, ResetAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}}
	assert.Contains(t, err.Error(), "limit of 10")
	assert.Contains(t, err.Error(), "2026-01-01T00:00:00Z")
}
