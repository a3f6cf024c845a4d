// Package quota holds per-identity consumption windows.
//
// A window counts admitted requests for one identity over a fixed interval.
// The Store is the only state shared across requests, so every
// implementation must make check-and-increment a single atomic step per key.
package quota

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps failures reaching or interpreting the backing store.
var ErrStoreUnavailable = errors.New("quota store unavailable")

// Window is the state of one identity's fixed quota window.
type Window struct {
	Key         string    `json:"key"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	ResetAt     time.Time `json:"reset_at"`
}

// Remaining returns how many requests are left in the window.
func (w Window) Remaining() int {
	if w.Count >= w.Limit {
		return 0
	}
	return w.Limit - w.Count
}

// Expired reports whether the window no longer applies at now.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.ResetAt)
}

// Store is the atomic backing store for quota windows.
type Store interface {
	// Take looks up or lazily creates the window for key, replacing it when
	// now >= ResetAt, and increments the count only if it is below limit.
	// admitted reports whether the increment happened.
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (w Window, admitted bool, err error)

	// Peek returns the active window for key without consuming from it.
	Peek(ctx context.Context, key string, now time.Time) (w Window, found bool, err error)
}
