package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entry guards a single identity's window. The map lock is only held to find
// or create the entry; the check-and-increment runs under the entry lock so
// unrelated identities never contend.
type entry struct {
	mu     sync.Mutex
	window Window
	live   bool
	dead   bool // removed from the map by Sweep
}

// MemoryStore is an in-process Store with per-key locking.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

func (s *MemoryStore) entryFor(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{}
	s.entries[key] = e
	return e
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, false, err
	}

	var e *entry
	for {
		e = s.entryFor(key)
		e.mu.Lock()
		if !e.dead {
			break
		}
		e.mu.Unlock()
	}
	defer e.mu.Unlock()

	if !e.live || e.window.Expired(now) {
		e.window = Window{
			Key:         key,
			WindowStart: now,
			Limit:       limit,
			ResetAt:     now.Add(window),
		}
		e.live = true
	}
	// Plan changes take effect on the current window.
	e.window.Limit = limit

	if e.window.Count >= limit {
		return e.window, false, nil
	}
	e.window.Count++
	return e.window, true, nil
}

// Peek implements Store.
func (s *MemoryStore) Peek(ctx context.Context, key string, now time.Time) (Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, false, err
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Window{}, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live || e.window.Expired(now) {
		return Window{}, false, nil
	}
	return e.window, true, nil
}

// Sweep removes windows that have expired at now and returns how many were dropped.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		if !e.live || e.window.Expired(now) {
			e.dead = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked identities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RunJanitor sweeps expired windows every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				logger.Debug("quota: swept expired windows", zap.Int("removed", n))
			}
		}
	}
}
