package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// windowState retains both the current and immediately preceding window
// counters, since the sliding-window algorithm needs the previous
// window's count even after the current window has advanced.
type windowState struct {
	currIndex int64
	currCount int
	prevIndex int64
	prevCount int
}

// MemoryStore is a per-process Store. A store-wide mutex guards both maps
// and every window update; each token bucket is a rate.Limiter, which
// serializes its own consume under its internal lock. Entries are never
// evicted.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	windows map[string]*windowState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*rate.Limiter),
		windows: make(map[string]*windowState),
	}
}

// TokenBucketConsume delegates the token-bucket formula to
// golang.org/x/time/rate, keyed per bucket label, driven by the
// caller-supplied now so tests stay deterministic rather than
// wall-clock-bound. refill of 0 is a valid rate.Limit — it simply never
// replenishes, which is what a capacity-only bucket needs.
func (m *MemoryStore) TokenBucketConsume(_ context.Context, key string, capacity int, refill float64, now time.Time) (bool, int, int, error) {
	m.mu.Lock()
	lim, ok := m.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(refill), capacity)
		m.buckets[key] = lim
	}
	m.mu.Unlock()

	allowed := lim.AllowN(now, 1)
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	resetSecs := 0
	if refill > 0 {
		if missing := float64(capacity) - float64(remaining); missing > 0 {
			resetSecs = int(math.Ceil(missing / refill))
		}
	}

	return allowed, remaining, resetSecs, nil
}

func (m *MemoryStore) WindowIncrement(_ context.Context, key string, window time.Duration, now time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := windowIndex(window, now)
	w, ok := m.windows[key]
	if !ok {
		w = &windowState{currIndex: idx}
		m.windows[key] = w
	} else if w.currIndex != idx {
		if idx-w.currIndex == 1 {
			w.prevIndex, w.prevCount = w.currIndex, w.currCount
		} else {
			w.prevIndex, w.prevCount = 0, 0
		}
		w.currIndex, w.currCount = idx, 0
	}
	w.currCount++
	return w.currCount, secondsToWindowEnd(window, now), nil
}

func (m *MemoryStore) WindowPeek(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prevIdx := windowIndex(window, now) - 1
	w, ok := m.windows[key]
	if !ok {
		return 0, nil
	}
	if w.currIndex == prevIdx {
		return w.currCount, nil
	}
	if w.prevIndex == prevIdx {
		return w.prevCount, nil
	}
	return 0, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func windowIndex(window time.Duration, now time.Time) int64 {
	if window <= 0 {
		return 0
	}
	return now.UnixNano() / window.Nanoseconds()
}

func secondsToWindowEnd(window time.Duration, now time.Time) int {
	if window <= 0 {
		return 0
	}
	idx := windowIndex(window, now)
	end := time.Unix(0, (idx+1)*window.Nanoseconds())
	return int(math.Ceil(end.Sub(now).Seconds()))
}

var _ Store = (*MemoryStore)(nil)
