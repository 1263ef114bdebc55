package rate

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold bounds how many customer windows may accumulate before
// opening a new one sweeps out the expired ones.
const sweepThreshold = 1024

// MemoryLimiter bounds order submissions per customer to a fixed count per
// window, entirely in process. Suitable for a single instance; multiple
// instances share state through the Redis limiter instead.
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	byKey  map[string]*submissionWindow
}

type submissionWindow struct {
	submitted int
	expiresAt time.Time
}

func NewMemory(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:    max,
		window: window,
		byKey:  make(map[string]*submissionWindow),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, customerID string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.byKey[customerID]
	if w == nil || !now.Before(w.expiresAt) {
		if len(l.byKey) >= sweepThreshold {
			l.sweepLocked(now)
		}
		l.byKey[customerID] = &submissionWindow{submitted: 1, expiresAt: now.Add(l.window)}
		return true, 0, nil
	}

	if w.submitted >= l.max {
		return false, w.expiresAt.Sub(now), nil
	}
	w.submitted++
	return true, 0, nil
}

func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for key, w := range l.byKey {
		if !now.Before(w.expiresAt) {
			delete(l.byKey, key)
		}
	}
}
