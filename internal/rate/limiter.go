package rate

import (
	"context"
	"time"
)

// Limiter answers whether a keyed caller may proceed, and if not, how long
// to wait. Keys are customer ids for order submission.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
