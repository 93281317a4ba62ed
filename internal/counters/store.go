// Package counters abstracts the shared counter store that the attempt
// guard and the request rate limiter use when running across multiple
// processes. The primitives mirror what Redis offers natively, so the
// implementations stay race-tolerant without process-local locking.
package counters

import (
	"context"
	"time"
)

// Store is the minimal surface the guard and limiter need. Increment is
// atomic across processes; ttl applies only when the increment created
// the key (fixed-window semantics).
type Store interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
