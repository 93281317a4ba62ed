package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the single-process backend: one mutex-protected map
// of (scope, client) buckets holding request timestamps.
type MemoryLimiter struct {
	config Config

	mu      sync.Mutex
	buckets map[string][]time.Time

	now func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(config Config) *MemoryLimiter {
	return &MemoryLimiter{
		config:  config,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, clientID, path, method string) (Decision, error) {
	scopes := l.config.scopesFor(path, method)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)

	for _, scope := range scopes {
		if scope.max <= 0 {
			continue
		}
		bucket := l.buckets[scope.name+":"+clientID]
		if len(bucket) >= scope.max {
			return Decision{
				Scope:      scope.name,
				RetryAfter: atLeastSecond(l.config.Window - now.Sub(bucket[0])),
			}, nil
		}
	}

	// All scopes have headroom; record against every bucket.
	for _, scope := range scopes {
		if scope.max <= 0 {
			continue
		}
		key := scope.name + ":" + clientID
		l.buckets[key] = append(l.buckets[key], now)
	}
	return Decision{Allowed: true}, nil
}

func (l *MemoryLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	for key, bucket := range l.buckets {
		idx := 0
		for idx < len(bucket) && bucket[idx].Before(cutoff) {
			idx++
		}
		if idx == len(bucket) {
			delete(l.buckets, key)
		} else if idx > 0 {
			l.buckets[key] = append([]time.Time{}, bucket[idx:]...)
		}
	}
}
