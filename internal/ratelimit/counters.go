package ratelimit

import (
	"context"

	"github.com/fleetdesk/fleetdesk/internal/counters"
)

// StoreLimiter is the multi-process backend on a shared counter store.
type StoreLimiter struct {
	config Config
	store  counters.Store
}

// NewStoreLimiter creates a limiter on a shared counter store.
func NewStoreLimiter(store counters.Store, config Config) *StoreLimiter {
	return &StoreLimiter{config: config, store: store}
}

func bucketKey(scope, clientID string) string {
	return "rl:" + scope + ":" + clientID
}

func (l *StoreLimiter) Check(ctx context.Context, clientID, path, method string) (Decision, error) {
	scopes := l.config.scopesFor(path, method)

	for _, scope := range scopes {
		if scope.max <= 0 {
			continue
		}
		key := bucketKey(scope.name, clientID)
		count, err := l.store.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if count >= int64(scope.max) {
			ttl, err := l.store.TTL(ctx, key)
			if err != nil {
				return Decision{}, err
			}
			if ttl <= 0 {
				ttl = l.config.Window
			}
			return Decision{Scope: scope.name, RetryAfter: atLeastSecond(ttl)}, nil
		}
	}

	for _, scope := range scopes {
		if scope.max <= 0 {
			continue
		}
		if _, err := l.store.IncrWithTTL(ctx, bucketKey(scope.name, clientID), l.config.Window); err != nil {
			return Decision{}, err
		}
	}
	return Decision{Allowed: true}, nil
}
