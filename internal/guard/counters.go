package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetdesk/fleetdesk/internal/counters"
)

// StoreGuard is the multi-process backend. All state lives in a shared
// counter store; atomic increment-with-expiry replaces the mutex, so
// concurrent processes racing on the same key stay consistent.
type StoreGuard struct {
	config Config
	store  counters.Store
}

// NewStoreGuard creates a guard on a shared counter store.
func NewStoreGuard(store counters.Store, config Config) *StoreGuard {
	return &StoreGuard{config: config, store: store}
}

func lockKey(username string) string { return "auth:lock:" + username }
func failKey(username string) string { return "auth:fail:" + username }
func userKey(username string) string { return "auth:user:" + username }
func ipKey(clientIP string) string   { return "auth:ip:" + clientIP }

func (g *StoreGuard) CheckAttempt(ctx context.Context, clientIP, username string) (Decision, error) {
	lockTTL, err := g.store.TTL(ctx, lockKey(username))
	if err != nil {
		return Decision{}, err
	}
	if lockTTL > 0 {
		return Decision{
			Reason:     ReasonUsernameLocked,
			RetryAfter: atLeastSecond(lockTTL),
		}, nil
	}

	denied, retry, err := g.windowSaturated(ctx, ipKey(clientIP), g.config.IPMaxAttempts)
	if err != nil {
		return Decision{}, err
	}
	if denied {
		return Decision{Reason: ReasonIPThrottled, RetryAfter: retry}, nil
	}

	denied, retry, err = g.windowSaturated(ctx, userKey(username), g.config.UsernameMaxAttempts)
	if err != nil {
		return Decision{}, err
	}
	if denied {
		return Decision{Reason: ReasonUsernameThrottle, RetryAfter: retry}, nil
	}

	if _, err := g.store.IncrWithTTL(ctx, ipKey(clientIP), g.config.Window); err != nil {
		return Decision{}, err
	}
	if _, err := g.store.IncrWithTTL(ctx, userKey(username), g.config.Window); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true}, nil
}

func (g *StoreGuard) RegisterFailure(ctx context.Context, username string) (time.Duration, bool, error) {
	// Failure counts survive well past any single lockout so the
	// exponent keeps growing across lockout cycles.
	failureTTL := g.config.LockoutMax * 4
	if failureTTL < time.Hour {
		failureTTL = time.Hour
	}

	count, err := g.store.IncrWithTTL(ctx, failKey(username), failureTTL)
	if err != nil {
		return 0, false, err
	}
	failures := int(count)
	if failures < g.config.LockoutThreshold {
		return 0, false, nil
	}

	lockout := g.config.lockoutFor(failures)
	if err := g.store.SetWithTTL(ctx, lockKey(username), strconv.Itoa(failures), lockout); err != nil {
		return 0, false, fmt.Errorf("setting lockout: %w", err)
	}
	return lockout, true, nil
}

func (g *StoreGuard) RegisterSuccess(ctx context.Context, username string) error {
	return g.store.Del(ctx, failKey(username), lockKey(username))
}

func (g *StoreGuard) windowSaturated(ctx context.Context, key string, max int) (bool, time.Duration, error) {
	count, err := g.store.Get(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if count < int64(max) {
		return false, 0, nil
	}
	ttl, err := g.store.TTL(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return true, atLeastSecond(ttl), nil
}
