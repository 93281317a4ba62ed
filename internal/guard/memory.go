package guard

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is the single-process backend: mutex-protected timestamp
// windows and lockout deadlines. Critical sections are O(window size)
// and perform no I/O.
type MemoryGuard struct {
	config Config

	mu               sync.Mutex
	ipAttempts       map[string][]time.Time
	usernameAttempts map[string][]time.Time
	usernameFailures map[string]int
	lockoutUntil     map[string]time.Time

	now func() time.Time
}

// NewMemoryGuard creates an in-process guard.
func NewMemoryGuard(config Config) *MemoryGuard {
	return &MemoryGuard{
		config:           config,
		ipAttempts:       make(map[string][]time.Time),
		usernameAttempts: make(map[string][]time.Time),
		usernameFailures: make(map[string]int),
		lockoutUntil:     make(map[string]time.Time),
		now:              time.Now,
	}
}

func (g *MemoryGuard) CheckAttempt(_ context.Context, clientIP, username string) (Decision, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.cleanup(now)

	if until, ok := g.lockoutUntil[username]; ok && until.After(now) {
		return Decision{
			Reason:     ReasonUsernameLocked,
			RetryAfter: atLeastSecond(until.Sub(now)),
		}, nil
	}

	ipEvents := g.ipAttempts[clientIP]
	if len(ipEvents) >= g.config.IPMaxAttempts {
		return Decision{
			Reason:     ReasonIPThrottled,
			RetryAfter: atLeastSecond(g.config.Window - now.Sub(ipEvents[0])),
		}, nil
	}

	usernameEvents := g.usernameAttempts[username]
	if len(usernameEvents) >= g.config.UsernameMaxAttempts {
		return Decision{
			Reason:     ReasonUsernameThrottle,
			RetryAfter: atLeastSecond(g.config.Window - now.Sub(usernameEvents[0])),
		}, nil
	}

	g.ipAttempts[clientIP] = append(ipEvents, now)
	g.usernameAttempts[username] = append(usernameEvents, now)
	return Decision{Allowed: true}, nil
}

func (g *MemoryGuard) RegisterFailure(_ context.Context, username string) (time.Duration, bool, error) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	failures := g.usernameFailures[username] + 1
	g.usernameFailures[username] = failures
	if failures < g.config.LockoutThreshold {
		return 0, false, nil
	}

	lockout := g.config.lockoutFor(failures)
	g.lockoutUntil[username] = now.Add(lockout)
	return lockout, true, nil
}

func (g *MemoryGuard) RegisterSuccess(_ context.Context, username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.usernameFailures, username)
	delete(g.lockoutUntil, username)
	return nil
}

// cleanup drops window entries older than the cutoff and expired
// lockouts. Caller holds the mutex.
func (g *MemoryGuard) cleanup(now time.Time) {
	cutoff := now.Add(-g.config.Window)

	for ip, events := range g.ipAttempts {
		events = trimBefore(events, cutoff)
		if len(events) == 0 {
			delete(g.ipAttempts, ip)
		} else {
			g.ipAttempts[ip] = events
		}
	}
	for username, events := range g.usernameAttempts {
		events = trimBefore(events, cutoff)
		if len(events) == 0 {
			delete(g.usernameAttempts, username)
		} else {
			g.usernameAttempts[username] = events
		}
	}
	for username, until := range g.lockoutUntil {
		if !until.After(now) {
			delete(g.lockoutUntil, username)
		}
	}
}

func trimBefore(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && events[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return events
	}
	return append([]time.Time{}, events[idx:]...)
}
