// Package guard decides whether a login attempt may proceed. It tracks
// per-IP and per-username sliding windows and imposes escalating
// per-username lockouts after repeated failures.
package guard

import (
	"context"
	"time"
)

// Deny reasons returned to callers.
const (
	ReasonUsernameLocked   = "Too many failed login attempts for this username."
	ReasonIPThrottled      = "Too many login attempts from this IP address."
	ReasonUsernameThrottle = "Too many login attempts for this username."
)

// Decision is the outcome of an admission check. RetryAfter is a hint
// for callers; the guard itself never blocks or retries.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Guard is implemented by the in-process and shared-counter backends.
// Both produce identical decisions for identical input sequences, modulo
// clock granularity.
type Guard interface {
	// CheckAttempt admits or denies a login attempt, recording it in the
	// IP and username windows when admitted. Order: lockout, IP window,
	// username window.
	CheckAttempt(ctx context.Context, clientIP, username string) (Decision, error)

	// RegisterFailure bumps the username's failure counter. Once the
	// counter reaches the threshold it sets an exponentially growing,
	// capped lockout and returns (duration, true); below threshold it
	// returns (0, false).
	RegisterFailure(ctx context.Context, username string) (time.Duration, bool, error)

	// RegisterSuccess clears the failure counter and any active lockout.
	RegisterSuccess(ctx context.Context, username string) error
}

// Config holds window and lockout tuning shared by both backends.
type Config struct {
	Window              time.Duration
	IPMaxAttempts       int
	UsernameMaxAttempts int
	LockoutThreshold    int
	LockoutBase         time.Duration
	LockoutMax          time.Duration
}

// lockoutFor computes min(max, base * 2^(failures - threshold)).
func (c Config) lockoutFor(failures int) time.Duration {
	exponent := failures - c.LockoutThreshold
	lockout := c.LockoutBase
	for i := 0; i < exponent; i++ {
		lockout *= 2
		if lockout >= c.LockoutMax {
			return c.LockoutMax
		}
	}
	if lockout > c.LockoutMax {
		return c.LockoutMax
	}
	return lockout
}

func atLeastSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
