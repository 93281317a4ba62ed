package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Credential and session errors. Callers surface all of these as a
	// generic "unauthorized" so user-unknown and wrong-password are
	// indistinguishable from the outside.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid refresh token")
	ErrTokenExpired       = errors.New("refresh token expired")
	ErrReuseDetected      = errors.New("refresh token reuse detected")

	// Throttling errors
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrLocked      = errors.New("account is temporarily locked")

	// Stored-artifact errors. Distinct from ErrNotFound: the row exists
	// but cannot be read with the configured keys.
	ErrDecryptionFailed = errors.New("payload decryption failed")
	ErrKeyUnavailable   = errors.New("encryption key unavailable")
)

// RetryableError wraps a throttling sentinel with the hint callers need
// to populate a Retry-After header. Unwrap preserves errors.Is matching
// against ErrRateLimited / ErrLocked.
type RetryableError struct {
	Err        error
	Scope      string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s (scope=%s, retry after %s)", e.Err, e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("%s (retry after %s)", e.Err, e.RetryAfter)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
