// Package ratelimit admits or denies requests against named scopes.
// Every request counts against the global scope; token, upload, and
// export endpoints additionally count against their own scopes.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Scope names.
const (
	ScopeGlobal = "global"
	ScopeAuth   = "auth"
	ScopeUpload = "upload"
	ScopeExport = "export"
)

// Decision is the outcome of a check. On denial, Scope names the single
// bucket that triggered it.
type Decision struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
}

// Limiter is implemented by the in-process and shared-counter backends.
type Limiter interface {
	// Check evaluates every applicable scope for (path, method). If any
	// bucket is at capacity it denies immediately, citing that scope;
	// only when all scopes have headroom is the request recorded against
	// every bucket and allowed.
	Check(ctx context.Context, clientID, path, method string) (Decision, error)
}

// Config holds window size and per-scope maxima. A max of zero disables
// that scope's bucket.
type Config struct {
	Window    time.Duration
	GlobalMax int
	AuthMax   int
	UploadMax int
	ExportMax int
}

type scopeLimit struct {
	name string
	max  int
}

// scopesFor derives the applicable scopes for a request.
func (c Config) scopesFor(path, method string) []scopeLimit {
	scopes := []scopeLimit{{ScopeGlobal, c.GlobalMax}}
	method = strings.ToUpper(method)

	if strings.HasSuffix(path, "/auth/token") || strings.HasSuffix(path, "/auth/token/refresh") {
		scopes = append(scopes, scopeLimit{ScopeAuth, c.AuthMax})
	}

	switch method {
	case "POST", "PUT", "PATCH":
		if strings.HasSuffix(path, "/employee-salaries/import") || strings.Contains(path, "/invoices/signatories") {
			scopes = append(scopes, scopeLimit{ScopeUpload, c.UploadMax})
		}
	case "GET":
		if strings.HasSuffix(path, "/employee-salaries/export") ||
			strings.HasSuffix(path, "/driver-report/export") ||
			strings.HasSuffix(path, "/pdf") {
			scopes = append(scopes, scopeLimit{ScopeExport, c.ExportMax})
		}
	}

	return scopes
}

func atLeastSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
