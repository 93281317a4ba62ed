package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiterConfig() Config {
	return Config{
		Window:    time.Minute,
		GlobalMax: 100,
		AuthMax:   10,
		UploadMax: 5,
		ExportMax: 5,
	}
}

func TestConfig_ScopeDerivation(t *testing.T) {
	config := testLimiterConfig()

	cases := []struct {
		name   string
		path   string
		method string
		scopes []string
	}{
		{"plain get", "/api/v1/companies", "GET", []string{ScopeGlobal}},
		{"login", "/api/v1/auth/token", "POST", []string{ScopeGlobal, ScopeAuth}},
		{"refresh", "/api/v1/auth/token/refresh", "POST", []string{ScopeGlobal, ScopeAuth}},
		{"salary import", "/api/v1/employee-salaries/import", "POST", []string{ScopeGlobal, ScopeUpload}},
		{"signatory upload", "/api/v1/invoices/signatories/3", "PUT", []string{ScopeGlobal, ScopeUpload}},
		{"signatory get is not upload", "/api/v1/invoices/signatories/3", "GET", []string{ScopeGlobal}},
		{"salary export", "/api/v1/employee-salaries/export", "GET", []string{ScopeGlobal, ScopeExport}},
		{"driver report", "/api/v1/driver-report/export", "GET", []string{ScopeGlobal, ScopeExport}},
		{"invoice pdf", "/api/v1/invoices/7/pdf", "GET", []string{ScopeGlobal, ScopeExport}},
		{"pdf post is not export", "/api/v1/invoices/7/pdf", "POST", []string{ScopeGlobal}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scopes := config.scopesFor(tc.path, tc.method)
			names := make([]string, len(scopes))
			for i, s := range scopes {
				names[i] = s.name
			}
			assert.Equal(t, tc.scopes, names)
		})
	}
}

func TestMemoryLimiter_GlobalScopeDenies(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Window: time.Minute, GlobalMax: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := limiter.Check(ctx, "client-1", "/api/v1/companies", "GET")
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}

	decision, err := limiter.Check(ctx, "client-1", "/api/v1/companies", "GET")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ScopeGlobal, decision.Scope)
	assert.Positive(t, decision.RetryAfter)
}

func TestMemoryLimiter_DenialNamesTriggeringScope(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Window: time.Minute, GlobalMax: 100, AuthMax: 1})
	ctx := context.Background()

	decision, err := limiter.Check(ctx, "client-1", "/api/v1/auth/token", "POST")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Check(ctx, "client-1", "/api/v1/auth/token", "POST")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ScopeAuth, decision.Scope)
}

func TestMemoryLimiter_DeniedRequestNotRecorded(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Window: time.Minute, GlobalMax: 5, AuthMax: 1})
	ctx := context.Background()

	decision, err := limiter.Check(ctx, "client-1", "/api/v1/auth/token", "POST")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// Auth-scope denials must not consume global headroom.
	for i := 0; i < 3; i++ {
		decision, err = limiter.Check(ctx, "client-1", "/api/v1/auth/token", "POST")
		require.NoError(t, err)
		require.False(t, decision.Allowed)
	}

	for i := 0; i < 4; i++ {
		decision, err = limiter.Check(ctx, "client-1", "/api/v1/companies", "GET")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "global request %d", i+1)
	}
}

func TestMemoryLimiter_ClientsIsolated(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Window: time.Minute, GlobalMax: 1})
	ctx := context.Background()

	decision, err := limiter.Check(ctx, "client-1", "/api/v1/companies", "GET")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Check(ctx, "client-2", "/api/v1/companies", "GET")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Window: time.Minute, GlobalMax: 1})
	ctx := context.Background()

	current := time.Now()
	limiter.now = func() time.Time { return current }

	decision, err := limiter.Check(ctx, "client-1", "/api/v1/companies", "GET")
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = limiter.Check(ctx, "client-1", "/api/v1/companies", "GET")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	current = current.Add(61 * time.Second)
	decision, err = limiter.Check(ctx, "client-1", "/api/v1/companies", "GET")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestMemoryLimiter_ZeroMaxDisablesScope(t *testing.T) {
	limiter := NewMemoryLimiter(Config{Window: time.Minute, GlobalMax: 0, AuthMax: 0})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		decision, err := limiter.Check(ctx, "client-1", "/api/v1/auth/token", "POST")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}
}
