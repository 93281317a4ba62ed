package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestFrom(remoteAddr string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	r.RemoteAddr = remoteAddr
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestClientIP_NilConfigIgnoresHeaders(t *testing.T) {
	r := requestFrom("203.0.113.7:41000", map[string]string{
		"X-Forwarded-For": "10.0.0.1",
		"X-Real-IP":       "10.0.0.2",
	})

	var cfg *IPConfig
	assert.Equal(t, "203.0.113.7", cfg.ClientIP(r))
}

func TestClientIP_UntrustedPeerIgnoresHeaders(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}
	r := requestFrom("203.0.113.7:41000", map[string]string{
		"X-Forwarded-For": "198.51.100.9",
	})

	assert.Equal(t, "203.0.113.7", cfg.ClientIP(r))
}

func TestClientIP_TrustedProxyUsesForwardedFor(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}
	r := requestFrom("10.1.2.3:41000", map[string]string{
		"X-Forwarded-For": "198.51.100.9, 10.1.2.3",
	})

	assert.Equal(t, "198.51.100.9", cfg.ClientIP(r))
}

func TestClientIP_SkipsGarbageForwardedEntries(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}
	r := requestFrom("10.1.2.3:41000", map[string]string{
		"X-Forwarded-For": "not-an-ip, 198.51.100.9",
	})

	assert.Equal(t, "198.51.100.9", cfg.ClientIP(r))
}

func TestClientIP_RealIPFallback(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}
	r := requestFrom("10.1.2.3:41000", map[string]string{
		"X-Real-IP": "198.51.100.9",
	})

	assert.Equal(t, "198.51.100.9", cfg.ClientIP(r))
}

func TestClientIP_TrustedProxyWithoutHeadersUsesPeer(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}
	r := requestFrom("10.1.2.3:41000", nil)

	assert.Equal(t, "10.1.2.3", cfg.ClientIP(r))
}

func TestClientIP_IPv6TrustedProxy(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"fd00::/8"}}
	r := requestFrom("[fd00::1]:41000", map[string]string{
		"X-Forwarded-For": "2001:db8::9",
	})

	assert.Equal(t, "2001:db8::9", cfg.ClientIP(r))
}

func TestClientIP_InvalidCIDRIsSkipped(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"garbage", "10.0.0.0/8"}}
	r := requestFrom("10.1.2.3:41000", map[string]string{
		"X-Forwarded-For": "198.51.100.9",
	})

	assert.Equal(t, "198.51.100.9", cfg.ClientIP(r))
}

func TestClientIP_LoopbackNotImplicitlyTrusted(t *testing.T) {
	cfg := &IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}
	r := requestFrom("127.0.0.1:41000", map[string]string{
		"X-Forwarded-For": "198.51.100.9",
	})

	assert.Equal(t, "127.0.0.1", cfg.ClientIP(r))
}

func TestClientIP_BareRemoteAddrWithoutPort(t *testing.T) {
	var cfg *IPConfig
	r := requestFrom("203.0.113.7", nil)

	assert.Equal(t, "203.0.113.7", cfg.ClientIP(r))
}
