package http

import (
	"net"
	"net/http"
	"strings"
)

// IPConfig decides which peers are allowed to assert a client address via
// forwarding headers. An empty or nil config trusts nobody, so headers
// from arbitrary clients cannot spoof the address the guard and limiter
// key on.
type IPConfig struct {
	TrustedProxies []string // CIDR ranges
}

// ClientIP resolves the address a request should be attributed to.
// X-Forwarded-For (first parseable entry) and X-Real-IP are honored only
// when the direct peer falls inside a trusted proxy range; otherwise the
// socket address wins.
func (c *IPConfig) ClientIP(r *http.Request) string {
	peer := peerAddr(r)

	if c == nil || !c.trusts(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			candidate := strings.TrimSpace(part)
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	return peer
}

func (c *IPConfig) trusts(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}

	for _, cidr := range c.TrustedProxies {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func peerAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
