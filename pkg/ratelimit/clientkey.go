package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientKey derives the client identity for rate limiting. The service
// runs behind a reverse proxy, so the leftmost X-Forwarded-For entry is
// the original client; without the header the direct connection address
// is used.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "0.0.0.0"
	}
	return host
}
