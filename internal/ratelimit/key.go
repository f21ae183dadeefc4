package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives the rate-limit identity of a request.
type KeyFunc func(r *http.Request) string

// ClientKey returns a KeyFunc that identifies the client by the left-most
// X-Forwarded-For entry, then X-Real-IP, then (when trustRemoteAddr is set)
// the host part of RemoteAddr. Anything else maps to "unknown", so all
// unidentifiable clients share one bucket.
func ClientKey(trustRemoteAddr bool) KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}

		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}

		if trustRemoteAddr {
			host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
			if err == nil && host != "" {
				return host
			}
			if r.RemoteAddr != "" {
				return r.RemoteAddr
			}
		}

		return "unknown"
	}
}
