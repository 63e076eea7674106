package ratelimit

import (
	"net/http"
	"strings"
)

// CallerKey derives the rate limit caller key for a request. An
// authenticated subject is the most stable identity; anonymous traffic
// falls back to the client IP.
func CallerKey(r *http.Request, subject string) string {
	if subject != "" {
		return "sub:" + subject
	}
	return "ip:" + GetClientIP(r)
}

// GetClientIP extracts the client IP, preferring proxy headers over the
// socket address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}

	// IPv6 literals arrive bracketed.
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}
