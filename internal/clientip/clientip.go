// Package clientip derives a best-effort client address from proxy headers.
//
// The result is only ever used as a rate-limit and logging key. Header values are
// spoofable, so nothing here should feed an authorization decision.
package clientip

import (
	"net/http"
	"strings"
)

// Unknown is returned when no usable header is present.
const Unknown = "unknown"

// Resolve checks, in order, the CDN connecting-IP header, the first hop of
// X-Forwarded-For, and X-Real-IP. The value is not validated as an IP.
func Resolve(h http.Header) string {
	if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := usable(first); ip != "" {
			return ip
		}
	}
	if ip := usable(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return Unknown
}

func usable(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, Unknown) {
		return ""
	}
	return v
}
