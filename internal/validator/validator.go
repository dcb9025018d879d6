// Package validator pre-filters requests to the admin surface by user agent and
// by the Host, Origin and Referer headers. It runs before the session check and
// is not a substitute for it.
package validator

import (
	"net/http"
	"strings"
)

type Validator struct {
	allowed []string
}

// New allows the production domain plus localhost.
func New(siteDomain string) *Validator {
	allowed := []string{"localhost"}
	if d := strings.ToLower(strings.TrimSpace(siteDomain)); d != "" {
		allowed = append(allowed, d)
	}
	return &Validator{allowed: allowed}
}

// IsValid reports whether every rule passes:
// a non-empty User-Agent, an allowed Host, and an allowed Origin and Referer when present.
func (v *Validator) IsValid(r *http.Request) bool {
	if strings.TrimSpace(r.UserAgent()) == "" {
		return false
	}

	host := r.Host
	if host == "" {
		host = r.Header.Get("Host")
	}
	if !v.matches(host) {
		return false
	}

	if origin := r.Header.Get("Origin"); origin != "" && !v.matches(origin) {
		return false
	}
	if referer := r.Referer(); referer != "" && !v.matches(referer) {
		return false
	}
	return true
}

func (v *Validator) matches(value string) bool {
	value = strings.ToLower(value)
	for _, d := range v.allowed {
		if strings.Contains(value, d) {
			return true
		}
	}
	return false
}
