// Package events records security events from the gating path. Delivery is
// fire-and-forget: nothing in this package can block or change a gating decision.
package events

import (
	"net/http"
	"time"
)

// Type classifies a denial.
type Type string

const (
	TypeRateLimit          Type = "rate_limit"
	TypeNoSession          Type = "no_session"
	TypeUnauthorized       Type = "unauthorized"
	TypeUnauthorizedOrigin Type = "unauthorized_origin"
	TypeMethodNotAllowed   Type = "method_not_allowed"
	TypeInvalidBotToken    Type = "invalid_bot_token"
)

// SecurityEvent is created once per denial decision.
type SecurityEvent struct {
	ID              string    `json:"id"`
	Type            Type      `json:"type"`
	IP              string    `json:"ip"`
	UserAgent       string    `json:"userAgent"`
	Path            string    `json:"path"`
	Method          string    `json:"method,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	IsAuthenticated bool      `json:"isAuthenticated"`
	UserID          string    `json:"userId,omitempty"`
	Email           string    `json:"email,omitempty"`
	Referer         string    `json:"referer,omitempty"`
	Origin          string    `json:"origin,omitempty"`
}

// FromRequest fills the request-derived fields of an event.
func FromRequest(t Type, r *http.Request, ip string) SecurityEvent {
	return SecurityEvent{
		Type:      t,
		IP:        ip,
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Referer:   r.Referer(),
		Origin:    r.Header.Get("Origin"),
	}
}
