// Package botauth authenticates service and bot callers presenting a static token.
package botauth

import (
	"context"
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gghorizon/edge-gateway/internal/clientip"
	"github.com/gghorizon/edge-gateway/internal/events"
)

// AltHeader is accepted in place of "Authorization: Bearer".
const AltHeader = "X-Bot-Token"

// Equal compares presented against expected without exiting early on the first
// differing byte. A length mismatch returns immediately; only the length leaks.
func Equal(presented, expected string) bool {
	if len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	IsLimited(ctx context.Context, key string, privileged bool) bool
	RetryAfter(privileged bool) time.Duration
}

// EventEmitter is satisfied by *events.Dispatcher.
type EventEmitter interface {
	Emit(ev events.SecurityEvent) bool
}

type Options struct {
	Token     string // plain secret
	TokenHash string // bcrypt hash of the secret, used when Token is empty

	// The dev bypass applies only outside production, and only to requests
	// whose Host is localhost.
	AllowDevBypass bool
	Production     bool

	Limiter RateLimiter
	Events  EventEmitter
}

type Authenticator struct {
	opts     Options
	warnOnce sync.Once
}

func New(opts Options) *Authenticator {
	return &Authenticator{opts: opts}
}

// Valid checks a raw token against the configured secret. With no secret
// configured every token is rejected.
func (a *Authenticator) Valid(token string) bool {
	switch {
	case a.opts.Token != "":
		return Equal(token, a.opts.Token)
	case a.opts.TokenHash != "":
		return token != "" && bcrypt.CompareHashAndPassword([]byte(a.opts.TokenHash), []byte(token)) == nil
	default:
		a.warnOnce.Do(func() {
			log.Println("[botauth] WARNING: no bot token configured; all bot requests will be rejected")
		})
		return false
	}
}

// Authenticate checks the request's bot credential, honouring the dev bypass.
func (a *Authenticator) Authenticate(r *http.Request) bool {
	if a.devBypass(r) {
		return true
	}
	return a.Valid(PresentedToken(r))
}

func (a *Authenticator) devBypass(r *http.Request) bool {
	if !a.opts.AllowDevBypass || a.opts.Production {
		return false
	}
	return isLocalhost(r.Host)
}

// Middleware rate limits bot traffic in its own key space, then requires a
// valid token. Denials are 429 or 401 and each emits one security event.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientip.Resolve(r.Header)

		if a.opts.Limiter != nil && a.opts.Limiter.IsLimited(r.Context(), ip, false) {
			a.emit(events.TypeRateLimit, r, ip)
			w.Header().Set("Retry-After", strconv.Itoa(int(a.opts.Limiter.RetryAfter(false).Seconds())))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		if !a.Authenticate(r) {
			a.emit(events.TypeInvalidBotToken, r, ip)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) emit(t events.Type, r *http.Request, ip string) {
	if a.opts.Events != nil {
		a.opts.Events.Emit(events.FromRequest(t, r, ip))
	}
}

// PresentedToken reads "Authorization: Bearer <token>", falling back to AltHeader.
func PresentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get(AltHeader))
}

func isLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
