// Package gate guards the admin surface. Each request runs through an ordered set
// of checks and the first failure is terminal:
//
//	method → client identity → request validation → rate limit →
//	session presence → session authorization → downstream handler
//
// Every denial emits exactly one security event and answers with a bare status
// (403, 405 or 429) that does not say which check failed.
package gate

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gghorizon/edge-gateway/internal/clientip"
	"github.com/gghorizon/edge-gateway/internal/events"
	"github.com/gghorizon/edge-gateway/internal/session"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "admin_gate_decisions_total",
	Help:      "Admin gate outcomes (allowed, or the event type of the denial).",
}, []string{"outcome"})

var tracer = otel.Tracer("github.com/gghorizon/edge-gateway/internal/gate")

// RequestValidator is satisfied by *validator.Validator.
type RequestValidator interface {
	IsValid(r *http.Request) bool
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	IsLimited(ctx context.Context, key string, privileged bool) bool
}

// SessionResolver is satisfied by *session.Cache.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) session.Result
}

// EventEmitter is satisfied by *events.Dispatcher. Emit must not block.
type EventEmitter interface {
	Emit(ev events.SecurityEvent) bool
}

type AdminGate struct {
	validator  RequestValidator
	limiter    RateLimiter
	sessions   SessionResolver
	events     EventEmitter
	cookieName string
	retryAfter string
}

type Options struct {
	Validator  RequestValidator
	Limiter    RateLimiter
	Sessions   SessionResolver
	Events     EventEmitter
	CookieName string
	// RetryAfterSeconds is sent with 429 responses; 0 omits the header.
	RetryAfterSeconds int
}

func New(opts Options) *AdminGate {
	g := &AdminGate{
		validator:  opts.Validator,
		limiter:    opts.Limiter,
		sessions:   opts.Sessions,
		events:     opts.Events,
		cookieName: opts.CookieName,
	}
	if opts.RetryAfterSeconds > 0 {
		g.retryAfter = strconv.Itoa(opts.RetryAfterSeconds)
	}
	return g
}

// Wrap returns next guarded by the gate.
func (g *AdminGate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "admin_gate")
		defer span.End()

		if !g.allow(ctx, w, r) {
			return
		}
		span.SetAttributes(attribute.String("gate.outcome", "allowed"))
		decisionsTotal.WithLabelValues("allowed").Inc()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// allow runs the checks in order and writes the terminal response on denial.
func (g *AdminGate) allow(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	ip := clientip.Resolve(r.Header)

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		g.deny(ctx, w, http.StatusMethodNotAllowed, events.FromRequest(events.TypeMethodNotAllowed, r, ip))
		return false
	}

	if !g.validator.IsValid(r) {
		g.deny(ctx, w, http.StatusForbidden, events.FromRequest(events.TypeUnauthorizedOrigin, r, ip))
		return false
	}

	if g.limiter.IsLimited(ctx, ip, true) {
		if g.retryAfter != "" {
			w.Header().Set("Retry-After", g.retryAfter)
		}
		g.deny(ctx, w, http.StatusTooManyRequests, events.FromRequest(events.TypeRateLimit, r, ip))
		return false
	}

	cookie, err := r.Cookie(g.cookieName)
	if err != nil || cookie.Value == "" {
		g.deny(ctx, w, http.StatusForbidden, events.FromRequest(events.TypeNoSession, r, ip))
		return false
	}

	res := g.sessions.Resolve(ctx, cookie.Value)
	if !res.IsAdmin {
		ev := events.FromRequest(events.TypeUnauthorized, r, ip)
		ev.IsAuthenticated = res.Authenticated
		ev.UserID = res.UID
		ev.Email = res.Email
		g.deny(ctx, w, http.StatusForbidden, ev)
		return false
	}
	return true
}

func (g *AdminGate) deny(ctx context.Context, w http.ResponseWriter, status int, ev events.SecurityEvent) {
	decisionsTotal.WithLabelValues(string(ev.Type)).Inc()
	markOutcome(ctx, ev.Type)
	if g.events != nil {
		g.events.Emit(ev)
	}
	http.Error(w, http.StatusText(status), status)
}

func markOutcome(ctx context.Context, t events.Type) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("gate.outcome", string(t)))
}
