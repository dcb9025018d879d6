// Package middleware provides the HTTP middleware for the edge gateway.
// It chains security headers with a per-request CSP nonce, request ids,
// structured request logging, and Prometheus metrics.
package middleware

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gghorizon/edge-gateway/internal/clientip"
)

// Chain applies a stack of middleware functions to a handler, in order (outermost first).
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// ── Security Headers ──────────────────────────────────────────────────────────

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	IsLimited(ctx context.Context, key string, privileged bool) bool
	RetryAfter(privileged bool) time.Duration
}

type HeaderOptions struct {
	StaticPrefixes []string
	AdminPrefix    string
	APIPrefix      string
	AdminAPIPrefix string
	// APILimiter applies to APIPrefix paths; AdminAPIPrefix paths use its privileged quota.
	APILimiter RateLimiter
	Policy     *CSP
}

func DefaultHeaderOptions() HeaderOptions {
	return HeaderOptions{
		StaticPrefixes: []string{"/_next/static/", "/_next/image", "/static/", "/images/", "/favicon.ico", "/robots.txt"},
		AdminPrefix:    "/admin",
		APIPrefix:      "/api/",
		AdminAPIPrefix: "/api/admin",
		Policy:         DefaultCSP(true),
	}
}

// SecurityHeaders returns middleware that, for every non-static request, applies
// the coarse API rate limit, generates a CSP nonce, and sets hardening headers.
func SecurityHeaders(opts HeaderOptions) func(http.Handler) http.Handler {
	if opts.Policy == nil {
		opts.Policy = DefaultCSP(true)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if hasAnyPrefix(path, opts.StaticPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			isAPI := opts.APIPrefix != "" && strings.HasPrefix(path, opts.APIPrefix)
			if isAPI && opts.APILimiter != nil {
				privileged := opts.AdminAPIPrefix != "" && strings.HasPrefix(path, opts.AdminAPIPrefix)
				if opts.APILimiter.IsLimited(r.Context(), clientip.Resolve(r.Header), privileged) {
					w.Header().Set("Retry-After", strconv.Itoa(int(opts.APILimiter.RetryAfter(privileged).Seconds())))
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
			}

			nonce, err := GenerateNonce()
			if err != nil {
				log.Printf("[http] nonce generation failed: %v", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			// Overwrite any client-supplied value so upstream only sees our nonce.
			r.Header.Set(NonceHeader, nonce)

			h := w.Header()
			h.Set("Content-Security-Policy", opts.Policy.Build(nonce))
			h.Set(NonceHeader, nonce)
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			if isAPI || (opts.AdminPrefix != "" && strings.HasPrefix(path, opts.AdminPrefix)) {
				h.Set("X-Robots-Tag", "noindex, nofollow")
			}
			if isAPI {
				h.Set("Cache-Control", "no-store, max-age=0")
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ── Request ID ────────────────────────────────────────────────────────────────

// RequestID assigns an X-Request-ID when the caller did not send one and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// ── Request Logger ────────────────────────────────────────────────────────────

// responseWriter captures the status code written by the downstream handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (flushing for proxied streams).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger logs method, path, status code, latency, client and request id for every request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		log.Printf("[http] %s %s %d %s ip=%s id=%s",
			r.Method,
			r.URL.Path,
			rw.statusCode,
			time.Since(start).Round(time.Millisecond),
			clientip.Resolve(r.Header),
			r.Header.Get("X-Request-ID"),
		)
	})
}
