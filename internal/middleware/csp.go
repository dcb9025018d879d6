package middleware

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// NonceHeader carries the per-request CSP nonce to the upstream renderer (request
// header) and to the client (response header).
const NonceHeader = "X-Nonce"

// GenerateNonce returns 16 random bytes, base64 encoded.
func GenerateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

type directive struct {
	name    string
	sources []string
}

// CSP is a fixed source allow-list; Build inserts the request's nonce into script-src.
type CSP struct {
	directives []directive
}

// DefaultCSP is the site policy. Outside production, 'unsafe-eval' is allowed for
// the development server's hot reload.
func DefaultCSP(production bool) *CSP {
	script := []string{"'self'", "'strict-dynamic'", "https://apis.google.com", "https://www.googletagmanager.com"}
	if !production {
		script = append(script, "'unsafe-eval'")
	}
	return &CSP{directives: []directive{
		{"default-src", []string{"'self'"}},
		{"script-src", script},
		{"style-src", []string{"'self'", "'unsafe-inline'", "https://fonts.googleapis.com"}},
		{"img-src", []string{"'self'", "data:", "blob:", "https:"}},
		{"font-src", []string{"'self'", "https://fonts.gstatic.com"}},
		{"connect-src", []string{"'self'", "https://*.googleapis.com", "https://*.firebaseio.com", "wss://*.firebaseio.com", "https://www.google-analytics.com"}},
		{"frame-src", []string{"'self'", "https://*.firebaseapp.com", "https://www.youtube.com"}},
		{"object-src", []string{"'none'"}},
		{"base-uri", []string{"'self'"}},
		{"form-action", []string{"'self'"}},
		{"frame-ancestors", []string{"'none'"}},
		{"upgrade-insecure-requests", nil},
	}}
}

// Build renders the policy with nonce placed first in script-src.
func (c *CSP) Build(nonce string) string {
	parts := make([]string, 0, len(c.directives))
	for _, d := range c.directives {
		sources := d.sources
		if d.name == "script-src" && nonce != "" {
			sources = append([]string{"'nonce-" + nonce + "'"}, sources...)
		}
		if len(sources) == 0 {
			parts = append(parts, d.name)
			continue
		}
		parts = append(parts, d.name+" "+strings.Join(sources, " "))
	}
	return strings.Join(parts, "; ")
}
