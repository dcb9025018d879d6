package botauth_test

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gghorizon/edge-gateway/internal/botauth"
	"github.com/gghorizon/edge-gateway/internal/events"
	"github.com/gghorizon/edge-gateway/internal/ratelimit"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

type recorder struct {
	mu  sync.Mutex
	evs []events.SecurityEvent
}

func (r *recorder) Emit(ev events.SecurityEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return true
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

// ── Equal ────────────────────────────────────────────────────────────────────

func TestEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"", "", true},
		{"secret", "secret", true},
		{"secret", "secreT", false},
		{"secret", "secrets", false},
		{"", "x", false},
		{"x", "", false},
		{"ﬁ", "ﬁ", true},
		{strings.Repeat("a", 64), strings.Repeat("a", 63) + "b", false},
	}
	for _, tt := range tests {
		if got := botauth.Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%q, %q): expected %v, got %v", tt.a, tt.b, tt.want, got)
		}
	}
}

func TestEqual_TimingIndependentOfMismatchPosition(t *testing.T) {
	if testing.Short() {
		t.Skip("timing comparison skipped in -short mode")
	}
	secret := strings.Repeat("s", 4096)
	first := "x" + secret[1:]
	last := secret[:len(secret)-1] + "x"

	median := func(presented string) time.Duration {
		const samples, perSample = 31, 500
		d := make([]time.Duration, samples)
		for i := range d {
			start := time.Now()
			for j := 0; j < perSample; j++ {
				botauth.Equal(presented, secret)
			}
			d[i] = time.Since(start)
		}
		sort.Slice(d, func(a, b int) bool { return d[a] < d[b] })
		return d[samples/2]
	}

	// Warm up before measuring.
	median(first)
	mFirst, mLast := median(first), median(last)
	ratio := float64(mLast) / float64(mFirst)
	if ratio > 2.5 || ratio < 0.4 {
		t.Errorf("median for last-byte mismatch is %.2fx the first-byte one (%v vs %v)", ratio, mLast, mFirst)
	}
}

func BenchmarkEqual_FirstByteMismatch(b *testing.B) {
	secret := strings.Repeat("s", 256)
	presented := "x" + strings.Repeat("s", 255)
	for i := 0; i < b.N; i++ {
		botauth.Equal(presented, secret)
	}
}

func BenchmarkEqual_LastByteMismatch(b *testing.B) {
	secret := strings.Repeat("s", 256)
	presented := strings.Repeat("s", 255) + "x"
	for i := 0; i < b.N; i++ {
		botauth.Equal(presented, secret)
	}
}

// ── Valid ────────────────────────────────────────────────────────────────────

func TestValid_PlainToken(t *testing.T) {
	a := botauth.New(botauth.Options{Token: "bot-secret"})
	if !a.Valid("bot-secret") {
		t.Error("expected configured token to be valid")
	}
	if a.Valid("bot-secreT") || a.Valid("") {
		t.Error("expected mismatches to be rejected")
	}
}

func TestValid_HashedToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("bot-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	a := botauth.New(botauth.Options{TokenHash: string(hash)})
	if !a.Valid("bot-secret") {
		t.Error("expected hashed token to match")
	}
	if a.Valid("wrong") || a.Valid("") {
		t.Error("expected mismatches to be rejected")
	}
}

func TestValid_NoSecretFailsClosed(t *testing.T) {
	a := botauth.New(botauth.Options{})
	if a.Valid("") || a.Valid("anything") {
		t.Error("missing configuration must reject every token")
	}
}

// ── Dev bypass ───────────────────────────────────────────────────────────────

func TestAuthenticate_DevBypassNeedsAllConditions(t *testing.T) {
	tests := []struct {
		name       string
		allow      bool
		production bool
		host       string
		want       bool
	}{
		{"all three", true, false, "localhost:3000", true},
		{"loopback ip", true, false, "127.0.0.1:8080", true},
		{"flag off", false, false, "localhost:3000", false},
		{"production", true, true, "localhost:3000", false},
		{"public host", true, false, "gghorizon.com", false},
		{"localhost lookalike", true, false, "localhost.evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := botauth.New(botauth.Options{Token: "s", AllowDevBypass: tt.allow, Production: tt.production})
			req := httptest.NewRequest(http.MethodGet, "/api/bot/sync", nil)
			req.Host = tt.host
			if got := a.Authenticate(req); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPresentedToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	if got := botauth.PresentedToken(req); got != "abc" {
		t.Errorf("expected abc, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic Zm9v")
	req.Header.Set(botauth.AltHeader, "alt")
	if got := botauth.PresentedToken(req); got != "alt" {
		t.Errorf("expected alt header fallback, got %q", got)
	}
}

// ── Middleware ───────────────────────────────────────────────────────────────

func botRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/bot/sync", nil)
	req.Host = "gghorizon.com"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestMiddleware_ValidTokenPasses(t *testing.T) {
	rec := &recorder{}
	h := botauth.New(botauth.Options{Token: "s", Events: rec}).Middleware(okHandler)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, botRequest("s"))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if len(rec.types()) != 0 {
		t.Errorf("expected no events, got %v", rec.types())
	}
}

func TestMiddleware_InvalidTokenIs401(t *testing.T) {
	rec := &recorder{}
	h := botauth.New(botauth.Options{Token: "s", Events: rec}).Middleware(okHandler)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, botRequest("wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.TypeInvalidBotToken {
		t.Errorf("expected one invalid_bot_token event, got %v", got)
	}
}

func TestMiddleware_RateLimited(t *testing.T) {
	rec := &recorder{}
	q := ratelimit.Quota{Max: 2, Window: time.Minute}
	limiter := ratelimit.New("bot", ratelimit.NewMemoryStore(), q, q)
	h := botauth.New(botauth.Options{Token: "s", Events: rec, Limiter: limiter}).Middleware(okHandler)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, botRequest("s"))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, botRequest("s"))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.TypeRateLimit {
		t.Errorf("expected one rate_limit event, got %v", got)
	}
}
