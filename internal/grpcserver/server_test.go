package grpcserver_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/gghorizon/edge-gateway/internal/events"
	"github.com/gghorizon/edge-gateway/internal/grpcserver"
	"github.com/gghorizon/edge-gateway/internal/session"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeSessions struct {
	results map[string]session.Result
	calls   int
}

func (f *fakeSessions) Resolve(_ context.Context, token string) session.Result {
	f.calls++
	return f.results[token]
}

type fakeBots struct{ token string }

func (f fakeBots) Valid(token string) bool { return token == f.token }

// limitAfter allows max hits per key and class, then limits.
type limitAfter struct {
	mu   sync.Mutex
	max  int
	hits map[string]int
}

func newLimitAfter(max int) *limitAfter {
	return &limitAfter{max: max, hits: make(map[string]int)}
}

func (l *limitAfter) IsLimited(_ context.Context, key string, privileged bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := fmt.Sprintf("%s:%v", key, privileged)
	l.hits[k]++
	return l.hits[k] > l.max
}

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

// ── Helpers ──────────────────────────────────────────────────────────────────

func newTestClient(t *testing.T, opts grpcserver.Options) *grpcserver.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	grpcserver.Register(s, grpcserver.NewServer(opts))
	go s.Serve(lis) //nolint:errcheck
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return grpcserver.NewClient(conn)
}

// ── ResolveSession ───────────────────────────────────────────────────────────

func TestResolveSession(t *testing.T) {
	sessions := &fakeSessions{results: map[string]session.Result{
		"admin-tok": {UID: "u1", IsAdmin: true, Authenticated: true},
		"user-tok":  {UID: "u2", Authenticated: true},
	}}
	client := newTestClient(t, grpcserver.Options{Sessions: sessions, Bots: fakeBots{}})
	ctx := context.Background()

	cases := []struct {
		token string
		want  bool
	}{
		{"admin-tok", true},
		{"user-tok", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		got, err := client.ResolveSession(ctx, tc.token)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.token, err)
		}
		if got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.token, tc.want, got)
		}
	}
}

func TestResolveSession_EmptyToken(t *testing.T) {
	sessions := &fakeSessions{}
	client := newTestClient(t, grpcserver.Options{Sessions: sessions, Bots: fakeBots{}})

	_, err := client.ResolveSession(context.Background(), "")
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
	if sessions.calls != 0 {
		t.Errorf("expected no resolver call, got %d", sessions.calls)
	}
}

// ── ValidateBotToken ─────────────────────────────────────────────────────────

func TestValidateBotToken(t *testing.T) {
	client := newTestClient(t, grpcserver.Options{Sessions: &fakeSessions{}, Bots: fakeBots{token: "bot-secret"}})
	ctx := context.Background()

	ok, err := client.ValidateBotToken(ctx, "bot-secret")
	if err != nil || !ok {
		t.Errorf("expected valid, got %v (%v)", ok, err)
	}
	ok, err = client.ValidateBotToken(ctx, "bot-secreT")
	if err != nil || ok {
		t.Errorf("expected invalid, got %v (%v)", ok, err)
	}
	if _, err := client.ValidateBotToken(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for empty token, got %v", err)
	}
}

// ── Throttling ───────────────────────────────────────────────────────────────

func TestValidateBotToken_ThrottlesGuesses(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, grpcserver.Options{
		Sessions:   &fakeSessions{},
		Bots:       fakeBots{token: "bot-secret"},
		BotLimiter: newLimitAfter(3),
		Events:     rec,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := client.ValidateBotToken(ctx, fmt.Sprintf("guess-%d", i))
		if err != nil || ok {
			t.Fatalf("guess %d: expected false without error, got %v (%v)", i, ok, err)
		}
	}
	// Even the right token is refused once the quota is spent.
	if _, err := client.ValidateBotToken(ctx, "bot-secret"); status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}

	want := []events.Type{
		events.TypeInvalidBotToken, events.TypeInvalidBotToken, events.TypeInvalidBotToken,
		events.TypeRateLimit,
	}
	got := rec.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	rec.mu.Lock()
	last := rec.evs[len(rec.evs)-1]
	rec.mu.Unlock()
	if last.Path != "/edge.v1.EdgeGate/ValidateBotToken" || last.IP == "" {
		t.Errorf("unexpected event fields: %+v", last)
	}
}

func TestValidateBotToken_ValidTokenEmitsNothing(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, grpcserver.Options{
		Sessions:   &fakeSessions{},
		Bots:       fakeBots{token: "bot-secret"},
		BotLimiter: newLimitAfter(10),
		Events:     rec,
	})
	if ok, err := client.ValidateBotToken(context.Background(), "bot-secret"); err != nil || !ok {
		t.Fatalf("expected valid, got %v (%v)", ok, err)
	}
	if n := len(rec.types()); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestResolveSession_Throttled(t *testing.T) {
	rec := &recorder{}
	sessions := &fakeSessions{results: map[string]session.Result{"admin-tok": {IsAdmin: true}}}
	client := newTestClient(t, grpcserver.Options{
		Sessions:       sessions,
		Bots:           fakeBots{},
		SessionLimiter: newLimitAfter(1),
		Events:         rec,
	})
	ctx := context.Background()

	if ok, err := client.ResolveSession(ctx, "admin-tok"); err != nil || !ok {
		t.Fatalf("expected admin, got %v (%v)", ok, err)
	}
	if _, err := client.ResolveSession(ctx, "admin-tok"); status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
	if sessions.calls != 1 {
		t.Errorf("expected the resolver to be skipped when limited, got %d calls", sessions.calls)
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.TypeRateLimit {
		t.Errorf("expected one rate_limit event, got %v", got)
	}
}

// ── Interceptor ──────────────────────────────────────────────────────────────

func TestInterceptorSeesFullMethod(t *testing.T) {
	var seen string
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return h(ctx, req)
	}))
	grpcserver.Register(s, grpcserver.NewServer(grpcserver.Options{Sessions: &fakeSessions{}, Bots: fakeBots{token: "x"}}))
	go s.Serve(lis) //nolint:errcheck
	defer s.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := grpcserver.NewClient(conn).ValidateBotToken(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "/edge.v1.EdgeGate/ValidateBotToken" {
		t.Errorf("unexpected FullMethod %q", seen)
	}
}
