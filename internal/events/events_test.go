package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gghorizon/edge-gateway/internal/events"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type recordingSink struct {
	mu     sync.Mutex
	events []events.SecurityEvent
	err    error
	got    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 100)}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Record(_ context.Context, ev events.SecurityEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- struct{}{}
	return s.err
}

func (s *recordingSink) Events() []events.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.SecurityEvent(nil), s.events...)
}

type blockingSink struct{ release chan struct{} }

func (blockingSink) Name() string { return "blocking" }
func (s blockingSink) Record(ctx context.Context, _ events.SecurityEvent) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

type panickingSink struct{}

func (panickingSink) Name() string { return "panicking" }
func (panickingSink) Record(context.Context, events.SecurityEvent) error {
	panic("boom")
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

// ── Dispatcher ───────────────────────────────────────────────────────────────

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a, b := newRecordingSink(), newRecordingSink()
	d := events.NewDispatcher(events.DefaultDispatcherOptions(), a, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if !d.Emit(events.SecurityEvent{Type: events.TypeNoSession, IP: "1.2.3.4"}) {
		t.Fatal("expected event to be accepted")
	}
	waitFor(t, a.got)
	waitFor(t, b.got)

	ev := a.Events()[0]
	if ev.ID == "" {
		t.Error("expected an event ID to be assigned")
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected a timestamp to be assigned")
	}
	if ev.Type != events.TypeNoSession {
		t.Errorf("expected no_session, got %s", ev.Type)
	}
}

func TestDispatcher_EmitNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := events.NewDispatcher(events.DispatcherOptions{QueueSize: 1, PerSecond: 1000, Burst: 1000}, blockingSink{release: release})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	start := time.Now()
	accepted := 0
	for i := 0; i < 50; i++ {
		if d.Emit(events.SecurityEvent{Type: events.TypeRateLimit}) {
			accepted++
		}
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Emit blocked on a slow sink")
	}
	if accepted >= 50 {
		t.Error("expected drops once the queue is full")
	}
}

func TestDispatcher_Throttles(t *testing.T) {
	d := events.NewDispatcher(events.DispatcherOptions{QueueSize: 100, PerSecond: 0.001, Burst: 2})
	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Emit(events.SecurityEvent{Type: events.TypeRateLimit}) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("expected burst of 2 accepted, got %d", accepted)
	}
}

func TestDispatcher_SinkFailuresAreIsolated(t *testing.T) {
	failing := newRecordingSink()
	failing.err = errors.New("sink down")
	ok := newRecordingSink()
	d := events.NewDispatcher(events.DefaultDispatcherOptions(), panickingSink{}, failing, ok)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Emit(events.SecurityEvent{Type: events.TypeUnauthorized})
	waitFor(t, failing.got)
	waitFor(t, ok.got)
}

func TestDispatcher_FlushesOnCancel(t *testing.T) {
	sink := newRecordingSink()
	d := events.NewDispatcher(events.DefaultDispatcherOptions(), sink)
	for i := 0; i < 3; i++ {
		d.Emit(events.SecurityEvent{Type: events.TypeNoSession})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	if n := len(sink.Events()); n != 3 {
		t.Errorf("expected 3 flushed events, got %d", n)
	}
}

// ── Sinks ────────────────────────────────────────────────────────────────────

func TestHTTPSink_PostsJSON(t *testing.T) {
	var got events.SecurityEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := events.NewHTTPSink(srv.URL, srv.Client())
	ev := events.SecurityEvent{ID: "e1", Type: events.TypeUnauthorized, IP: "1.2.3.4", UserID: "u1"}
	if err := sink.Record(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "e1" || got.Type != events.TypeUnauthorized || got.UserID != "u1" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := events.NewHTTPSink(srv.URL, nil).Record(context.Background(), events.SecurityEvent{}); err == nil {
		t.Error("expected error on 500")
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/admin/users?x=1", nil)
	req.Header.Set("User-Agent", "curl/8")
	req.Header.Set("Referer", "https://evil.example/")
	req.Header.Set("Origin", "https://evil.example")

	ev := events.FromRequest(events.TypeMethodNotAllowed, req, "9.9.9.9")
	if ev.Path != "/admin/users" || ev.Method != http.MethodPost || ev.IP != "9.9.9.9" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.UserAgent != "curl/8" || ev.Referer != "https://evil.example/" || ev.Origin != "https://evil.example" {
		t.Errorf("headers not copied: %+v", ev)
	}
}
