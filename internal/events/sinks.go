package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// LogSink writes every event to the process log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Record(_ context.Context, ev SecurityEvent) error {
	log.Printf("[security] type=%s ip=%s method=%s path=%s authenticated=%t user=%s ua=%q",
		ev.Type, ev.IP, ev.Method, ev.Path, ev.IsAuthenticated, ev.UserID, ev.UserAgent)
	return nil
}

// HTTPSink posts each event as JSON to an internal logging endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Record(ctx context.Context, ev SecurityEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10)) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("event endpoint returned %d", resp.StatusCode)
	}
	return nil
}
