package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// verifyResponse is the body returned by the internal verification endpoint.
type verifyResponse struct {
	OK      bool   `json:"ok"`
	IsAdmin bool   `json:"isAdmin"`
	UID     string `json:"uid"`
	Email   string `json:"email"`
}

// HTTPVerifier forwards the session cookie to an internal verification endpoint.
type HTTPVerifier struct {
	url        string
	cookieName string
	client     *http.Client
}

// NewHTTPVerifier uses an otelhttp-instrumented client when client is nil.
// The per-call deadline comes from the context passed by Cache.
func NewHTTPVerifier(url, cookieName string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPVerifier{url: url, cookieName: cookieName, client: client}
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building verify request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: v.cookieName, Value: token})
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("calling verify endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: verify endpoint returned %d", ErrNotVerified, resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("decoding verify response: %w", err)
	}
	if !body.OK {
		return Result{}, ErrNotVerified
	}
	return Result{UID: body.UID, Email: body.Email, IsAdmin: body.IsAdmin}, nil
}
