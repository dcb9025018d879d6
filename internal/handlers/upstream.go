package handlers

import (
	"context"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// edgeHeaders are the response headers the edge middleware may set. When the
// edge has already set one, the upstream's copy is dropped so the client never
// receives two CSPs or a conflicting X-Frame-Options.
var edgeHeaders = []string{
	"Content-Security-Policy",
	"X-Nonce",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Referrer-Policy",
	"Permissions-Policy",
	"X-XSS-Protection",
	"Strict-Transport-Security",
	"X-Robots-Tag",
	"Cache-Control",
}

type ownedHeadersKey struct{}

// NewUpstreamProxy forwards requests that passed the edge checks to the site's
// application server. Forwarded-For headers are rewritten by the proxy, so the
// upstream sees the edge as the last hop.
func NewUpstreamProxy(target *url.URL) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport:      otelhttp.NewTransport(http.DefaultTransport),
		ModifyResponse: dropOwnedHeaders,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("[proxy] %s %s: upstream error: %v", r.Method, r.URL.Path, err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var owned []string
		for _, h := range edgeHeaders {
			if w.Header().Get(h) != "" {
				owned = append(owned, h)
			}
		}
		if len(owned) > 0 {
			r = r.WithContext(context.WithValue(r.Context(), ownedHeadersKey{}, owned))
		}
		proxy.ServeHTTP(w, r)
	})
}

func dropOwnedHeaders(resp *http.Response) error {
	if resp.Request == nil {
		return nil
	}
	owned, _ := resp.Request.Context().Value(ownedHeadersKey{}).([]string)
	for _, h := range owned {
		resp.Header.Del(h)
	}
	return nil
}
