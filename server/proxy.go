package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// Identity headers stamped on proxied catalogue requests.
const (
	HeaderUserID       = "X-Trace-User-Id"
	HeaderUserRole     = "X-Trace-User-Role"
	HeaderUserProvider = "X-Trace-User-Provider"

	identityHeaderPrefix = "X-Trace-User-"
)

// CatalogProxy forwards record list, get, search and insert calls to the
// record service. The service trusts the identity headers it receives, so
// any client-supplied copies are removed before forwarding.
type CatalogProxy struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewCatalogProxy builds a proxy for target with bounded dial and response
// header timeouts.
func NewCatalogProxy(cfg CatalogConfig, logger *slog.Logger) (*CatalogProxy, error) {
	targetURL, err := url.Parse(cfg.Target)
	if err != nil || targetURL.Host == "" {
		return nil, fmt.Errorf("invalid catalog target %q", cfg.Target)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCatalogTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	cp := &CatalogProxy{target: targetURL, logger: logger}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		inboundHost := req.Host
		originalDirector(req)
		req.Host = targetURL.Host

		stripIdentityHeaders(req.Header)
		// Browser credentials stay at the gateway.
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")

		if id, ok := IdentityFromContext(req.Context()); ok {
			req.Header.Set(HeaderUserID, id.ID)
			req.Header.Set(HeaderUserRole, string(id.Role))
			req.Header.Set(HeaderUserProvider, id.Provider)
		}

		if reqID := RequestIDFromContext(req.Context()); reqID != "" {
			req.Header.Set("X-Request-ID", reqID)
		}
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", inboundHost)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		cp.logger.Error("catalog proxy error",
			"target", targetURL.String(),
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		writeError(w, http.StatusBadGateway, "bad_gateway", "catalogue service unavailable")
	}

	cp.proxy = proxy
	logger.Info("catalog proxy configured", "target", targetURL.String(), "timeout", timeout.String())
	return cp, nil
}

// ServeHTTP forwards r to the record service.
func (cp *CatalogProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cp.logger.Debug("proxying request", "method", r.Method, "path", r.URL.Path)
	cp.proxy.ServeHTTP(w, r)
}

func stripIdentityHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
			h.Del(name)
		}
	}
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
