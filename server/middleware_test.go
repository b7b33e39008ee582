package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := ulid.ParseStrict(seen); err != nil {
		t.Fatalf("generated id %q is not a ULID: %v", seen, err)
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("response header does not echo the request id")
	}

	inbound := newRequestID()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", inbound)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != inbound {
		t.Fatalf("valid inbound id not kept: %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "<script>" {
		t.Fatalf("invalid inbound id accepted")
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"https://traces.example.org"})(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "https://traces.example.org", false, http.StatusOK, "https://traces.example.org"},
		{"unknown origin", http.MethodGet, "https://evil.example", false, http.StatusOK, ""},
		{"allowed preflight", http.MethodOptions, "https://traces.example.org", true, http.StatusNoContent, "https://traces.example.org"},
		{"rejected preflight", http.MethodOptions, "https://evil.example", true, http.StatusForbidden, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/session", nil)
			req.Header.Set("Origin", tc.origin)
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
				t.Fatalf("allow origin = %q want %q", got, tc.wantAllow)
			}
			if tc.wantAllow != "" && rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
				t.Fatalf("credentials not allowed")
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := SecurityHeadersMiddleware(3600)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Referrer-Policy") != "no-referrer" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("hardening headers missing: %v", rec.Header())
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must not be sent over plain HTTP")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") != "max-age=3600; includeSubDomains" {
		t.Fatalf("HSTS = %q", rec.Header().Get("Strict-Transport-Security"))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	l := NewRateLimiter(60, 1, false)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("192.0.2.1") {
		t.Fatalf("first request should pass")
	}
	if l.Allow("192.0.2.1") {
		t.Fatalf("burst exhausted, second request should be limited")
	}
	if !l.Allow("192.0.2.2") {
		t.Fatalf("other clients have their own bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow("192.0.2.1") {
		t.Fatalf("bucket should refill after one second at 60/min")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(req, false); got != "198.51.100.7" {
		t.Fatalf("untrusted proxy headers used: %q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted forwarded ip = %q", got)
	}
}

func TestSafeNext(t *testing.T) {
	cases := map[string]string{
		"/submit":              "/submit",
		"/api/traces?page=2":   "/api/traces?page=2",
		"":                     "",
		"submit":               "",
		"//evil.example":       "",
		"/\\evil.example":      "",
		"https://evil.example": "",
		"/ok\r\nSet-Cookie: x": "",
	}
	for in, want := range cases {
		if got := safeNext(in); got != want {
			t.Fatalf("safeNext(%q) = %q want %q", in, got, want)
		}
	}
}
