package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP_Extract(t *testing.T) {
	c, err := NewClientIP("100.64.0.0/10")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "direct", remote: "203.0.113.5:4000", want: "203.0.113.5"},
		{name: "untrusted peer ignores forwarding", remote: "203.0.113.5:4000",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1"}, want: "203.0.113.5"},
		{name: "trusted peer first forwarded", remote: "10.0.0.2:80",
			headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.9"}, want: "198.51.100.1"},
		{name: "extra trusted range", remote: "100.64.1.1:80",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"}, want: "198.51.100.7"},
		{name: "garbage forwarded falls back", remote: "127.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "not-an-ip"}, want: "127.0.0.1"},
		{name: "no port", remote: "198.51.100.9", want: "198.51.100.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := c.Extract(r); got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientIP_InvalidCIDR(t *testing.T) {
	if _, err := NewClientIP("10.0.0.0/99"); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}

func TestHeaders(t *testing.T) {
	h := Headers(DefaultHeadersConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard", nil))
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be sent over plain HTTP")
	}

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	r.TLS = &tls.ConnectionState{}
	h.ServeHTTP(rec, r)
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("Strict-Transport-Security = %q", got)
	}
}
