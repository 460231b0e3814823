// Package security sets response headers for the JSON API and resolves
// the client address behind trusted proxies.
package security

import (
	"fmt"
	"net/http"
)

// HeadersConfig lists the headers applied to every API response.
type HeadersConfig struct {
	CSP            string
	ReferrerPolicy string
	FrameOptions   string
	// CacheControl keeps balances and proposals out of shared caches.
	CacheControl string

	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// DefaultHeadersConfig suits an API that never serves HTML.
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		CSP:                   "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		FrameOptions:          "DENY",
		CacheControl:          "no-store",
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
	}
}

// Headers returns middleware applying config. HSTS is only sent over TLS.
func Headers(config HeadersConfig) func(http.Handler) http.Handler {
	hsts := ""
	if config.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d", config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			if config.FrameOptions != "" {
				h.Set("X-Frame-Options", config.FrameOptions)
			}
			if config.CSP != "" {
				h.Set("Content-Security-Policy", config.CSP)
			}
			if config.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", config.ReferrerPolicy)
			}
			if config.CacheControl != "" {
				h.Set("Cache-Control", config.CacheControl)
			}
			if r.TLS != nil && hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			next.ServeHTTP(w, r)
		})
	}
}
