package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/live-assets/asset-repository/internal/config"
)

// SecurityHeaders is the header set written on every response. Empty fields
// are omitted.
type SecurityHeaders struct {
	// HSTSMaxAge enables Strict-Transport-Security when non-zero.
	HSTSMaxAge            time.Duration
	HSTSIncludeSubdomains bool

	FrameOptions          string
	ContentSecurityPolicy string
	ReferrerPolicy        string
	// ResourcePolicy is sent as Cross-Origin-Resource-Policy.
	ResourcePolicy string
}

// DefaultSecurityHeaders returns the headers for a JSON and archive API with
// no HTML surface.
func DefaultSecurityHeaders() SecurityHeaders {
	return SecurityHeaders{
		HSTSMaxAge:            365 * 24 * time.Hour,
		HSTSIncludeSubdomains: true,
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; sandbox",
		ReferrerPolicy:        "no-referrer",
		ResourcePolicy:        "same-site",
	}
}

// SecurityHeadersFor derives the header set from the security section. HSTS
// is only sent when the server terminates TLS itself.
func SecurityHeadersFor(cfg *config.SecurityConfig) SecurityHeaders {
	h := DefaultSecurityHeaders()
	if !cfg.TLS.Enabled {
		h.HSTSMaxAge = 0
	}
	return h
}

// pairs flattens h into header name/value pairs in a stable order.
func (h SecurityHeaders) pairs() [][2]string {
	out := [][2]string{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Permitted-Cross-Domain-Policies", "none"},
		{"Cross-Origin-Opener-Policy", "same-origin"},
	}
	if h.HSTSMaxAge > 0 {
		v := "max-age=" + strconv.Itoa(int(h.HSTSMaxAge/time.Second))
		if h.HSTSIncludeSubdomains {
			v += "; includeSubDomains"
		}
		out = append(out, [2]string{"Strict-Transport-Security", v})
	}
	for _, kv := range [][2]string{
		{"X-Frame-Options", h.FrameOptions},
		{"Content-Security-Policy", h.ContentSecurityPolicy},
		{"Referrer-Policy", h.ReferrerPolicy},
		{"Cross-Origin-Resource-Policy", h.ResourcePolicy},
	} {
		if kv[1] != "" {
			out = append(out, kv)
		}
	}
	return out
}

// SecurityHeadersMiddleware adds h to every response. The header list is
// computed once.
func SecurityHeadersMiddleware(h SecurityHeaders) gin.HandlerFunc {
	pairs := h.pairs()
	return func(c *gin.Context) {
		for _, kv := range pairs {
			c.Header(kv[0], kv[1])
		}
		c.Next()
	}
}
