// tokenguard.go slows down download token guessing. Each client IP may fail
// token verification a limited number of times per window before the
// download routes answer 429 without checking the token at all.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	tokenGuardMaxFailures = 5
	tokenGuardWindow      = time.Minute
)

// TokenGuard tracks recent token verification failures per IP.
type TokenGuard struct {
	mu          sync.Mutex
	failures    map[string][]time.Time
	maxFailures int
	window      time.Duration
	now         func() time.Time
}

// NewTokenGuard allows 5 failures per IP per minute.
func NewTokenGuard() *TokenGuard {
	return &TokenGuard{
		failures:    make(map[string][]time.Time),
		maxFailures: tokenGuardMaxFailures,
		window:      tokenGuardWindow,
		now:         time.Now,
	}
}

// recent drops failures outside the window. Callers hold g.mu.
func (g *TokenGuard) recent(ip string) []time.Time {
	cutoff := g.now().Add(-g.window)
	kept := g.failures[ip][:0]
	for _, t := range g.failures[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(g.failures, ip)
		return nil
	}
	g.failures[ip] = kept
	return kept
}

// Blocked reports whether ip has used up its failures for the window.
func (g *TokenGuard) Blocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.recent(ip)) >= g.maxFailures
}

// Fail records one failed verification for ip.
func (g *TokenGuard) Fail(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[ip] = append(g.recent(ip), g.now())
}

// TokenGuardMiddleware rejects blocked clients and counts every 403 written
// by the download handler as a failed token.
func TokenGuardMiddleware(g *TokenGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if g.Blocked(ip) {
			slog.Warn("download token guard: too many invalid tokens", "ip", ip)
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many invalid download tokens. Try again in one minute.",
			})
			return
		}

		c.Next()

		if c.Writer.Status() == http.StatusForbidden {
			g.Fail(ip)
		}
	}
}
