package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/live-assets/asset-repository/internal/auth"
)

const testAdminKey = "lar_test-admin-key"

func newAuthRouter(t *testing.T, withJWT bool) (*gin.Engine, *auth.TokenIssuer) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	keys := auth.NewKeySet([]string{string(hash)})

	var tokens *auth.TokenIssuer
	if withJWT {
		tokens, err = auth.NewTokenIssuer("an-admin-secret-of-at-least-32-chars", time.Hour)
		if err != nil {
			t.Fatalf("NewTokenIssuer: %v", err)
		}
	}

	r := gin.New()
	r.Use(AuthMiddleware(keys, tokens))
	r.GET("/api/v1/assets", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"subject": c.GetString(SubjectContextKey),
			"method":  c.GetString(AuthMethodContextKey),
		})
	})
	return r, tokens
}

func doAuth(r *gin.Engine, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// AuthMiddleware
// ---------------------------------------------------------------------------

func TestAuthMiddleware_JWT(t *testing.T) {
	r, tokens := newAuthRouter(t, true)
	tok, err := tokens.Generate("ops@example.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	w := doAuth(r, "Bearer "+tok)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); body != `{"method":"jwt","subject":"ops@example.com"}` {
		t.Errorf("body = %s", body)
	}
}

func TestAuthMiddleware_APIKey(t *testing.T) {
	for _, withJWT := range []bool{true, false} {
		r, _ := newAuthRouter(t, withJWT)
		w := doAuth(r, "Bearer "+testAdminKey)
		if w.Code != http.StatusOK {
			t.Fatalf("withJWT=%v: status = %d", withJWT, w.Code)
		}
		if body := w.Body.String(); body != `{"method":"api_key","subject":"api-key"}` {
			t.Errorf("withJWT=%v: body = %s", withJWT, body)
		}
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	r, _ := newAuthRouter(t, true)
	other, err := auth.NewTokenIssuer("a-different-secret-of-32-characters", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	foreign, _ := other.Generate("intruder")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + testAdminKey},
		{"empty bearer", "Bearer   "},
		{"unknown key", "Bearer lar_not-a-real-key"},
		{"foreign jwt", "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAuth(r, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if w.Header().Get("WWW-Authenticate") == "" {
				t.Error("WWW-Authenticate header missing")
			}
		})
	}
}
