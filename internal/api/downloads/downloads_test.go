package downloads

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/live-assets/asset-repository/internal/delivery"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var archiveBody = []byte("PK\x03\x04 not really a zip but served as one")

func newDownloadRouter(t *testing.T) (*gin.Engine, *delivery.Signer, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin-demo.zip"), archiveBody, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	signer, err := delivery.NewSigner("0123456789abcdef", "https://site.test", "https://site.test")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	srv := delivery.NewServer(dir, signer)

	r := gin.New()
	r.GET(delivery.DownloadPath, TokenizedHandler(srv))
	r.GET("/download", RewriteHandler(srv))
	return r, signer, dir
}

func get(r *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func tokenized(filename, token string) string {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("token", token)
	return delivery.DownloadPath + "?" + q.Encode()
}

func assertArchiveResponse(t *testing.T, w *httptest.ResponseRecorder, filename string) {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	sum := sha256.Sum256(archiveBody)
	want := map[string]string{
		"Content-Type":        "application/zip",
		"Content-Description": "File Transfer",
		"Content-Disposition": `attachment; filename="` + filename + `"`,
		"Content-Length":      strconv.Itoa(len(archiveBody)),
		"Cache-Control":       "must-revalidate",
		"Expires":             "0",
		"Pragma":              "public",
		"X-Checksum-SHA256":   hex.EncodeToString(sum[:]),
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if w.Body.String() != string(archiveBody) {
		t.Errorf("body = %q", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// TokenizedHandler
// ---------------------------------------------------------------------------

func TestTokenizedHandler_Streams(t *testing.T) {
	r, signer, _ := newDownloadRouter(t)
	w := get(r, tokenized("plugin-demo.zip", signer.Token("plugin-demo.zip")))
	assertArchiveResponse(t, w, "plugin-demo.zip")
}

func TestTokenizedHandler_IssuedURL(t *testing.T) {
	r, signer, _ := newDownloadRouter(t)
	u, err := url.Parse(signer.IssueURL("plugin-demo.zip"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	w := get(r, u.RequestURI())
	assertArchiveResponse(t, w, "plugin-demo.zip")
}

func TestTokenizedHandler_Errors(t *testing.T) {
	r, signer, dir := newDownloadRouter(t)
	outside := filepath.Join(filepath.Dir(dir), "secret.zip")

	tests := []struct {
		name       string
		filename   string
		token      string
		wantStatus int
	}{
		{"missing token", "plugin-demo.zip", "", http.StatusForbidden},
		{"wrong token", "plugin-demo.zip", signer.Token("theme-astra.zip"), http.StatusForbidden},
		{"missing filename", "", signer.Token(""), http.StatusForbidden},
		{"traversal", "../secret.zip", signer.Token("../secret.zip"), http.StatusForbidden},
		{"absolute path", outside, signer.Token(outside), http.StatusForbidden},
		{"wrong extension", "plugin-demo.php", signer.Token("plugin-demo.php"), http.StatusForbidden},
		{"valid token for missing archive", "theme-astra.zip", signer.Token("theme-astra.zip"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(r, tokenized(tt.filename, tt.token))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if w.Header().Get("Content-Disposition") != "" {
				t.Error("error response carries Content-Disposition")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RewriteHandler
// ---------------------------------------------------------------------------

func TestRewriteHandler_Streams(t *testing.T) {
	r, _, _ := newDownloadRouter(t)
	w := get(r, "/download?type=plugin&slug=demo")
	assertArchiveResponse(t, w, "plugin-demo.zip")
}

func TestRewriteHandler_Errors(t *testing.T) {
	r, _, _ := newDownloadRouter(t)

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"missing type", "slug=demo", http.StatusBadRequest},
		{"missing slug", "type=plugin", http.StatusBadRequest},
		{"invalid type", "type=widget&slug=demo", http.StatusBadRequest},
		{"unusable slug", "type=plugin&slug=%2F%2F%2F", http.StatusBadRequest},
		{"missing archive", "type=theme&slug=astra", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(r, "/download?"+tt.query); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
