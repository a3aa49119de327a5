package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/repository"
	"github.com/live-assets/asset-repository/internal/updatelog"
)

// ---------------------------------------------------------------------------
// fake repository
// ---------------------------------------------------------------------------

type fakeRepo struct {
	items     []repository.ListItem
	report    *repository.Report
	entries   []updatelog.Entry
	result    *repository.EventResult
	err       error
	lastEvent repository.Event
}

func (f *fakeRepo) List(context.Context) ([]repository.ListItem, error) { return f.items, f.err }
func (f *fakeRepo) RegenerateAll(context.Context) (*repository.Report, error) {
	return f.report, f.err
}
func (f *fakeRepo) History(context.Context) ([]updatelog.Entry, error) { return f.entries, f.err }
func (f *fakeRepo) Handle(_ context.Context, ev repository.Event) (*repository.EventResult, error) {
	f.lastEvent = ev
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return f.result, f.err
}

var errBackend = errors.New("backend unavailable")

func newAssetsRouter(repo *fakeRepo) *gin.Engine {
	h := NewAssetsHandler(repo)
	r := gin.New()
	r.GET("/api/v1/assets", h.ListAssets)
	r.POST("/api/v1/regenerate", h.Regenerate)
	r.GET("/api/v1/log", h.GetLog)
	r.POST("/api/v1/events", h.HandleEvent)
	return r
}

func getJSON(resp *httptest.ResponseRecorder) map[string]interface{} {
	var m map[string]interface{}
	json.Unmarshal(resp.Body.Bytes(), &m)
	return m
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// ListAssets
// ---------------------------------------------------------------------------

func TestListAssets_Success(t *testing.T) {
	repo := &fakeRepo{items: []repository.ListItem{
		{Kind: asset.KindPlugin, Name: "Demo", Slug: "demo", Version: "1.0", URL: "https://site.test/dl", ZipExists: true},
		{Kind: asset.KindTheme, Name: "Astra", Slug: "astra", Version: "4.1"},
	}}
	w := do(newAssetsRouter(repo), http.MethodGet, "/api/v1/assets", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := getJSON(w)
	if resp["total"] != float64(2) {
		t.Errorf("total = %v, want 2", resp["total"])
	}
	assets := resp["assets"].([]interface{})
	first := assets[0].(map[string]interface{})
	for key, want := range map[string]interface{}{
		"kind": "plugin", "name": "Demo", "slug": "demo", "version": "1.0",
		"url": "https://site.test/dl", "zip_exists": true,
	} {
		if first[key] != want {
			t.Errorf("assets[0].%s = %v, want %v", key, first[key], want)
		}
	}
}

func TestListAssets_EmptyIsArray(t *testing.T) {
	w := do(newAssetsRouter(&fakeRepo{}), http.MethodGet, "/api/v1/assets", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"assets":[]`)) {
		t.Errorf("body = %s, want empty assets array", w.Body.String())
	}
}

func TestListAssets_Error(t *testing.T) {
	w := do(newAssetsRouter(&fakeRepo{err: errBackend}), http.MethodGet, "/api/v1/assets", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Regenerate
// ---------------------------------------------------------------------------

func TestRegenerate_ReportsSuccessWithFailures(t *testing.T) {
	repo := &fakeRepo{report: &repository.Report{
		Success: true, Total: 2, Built: 1, Failed: 1,
		Items: []repository.ItemResult{
			{Kind: asset.KindPlugin, Slug: "demo", ZipExists: true},
			{Kind: asset.KindPlugin, Slug: "broken", Error: "source_unreadable"},
		},
	}}
	w := do(newAssetsRouter(repo), http.MethodPost, "/api/v1/regenerate", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := getJSON(w)
	if resp["success"] != true {
		t.Errorf("success = %v, want true", resp["success"])
	}
	if resp["failed"] != float64(1) {
		t.Errorf("failed = %v, want 1", resp["failed"])
	}
}

func TestRegenerate_Error(t *testing.T) {
	w := do(newAssetsRouter(&fakeRepo{err: errBackend}), http.MethodPost, "/api/v1/regenerate", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// GetLog
// ---------------------------------------------------------------------------

func TestGetLog(t *testing.T) {
	repo := &fakeRepo{entries: []updatelog.Entry{
		{Type: asset.KindPlugin, Slug: "demo", Name: "Demo", OldVersion: "1.0", NewVersion: "1.1", Timestamp: "2026-01-02 10:00:00", UnixTimestamp: 1767348000},
	}}
	w := do(newAssetsRouter(repo), http.MethodGet, "/api/v1/log", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	entries := getJSON(w)["entries"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0].(map[string]interface{})
	if e["old_version"] != "1.0" || e["new_version"] != "1.1" {
		t.Errorf("entry = %v", e)
	}
}

func TestGetLog_EmptyIsArray(t *testing.T) {
	w := do(newAssetsRouter(&fakeRepo{}), http.MethodGet, "/api/v1/log", "")
	if !bytes.Contains(w.Body.Bytes(), []byte(`"entries":[]`)) {
		t.Errorf("body = %s, want empty entries array", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// HandleEvent
// ---------------------------------------------------------------------------

func TestHandleEvent(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"updated plugin", `{"type":"updated","kind":"plugin","slug":"demo"}`, nil, http.StatusOK},
		{"repository activated", `{"type":"activated"}`, nil, http.StatusOK},
		{"bulk update", `{"type":"update_complete","kind":"theme","slugs":["astra","neve"]}`, nil, http.StatusOK},
		{"malformed json", `{"type":`, nil, http.StatusBadRequest},
		{"missing type", `{"kind":"plugin","slug":"demo"}`, nil, http.StatusBadRequest},
		{"unknown type", `{"type":"exploded"}`, nil, http.StatusBadRequest},
		{"updated without slug", `{"type":"updated","kind":"plugin"}`, nil, http.StatusBadRequest},
		{"unknown item", `{"type":"updated","kind":"plugin","slug":"ghost"}`,
			fmt.Errorf("%w: plugin [ghost]", repository.ErrUnknownItem), http.StatusNotFound},
		{"backend failure", `{"type":"deactivated"}`, errBackend, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeRepo{
				result: &repository.EventResult{Type: repository.EventUpdated},
				err:    tt.err,
			}
			w := do(newAssetsRouter(repo), http.MethodPost, "/api/v1/events", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: body=%s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleEvent_PassesSlugs(t *testing.T) {
	repo := &fakeRepo{result: &repository.EventResult{}}
	do(newAssetsRouter(repo), http.MethodPost, "/api/v1/events",
		`{"type":"update_complete","kind":"plugin","slug":"a","slugs":["b","c"]}`)

	ev := repo.lastEvent
	if ev.Type != repository.EventUpdateComplete || ev.Kind != asset.KindPlugin || ev.Slug != "a" {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.Slugs) != 2 || ev.Slugs[0] != "b" || ev.Slugs[1] != "c" {
		t.Errorf("slugs = %v", ev.Slugs)
	}
}
