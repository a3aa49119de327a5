package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/live-assets/asset-repository/internal/config"
	"github.com/live-assets/asset-repository/internal/storage"
)

// ---------------------------------------------------------------------------
// New() constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "b"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "static"}},
		{"unsupported auth", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "magic"}},
		{"oidc without role", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "oidc", RoleARN: "arn:aws:iam::1:role/r"}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "b", Region: "us-east-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Errorf("New() = nil error, want error")
			}
		})
	}
}

func TestNew_AssumeRole_WithExternalID(t *testing.T) {
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "b",
		Region:          "eu-west-1",
		AuthMethod:      "assume_role",
		RoleARN:         "arn:aws:iam::123456789012:role/mirror",
		RoleSessionName: "asset-mirror",
		ExternalID:      "ext",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s == nil {
		t.Fatal("New() returned nil storage")
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server
// ---------------------------------------------------------------------------

type s3MockStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	meta     map[string]map[string]string
	creates  int
	noBucket bool
}

// newS3TestStorage speaks just enough of the path-style S3 REST API for the
// operations the mirror uses.
func newS3TestStorage(t *testing.T) (*S3Storage, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(path, '/')
		if idx < 0 {
			ms.mu.Lock()
			defer ms.mu.Unlock()
			switch r.Method {
			case http.MethodHead:
				if ms.noBucket {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.WriteHeader(http.StatusOK)
			case http.MethodPut:
				ms.creates++
				ms.noBucket = false
				w.WriteHeader(http.StatusOK)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}
		key := path[idx+1:]

		ms.mu.Lock()
		defer ms.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			ms.objects[key] = data
			ms.meta[key] = meta
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			data, ok := ms.objects[key]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)

		case http.MethodHead:
			data, ok := ms.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.Header().Set("ETag", `"test-etag"`)
			for mk, mv := range ms.meta[key] {
				w.Header().Set("x-amz-meta-"+mk, mv)
			}
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			delete(ms.objects, key)
			delete(ms.meta, key)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "mirror-bucket",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func TestS3_UploadStoresChecksumMetadata(t *testing.T) {
	s, ms := newS3TestStorage(t)
	data := []byte("zip bytes")

	res, err := s.Upload(context.Background(), "plugins/plugin-demo.zip", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if res.Size != int64(len(data)) || len(res.Checksum) != 64 {
		t.Errorf("Upload() = %+v, want size %d and 64-char checksum", res, len(data))
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !bytes.Equal(ms.objects["plugins/plugin-demo.zip"], data) {
		t.Errorf("stored body = %q, want %q", ms.objects["plugins/plugin-demo.zip"], data)
	}
	if ms.meta["plugins/plugin-demo.zip"]["sha256"] != res.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", ms.meta["plugins/plugin-demo.zip"]["sha256"], res.Checksum)
	}
}

func TestS3_ExistsAndDelete(t *testing.T) {
	s, _ := newS3TestStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "themes/theme-x.zip")
	if err != nil || ok {
		t.Fatalf("Exists() on empty bucket = %v, %v; want false, nil", ok, err)
	}

	if _, err := s.Upload(ctx, "themes/theme-x.zip", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Exists(ctx, "themes/theme-x.zip"); err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
	}

	if err := s.Delete(ctx, "themes/theme-x.zip"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok, _ := s.Exists(ctx, "themes/theme-x.zip"); ok {
		t.Error("Exists = true after delete, want false")
	}
}

func TestS3_GetMetadata(t *testing.T) {
	s, ms := newS3TestStorage(t)
	ctx := context.Background()

	res, err := s.Upload(ctx, "plugins/plugin-m.zip", strings.NewReader("metadata"), 8)
	if err != nil {
		t.Fatal(err)
	}

	meta, err := s.GetMetadata(ctx, "plugins/plugin-m.zip")
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	if meta.Checksum != res.Checksum || meta.Size != 8 {
		t.Errorf("GetMetadata() = %+v, want checksum %s size 8", meta, res.Checksum)
	}

	// objects written by other tools carry no sha256 metadata
	ms.mu.Lock()
	ms.objects["plugins/foreign.zip"] = []byte("metadata")
	ms.meta["plugins/foreign.zip"] = map[string]string{}
	ms.mu.Unlock()

	meta, err = s.GetMetadata(ctx, "plugins/foreign.zip")
	if err != nil {
		t.Fatalf("GetMetadata() without stored checksum error: %v", err)
	}
	if meta.Checksum != res.Checksum {
		t.Errorf("computed checksum = %q, want %q", meta.Checksum, res.Checksum)
	}
}

func TestS3_GetMetadata_NotFound(t *testing.T) {
	s, _ := newS3TestStorage(t)
	_, err := s.GetMetadata(context.Background(), "plugins/missing.zip")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMetadata() error = %v, want storage.ErrNotFound", err)
	}
}

func TestS3_Prepare(t *testing.T) {
	s, ms := newS3TestStorage(t)
	ctx := context.Background()

	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if ms.creates != 0 {
		t.Errorf("CreateBucket called %d times for existing bucket", ms.creates)
	}

	ms.mu.Lock()
	ms.noBucket = true
	ms.mu.Unlock()
	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if ms.creates != 1 {
		t.Errorf("CreateBucket called %d times, want 1", ms.creates)
	}
}
