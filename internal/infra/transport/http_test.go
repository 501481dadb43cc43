package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "media.jpg")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestHTTPTransportUpload(t *testing.T) {
	var gotCaption string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("server failed to parse multipart: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotCaption = r.FormValue("caption")
		w.Write([]byte(`{"ref":"remote-42"}`))
	}))
	defer srv.Close()

	tr, err := NewHTTP("standard", Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}

	ref, size, err := tr.Upload(context.Background(), writeTempFile(t, 512), "hello")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if ref != "remote-42" {
		t.Errorf("Upload() ref = %q, want remote-42", ref)
	}
	if size != 512 {
		t.Errorf("Upload() size = %d, want 512", size)
	}
	if gotCaption != "hello" {
		t.Errorf("caption = %q, want hello", gotCaption)
	}
}

func TestHTTPTransportCanHandle(t *testing.T) {
	bounded, _ := NewHTTP("standard", Config{Endpoint: "http://x", MaxPayload: 100})
	unbounded, _ := NewHTTP("bulk", Config{Endpoint: "http://x"})

	if !bounded.CanHandle(100) {
		t.Error("bounded transport rejected file at exactly the limit")
	}
	if bounded.CanHandle(101) {
		t.Error("bounded transport accepted file over the limit")
	}
	if !unbounded.CanHandle(1 << 40) {
		t.Error("unbounded transport rejected a large file")
	}
}

func TestHTTPTransportRejectsOversizeLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	tr, _ := NewHTTP("standard", Config{Endpoint: srv.URL, MaxPayload: 10})
	_, _, err := tr.Upload(context.Background(), writeTempFile(t, 64), "")
	if err == nil {
		t.Fatal("Upload() accepted an oversize file")
	}
	if called {
		t.Error("oversize file was sent to the endpoint")
	}
}

func TestHTTPTransportRateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr, _ := NewHTTP("standard", Config{Endpoint: srv.URL})
	_, _, err := tr.Upload(context.Background(), writeTempFile(t, 8), "")

	var rle *domain.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("Upload() error = %v, want RateLimitedError", err)
	}
	if rle.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", rle.RetryAfter)
	}
}

func TestHTTPTransportStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"forbidden", http.StatusForbidden, domain.ErrForbidden},
		{"unauthorized", http.StatusUnauthorized, domain.ErrAuthRequired},
		{"not found", http.StatusNotFound, domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tr, _ := NewHTTP("standard", Config{Endpoint: srv.URL})
			_, _, err := tr.Upload(context.Background(), writeTempFile(t, 8), "")
			if !errors.Is(err, tt.want) {
				t.Errorf("Upload() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPTransportServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr, _ := NewHTTP("standard", Config{Endpoint: srv.URL})
	_, _, err := tr.Upload(context.Background(), writeTempFile(t, 8), "")
	if err == nil {
		t.Fatal("Upload() succeeded on a 502")
	}
	if got := domain.Classify(err); got != domain.CategoryTransient {
		t.Errorf("Classify(502 error) = %v, want transient", got)
	}
}
