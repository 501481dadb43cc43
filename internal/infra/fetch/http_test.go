package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/mediarelay/relay/internal/core/domain"
)

func newResolverAndCDN(t *testing.T, files int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/resolve":
			w.Write([]byte(resolveBody(srv.URL, files)))
		default:
			w.Write([]byte("media-bytes"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func resolveBody(base string, files int) string {
	body := `{"files":[`
	for i := 0; i < files; i++ {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf("%q", fmt.Sprintf("%s/media/%d.jpg", base, i))
	}
	return body + `]}`
}

func TestHTTPFetcherFetch(t *testing.T) {
	srv := newResolverAndCDN(t, 3)

	f, err := NewHTTP(Config{
		ResolverURL: srv.URL + "/resolve",
		MediaDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewHTTP() error = %v", err)
	}

	paths, err := f.Fetch(context.Background(), "https://example.com/p/abc")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Fetch() returned %d paths, want 3", len(paths))
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("downloaded file missing: %v", err)
		}
		if string(data) != "media-bytes" {
			t.Errorf("downloaded content = %q, want media-bytes", data)
		}
	}
}

func TestHTTPFetcherEmptyResolveIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[]}`))
	}))
	defer srv.Close()

	f, _ := NewHTTP(Config{ResolverURL: srv.URL, MediaDir: t.TempDir()})
	_, err := f.Fetch(context.Background(), "https://example.com/p/gone")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestHTTPFetcherStatusTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		category domain.FailureCategory
	}{
		{"rate limited", http.StatusTooManyRequests, domain.CategoryRateLimited},
		{"blocked", http.StatusForbidden, domain.CategoryBlocked},
		{"not found", http.StatusNotFound, domain.CategoryNonRetryable},
		{"server error", http.StatusInternalServerError, domain.CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f, _ := NewHTTP(Config{ResolverURL: srv.URL, MediaDir: t.TempDir()})
			_, err := f.Fetch(context.Background(), "https://example.com/p/x")
			if err == nil {
				t.Fatal("Fetch() succeeded on error status")
			}
			if got := domain.Classify(err); got != tt.category {
				t.Errorf("Classify() = %v, want %v", got, tt.category)
			}
		})
	}
}

func TestHTTPFetcherRefreshSession(t *testing.T) {
	srv := newResolverAndCDN(t, 1)

	f, _ := NewHTTP(Config{ResolverURL: srv.URL + "/resolve", MediaDir: t.TempDir()})
	before := f.httpClient()

	if err := f.RefreshSession(context.Background()); err != nil {
		t.Fatalf("RefreshSession() error = %v", err)
	}
	if f.httpClient() == before {
		t.Error("RefreshSession() kept the old client")
	}

	// Fetches keep working after rotation.
	if _, err := f.Fetch(context.Background(), "https://example.com/p/abc"); err != nil {
		t.Errorf("Fetch() after refresh error = %v", err)
	}
}
