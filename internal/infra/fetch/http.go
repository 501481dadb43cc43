package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediarelay/relay/internal/core/domain"
)

// Config holds settings for the HTTP media fetcher.
type Config struct {
	ResolverURL string `yaml:"resolver_url"`
	AuthToken   string `yaml:"auth_token"`
	MediaDir    string `yaml:"media_dir"`
	Timeout     string `yaml:"timeout"`
}

// HTTPFetcher resolves source URLs through an extractor endpoint and
// downloads the artifacts it reports into the media directory.
type HTTPFetcher struct {
	resolverURL string
	authToken   string
	mediaDir    string

	mu     sync.Mutex
	client *http.Client
}

// NewHTTP creates an HTTP fetcher, creating the media directory if needed.
func NewHTTP(cfg Config) (*HTTPFetcher, error) {
	if cfg.ResolverURL == "" {
		return nil, fmt.Errorf("fetcher: resolver_url is required")
	}
	if cfg.MediaDir == "" {
		return nil, fmt.Errorf("fetcher: media_dir is required")
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}

	timeout := 2 * time.Minute
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("fetcher: invalid timeout %q: %w", cfg.Timeout, err)
		}
		timeout = parsed
	}

	f := &HTTPFetcher{
		resolverURL: cfg.ResolverURL,
		authToken:   cfg.AuthToken,
		mediaDir:    cfg.MediaDir,
	}
	f.client = f.newClient(timeout)
	return f, nil
}

func (f *HTTPFetcher) newClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{Timeout: timeout, Jar: jar}
}

// Fetch asks the resolver for the artifact list behind sourceURL, then
// downloads each artifact into the media directory.
func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) ([]string, error) {
	artifacts, err := f.resolve(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no media behind %s: %w", sourceURL, domain.ErrNotFound)
	}

	paths := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		local, err := f.download(ctx, artifact)
		if err != nil {
			return nil, err
		}
		paths = append(paths, local)
	}
	return paths, nil
}

// RefreshSession drops cookies and in-flight connections so the next fetch
// starts from a clean upstream identity.
func (f *HTTPFetcher) RefreshSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.client
	f.client = f.newClient(old.Timeout)
	old.CloseIdleConnections()
	return nil
}

func (f *HTTPFetcher) httpClient() *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

func (f *HTTPFetcher) resolve(ctx context.Context, sourceURL string) ([]string, error) {
	endpoint := f.resolverURL + "?" + url.Values{"url": {sourceURL}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build resolve request: %w", err)
	}
	if f.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.authToken)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", sourceURL, err)
	}

	var body struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode resolve response: %w", err)
	}
	return body.Files, nil
}

func (f *HTTPFetcher) download(ctx context.Context, artifactURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return "", fmt.Errorf("download %s: %w", artifactURL, err)
	}

	ext := path.Ext(path.Base(artifactURL))
	if ext == "" || len(ext) > 8 {
		ext = ".bin"
	}
	local := filepath.Join(f.mediaDir, uuid.New().String()+ext)

	out, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", local, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(local)
		return "", fmt.Errorf("failed to write %s: %w", local, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(local)
		return "", fmt.Errorf("failed to close %s: %w", local, err)
	}
	return local, nil
}

// statusToError maps upstream HTTP status codes onto the failure taxonomy.
func statusToError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusForbidden:
		return &domain.BlockedError{Reason: "upstream returned 403"}
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrAuthRequired
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return domain.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("upstream error: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
