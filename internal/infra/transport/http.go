package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mediarelay/relay/internal/core/domain"
)

// Config holds settings for one HTTP upload channel.
type Config struct {
	Endpoint   string `yaml:"endpoint"`
	AuthToken  string `yaml:"auth_token"`
	MaxPayload int64  `yaml:"max_payload"`
	Timeout    string `yaml:"timeout"`
}

// HTTPTransport posts files as multipart form data to a downstream endpoint.
type HTTPTransport struct {
	name       string
	endpoint   string
	authToken  string
	maxPayload int64
	client     *http.Client
}

// NewHTTP creates an HTTP multipart transport. A zero max payload means the
// transport accepts files of any size.
func NewHTTP(name string, cfg Config) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("transport %s: endpoint is required", name)
	}

	timeout := 5 * time.Minute
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("transport %s: invalid timeout %q: %w", name, cfg.Timeout, err)
		}
		timeout = parsed
	}

	return &HTTPTransport{
		name:       name,
		endpoint:   cfg.Endpoint,
		authToken:  cfg.AuthToken,
		maxPayload: cfg.MaxPayload,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (t *HTTPTransport) Name() string { return t.name }

func (t *HTTPTransport) MaxPayloadSize() int64 { return t.maxPayload }

func (t *HTTPTransport) CanHandle(size int64) bool {
	return t.maxPayload == 0 || size <= t.maxPayload
}

// Upload streams the file to the endpoint as multipart form data. The
// multipart body is piped rather than buffered, so large files never sit in
// memory whole.
func (t *HTTPTransport) Upload(
	ctx context.Context,
	path, caption string,
) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	size := info.Size()
	if !t.CanHandle(size) {
		return "", 0, fmt.Errorf("file %s (%d bytes) exceeds %s payload limit",
			filepath.Base(path), size, t.name)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		if caption != "" {
			if err := mw.WriteField("caption", caption); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, pr)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("upload to %s failed: %w", t.name, err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp); err != nil {
		return "", 0, err
	}

	var body struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return body.Ref, size, nil
}

// statusToError maps downstream HTTP status codes onto the failure taxonomy.
func statusToError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitedError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("upload rejected: %w", domain.ErrForbidden)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("upload rejected: %w", domain.ErrAuthRequired)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("upload endpoint missing: %w", domain.ErrNotFound)
	case resp.StatusCode >= 500:
		return fmt.Errorf("downstream error: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("upload failed: status %d", resp.StatusCode)
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
