// Package repofetch reads single files out of source repositories by
// (repository reference, relative path).
package repofetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"prediction-platform/internal/config"
	"prediction-platform/internal/models"
)

// ErrFileNotFound means the repository was reachable but does not contain the
// requested file. It is a permanent condition.
var ErrFileNotFound = errors.New("file not found in repository")

// Fetcher returns the bytes of one file of a repository.
type Fetcher interface {
	Fetch(ctx context.Context, repoURL, filePath string) ([]byte, error)
}

// CleanPath normalizes a repository-relative path and rejects anything that
// would escape the repository root.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", models.Validationf("file path is required")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return "", models.Validationf("file path %q must be relative", p)
	}
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", models.Validationf("file path %q escapes the repository", p)
	}
	return clean, nil
}

// Mux routes a fetch by the scheme of the repository reference.
type Mux struct {
	HTTP Fetcher
	Dir  Fetcher
}

// New builds the default fetcher: https for hosted repositories, file:// for
// checkouts on local disk.
func New(cfg config.Config) *Mux {
	return &Mux{
		HTTP: NewHTTPFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes),
		Dir:  &DirFetcher{MaxBytes: cfg.FetchMaxBytes},
	}
}

func (m *Mux) Fetch(ctx context.Context, repoURL, filePath string) ([]byte, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return nil, models.Validationf("repository url %q: %v", repoURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		if m.HTTP != nil {
			return m.HTTP.Fetch(ctx, repoURL, filePath)
		}
	case "file":
		if m.Dir != nil {
			return m.Dir.Fetch(ctx, repoURL, filePath)
		}
	}
	return nil, models.Validationf("unsupported repository url %q", repoURL)
}

// HTTPFetcher downloads raw files over HTTP. GitHub repository URLs are
// rewritten to their raw content host.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 5 * 1024 * 1024
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, repoURL, filePath string) ([]byte, error) {
	clean, err := CleanPath(filePath)
	if err != nil {
		return nil, err
	}
	raw, err := RawURL(repoURL, clean)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", clean, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", clean, ErrFileNotFound)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download %s: status %d", clean, resp.StatusCode)
	}
	return readLimited(resp.Body, f.maxBytes, clean)
}

// RawURL maps a repository reference and a clean relative path to the URL of
// the raw file. github.com/<owner>/<repo>[.git][/tree/<ref>] resolves against
// raw.githubusercontent.com; any other base URL is joined as is.
func RawURL(repoURL, filePath string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return "", models.Validationf("repository url %q is not absolute", repoURL)
	}
	if !strings.EqualFold(u.Host, "github.com") && !strings.EqualFold(u.Host, "www.github.com") {
		return strings.TrimRight(repoURL, "/") + "/" + filePath, nil
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", models.Validationf("github url %q must name owner and repository", repoURL)
	}
	owner, repo := parts[0], strings.TrimSuffix(parts[1], ".git")
	ref := "HEAD"
	if len(parts) >= 4 && parts[2] == "tree" {
		ref = strings.Join(parts[3:], "/")
	}
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", owner, repo, ref, filePath), nil
}

// DirFetcher serves file:// repository references from local disk.
type DirFetcher struct {
	MaxBytes int64
}

func (d *DirFetcher) Fetch(_ context.Context, repoURL, filePath string) ([]byte, error) {
	clean, err := CleanPath(filePath)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "file" {
		return nil, models.Validationf("repository url %q is not a file url", repoURL)
	}
	f, err := os.Open(filepath.Join(filepath.FromSlash(u.Path), filepath.FromSlash(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", clean, ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", clean, err)
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil && st.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", clean, ErrFileNotFound)
	}
	limit := d.MaxBytes
	if limit == 0 {
		limit = 5 * 1024 * 1024
	}
	return readLimited(f, limit, clean)
}

func readLimited(r io.Reader, limit int64, name string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(body)) > limit {
		return nil, models.Validationf("%s too large (>%d bytes)", name, limit)
	}
	return body, nil
}
