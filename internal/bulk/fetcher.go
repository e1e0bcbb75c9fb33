package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/contactlens/backend/pkg/httputil"
)

// Fetcher opens the binary payload behind a resolved download URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body io.ReadCloser, contentType string, err error)
}

// HTTPFetcher fetches recordings with a plain GET. It never retries.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher. A nil client uses one without an overall timeout,
// since recordings stream for as long as they take; per-item deadlines come from ctx.
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, userAgent: userAgent}
}

// Fetch issues the GET and returns the open body. The caller must close it.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", httputil.RedactURLError(err))
	}
	if err := httputil.EnsureSuccessStatusCode(resp); err != nil {
		resp.Body.Close()
		return nil, "", err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, "", errors.New("download: empty response body")
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
