// Package resolver turns recording metadata references into time-limited download URLs.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/contactlens/backend/pkg/httputil"
)

// ErrNoDownloadURL is returned when metadata carries no recording.download_url.
var ErrNoDownloadURL = errors.New("no download_url in metadata")

// maxMetadataBytes caps how much of a metadata response is decoded.
const maxMetadataBytes = 1 << 20

type metadata struct {
	Recording *struct {
		DownloadURL string `json:"download_url"`
	} `json:"recording"`
}

// HTTPResolver fetches recording metadata JSON from the upstream service.
type HTTPResolver struct {
	client     *http.Client
	authHeader string
	userAgent  string
}

// NewHTTPResolver creates a resolver. authHeader, when set, is sent verbatim as Authorization.
func NewHTTPResolver(client *http.Client, authHeader, userAgent string) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{client: client, authHeader: authHeader, userAgent: userAgent}
}

// Resolve GETs ref and returns metadata's recording.download_url. A relative download_url is
// resolved against ref.
func (r *HTTPResolver) Resolve(ctx context.Context, ref string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.authHeader != "" {
		req.Header.Set("Authorization", r.authHeader)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request: %w", httputil.RedactURLError(err))
	}
	defer resp.Body.Close()
	if err := httputil.EnsureSuccessStatusCode(resp); err != nil {
		return "", err
	}

	var meta metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&meta); err != nil {
		return "", fmt.Errorf("decode metadata: %w", err)
	}
	if meta.Recording == nil || strings.TrimSpace(meta.Recording.DownloadURL) == "" {
		return "", ErrNoDownloadURL
	}
	return absolute(resp.Request.URL, strings.TrimSpace(meta.Recording.DownloadURL))
}

func absolute(base *url.URL, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid download_url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}
