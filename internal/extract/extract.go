// Package extract turns knowledge sources into plain text.
//
// Three source kinds are supported: inline text (already text), uploads
// (extracted once at upload time, see upload.go), and URLs fetched over
// HTTP with SSRF protection and reduced from HTML (see html.go).
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minirag/minirag/internal/chunk"
	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/security"
)

// userAgent identifies fetches made on behalf of source ingestion.
const userAgent = "MiniRAG/1.0 (+https://github.com/minirag/minirag)"

// Fetcher retrieves and extracts text from remote URLs.
type Fetcher struct {
	validator *security.HTTP
	logger    log.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(logger log.Logger) *Fetcher {
	return &Fetcher{
		validator: security.NewHTTP(),
		logger:    logger,
	}
}

// FetchURL downloads a single page and returns its plain text.
//
// The URL and every redirect hop are validated against internal network
// targets. Non-2xx responses fail. Bodies are capped at the validator's
// response size limit. HTML responses are reduced to text; anything
// else is treated as plain text and normalized.
func (f *Fetcher) FetchURL(ctx context.Context, rawURL string) (string, error) {
	if err := f.validator.ValidateURL(rawURL); err != nil {
		return "", fmt.Errorf("validating URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.validator.Client().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.validator.MaxResponseSize()))
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}

	f.logger.Debug("fetched URL", "url", rawURL, "status", resp.StatusCode, "bytes", len(body))

	contentType := resp.Header.Get("Content-Type")
	if isHTML(contentType, body) {
		return HTMLToText(string(body)), nil
	}
	return chunk.Normalize(string(body)), nil
}

// isHTML decides whether a response should go through the HTML reducer.
func isHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	if ct != "" && !strings.Contains(ct, "text/html") && strings.Contains(ct, "/") && !strings.HasPrefix(ct, "text/plain") {
		// Explicit non-HTML content type other than text/plain: sniff anyway,
		// some servers mislabel HTML as octet-stream.
		return sniffHTML(body)
	}
	if ct == "" {
		return sniffHTML(body)
	}
	return false
}

func sniffHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}
