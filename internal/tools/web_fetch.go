package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	fetchMaxRedirects    = 3
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebFetchTool fetches a URL and extracts readable text for the model.
type WebFetchTool struct {
	maxChars int
	cache    *webCache
	client   *http.Client
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &WebFetchTool{
		maxChars: maxChars,
		cache:    newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
		client: &http.Client{
			Timeout: fetchTimeout,
			// Redirects re-enter the SSRF guard so a public URL cannot
			// bounce the request into a private network.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > fetchMaxRedirects {
					return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
				}
				if err := checkSSRF(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content as markdown or plain text. Supports HTML, JSON, and plain text."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"extract_mode": map[string]interface{}{
				"type":        "string",
				"description": "Extraction mode, \"markdown\" (default) or \"text\"",
				"enum":        []string{"markdown", "text"},
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if err := validateFetchURL(rawURL); err != nil {
		return ErrorResult(err.Error())
	}

	mode := "markdown"
	if em, ok := args["extract_mode"].(string); ok && (em == "markdown" || em == "text") {
		mode = em
	}

	cacheKey := rawURL + ":" + mode
	if hit, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return NewResult(hit)
	}

	page, err := t.fetch(ctx, rawURL, mode)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %s", truncateStr(err.Error(), 400)))
	}

	wrapped := wrapExternalContent(page, rawURL, true)
	t.cache.set(cacheKey, wrapped)
	return NewResult(wrapped)
}

func validateFetchURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http and https URLs are supported")
	}
	if err := checkSSRF(rawURL); err != nil {
		return fmt.Errorf("blocked: %v", err)
	}
	return nil
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL, mode string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Read a multiple of the char budget; HTML carries markup overhead that
	// extraction strips away.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	text := extractByContentType(raw, resp.Header.Get("Content-Type"), mode)
	truncated := len(text) > t.maxChars
	if truncated {
		text = text[:t.maxChars]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n", resp.Request.URL.String(), resp.StatusCode)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit %d chars)\n", t.maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String(), nil
}

func extractByContentType(raw []byte, contentType, mode string) string {
	switch {
	case strings.Contains(contentType, "application/json"):
		return extractJSON(raw)
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		if mode == "text" {
			return htmlToText(string(raw))
		}
		return htmlToMarkdown(string(raw))
	default:
		return string(raw)
	}
}
