package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// duckDuckGoProvider scrapes the DuckDuckGo HTML endpoint. No API key, so it
// serves as the always-available default backend.
type duckDuckGoProvider struct {
	client *http.Client
}

func newDuckDuckGoProvider() *duckDuckGoProvider {
	return &duckDuckGoProvider{client: &http.Client{Timeout: searchTimeout}}
}

func (p *duckDuckGoProvider) Name() string { return "duckduckgo" }

func (p *duckDuckGoProvider) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}

	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseDDGResults(string(page), count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
)

// parseDDGResults pairs result links with their snippets by position. The
// page interleaves them, so index i of one list matches index i of the other.
func parseDDGResults(html string, count int) []searchResult {
	links := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	snippets := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i := 0; i < len(links) && len(results) < count; i++ {
		target := unwrapDDGRedirect(links[i][1])
		title := strings.TrimSpace(reTag.ReplaceAllString(links[i][2], ""))
		if title == "" || target == "" {
			continue
		}
		desc := ""
		if i < len(snippets) {
			desc = strings.TrimSpace(reTag.ReplaceAllString(snippets[i][1], ""))
		}
		results = append(results, searchResult{
			Title:       decodeHTMLEntities(title),
			URL:         target,
			Description: decodeHTMLEntities(desc),
		})
	}
	return results
}

// unwrapDDGRedirect extracts the real target from DuckDuckGo's redirect
// wrapper (the uddg query parameter).
func unwrapDDGRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.QueryUnescape(rawURL)
	if err != nil {
		return rawURL
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return rawURL
	}
	target := u[idx+len("uddg="):]
	if amp := strings.Index(target, "&"); amp != -1 {
		target = target[:amp]
	}
	return target
}
