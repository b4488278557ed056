package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	searchTimeout      = 30 * time.Second
)

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]searchResult, error)
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// WebSearchTool queries search backends in order; the first success wins.
// DuckDuckGo needs no credentials and runs first; Brave joins when an API
// key is configured.
type WebSearchTool struct {
	providers []SearchProvider
	cache     *webCache
}

func NewWebSearchTool(braveAPIKey string) *WebSearchTool {
	providers := []SearchProvider{newDuckDuckGoProvider()}
	if braveAPIKey != "" {
		providers = append(providers, newBraveProvider(braveAPIKey))
	}
	return &WebSearchTool{
		providers: providers,
		cache:     newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query string",
			},
			"count": map[string]interface{}{
				"type":        "number",
				"description": "Number of results to return (1-10)",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, count := searchArgs(args)
	if query == "" {
		return ErrorResult("query is required")
	}

	cacheKey := fmt.Sprintf("%s#%d", query, count)
	if hit, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_search cache hit", "query", query)
		return NewResult(hit)
	}

	var lastErr error
	for _, p := range t.providers {
		results, err := p.Search(ctx, query, count)
		if err != nil {
			slog.Warn("search provider failed", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		answer := wrapExternalContent(renderSearchResults(query, p.Name(), results), "web search", false)
		t.cache.set(cacheKey, answer)
		return NewResult(answer)
	}

	if lastErr == nil {
		return ErrorResult("no search providers configured")
	}
	return ErrorResult(fmt.Sprintf("all search providers failed: %v", lastErr))
}

func searchArgs(args map[string]interface{}) (query string, count int) {
	query, _ = args["query"].(string)
	count = defaultSearchCount
	if c, ok := args["count"].(float64); ok {
		if n := int(c); n >= 1 && n <= maxSearchCount {
			count = n
		}
	}
	return query, count
}

func renderSearchResults(query, provider string, results []searchResult) string {
	if len(results) == 0 {
		return "No results found for: " + query
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n", query, provider)
	for i, r := range results {
		fmt.Fprintf(&sb, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			sb.WriteString("   " + r.Description + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
