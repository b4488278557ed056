package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

// braveProvider queries the Brave Search API. Used as a fallback when a
// subscription token is configured.
type braveProvider struct {
	apiKey string
	client *http.Client
}

func newBraveProvider(apiKey string) *braveProvider {
	return &braveProvider{
		apiKey: apiKey,
		client: &http.Client{Timeout: searchTimeout},
	}
}

func (p *braveProvider) Name() string { return "brave" }

type bravePayload struct {
	Web struct {
		Results []searchResult `json:"results"`
	} `json:"web"`
}

func (p *braveProvider) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	params := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, string(snippet))
	}

	var payload bravePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return payload.Web.Results, nil
}
