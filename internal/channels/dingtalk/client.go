package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/version"
)

const (
	defaultAPIBase    = "https://api.dingtalk.com"
	tokenExpiryBuffer = 3 * time.Minute
)

// apiClient talks to the DingTalk open API on net/http. It caches the app
// access token and refreshes it on expiry or a 401.
type apiClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newAPIClient(clientID, clientSecret, baseURL string) *apiClient {
	if baseURL == "" {
		baseURL = defaultAPIBase
	}
	return &apiClient{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appKey":    c.clientID,
		"appSecret": c.clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1.0/oauth2/accessToken", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dingtalk token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp, "dingtalk token")
	}
	var result struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int    `json:"expireIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("dingtalk token decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("dingtalk token response carried no token")
	}

	c.token = result.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.ExpireIn)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

func (c *apiClient) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// doJSON performs an authenticated API call, retrying once after a token
// refresh when the platform answers 401.
func (c *apiClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	status, err := c.doJSONOnce(ctx, method, path, body, out)
	if status == http.StatusUnauthorized {
		c.clearToken()
		_, err = c.doJSONOnce(ctx, method, path, body, out)
	}
	return err
}

func (c *apiClient) doJSONOnce(ctx context.Context, method, path string, body, out any) (int, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return 0, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dingtalk %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, apiError(resp, "dingtalk "+path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("dingtalk %s decode: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// subscription names one stream topic the connection wants delivered.
type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// openConnection registers a stream connection and returns the websocket
// URL to dial (endpoint + ticket). Auth rides in the body, not a token.
func (c *apiClient) openConnection(ctx context.Context, subs []subscription) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"clientId":      c.clientID,
		"clientSecret":  c.clientSecret,
		"subscriptions": subs,
		"ua":            "openakita/" + version.Version,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dingtalk gateway open: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp, "dingtalk gateway open")
	}
	var result struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("dingtalk gateway decode: %w", err)
	}
	if result.Endpoint == "" || result.Ticket == "" {
		return "", fmt.Errorf("dingtalk gateway response missing endpoint or ticket")
	}
	return result.Endpoint + "?ticket=" + result.Ticket, nil
}

// downloadURL exchanges a message download code for a short-lived file URL.
func (c *apiClient) downloadURL(ctx context.Context, downloadCode, robotCode string) (string, error) {
	var result struct {
		DownloadURL string `json:"downloadUrl"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1.0/robot/messageFiles/download", map[string]string{
		"downloadCode": downloadCode,
		"robotCode":    robotCode,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.DownloadURL == "" {
		return "", fmt.Errorf("dingtalk download exchange returned no url")
	}
	return result.DownloadURL, nil
}

func apiError(resp *http.Response, op string) error {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &e) == nil && e.Code != "" {
		return fmt.Errorf("%s: status %d code=%s msg=%s", op, resp.StatusCode, e.Code, e.Message)
	}
	return fmt.Errorf("%s: status %d", op, resp.StatusCode)
}
