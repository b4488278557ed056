package qqbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	defaultTokenURL    = "https://bots.qq.com/app/getAppAccessToken"
	defaultAPIBase     = "https://api.sgroup.qq.com"
	defaultSandboxBase = "https://sandbox.api.sgroup.qq.com"

	tokenExpiryBuffer = 3 * time.Minute
)

// apiClient talks to the QQ bot open API. The app access token is cached
// and refreshed ahead of expiry.
type apiClient struct {
	tokenURL   string
	baseURL    string
	appID      string
	secret     string
	httpClient *http.Client

	mu       sync.Mutex
	tk       string
	tkExpiry time.Time
}

func newAPIClient(appID, secret string, sandbox bool) *apiClient {
	base := defaultAPIBase
	if sandbox {
		base = defaultSandboxBase
	}
	return &apiClient{
		tokenURL:   defaultTokenURL,
		baseURL:    base,
		appID:      appID,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tk != "" && time.Now().Before(c.tkExpiry) {
		return c.tk, nil
	}

	body, _ := json.Marshal(map[string]string{
		"appId":        c.appID,
		"clientSecret": c.secret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("qqbot token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"` // the platform sends a string
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("qqbot token decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("qqbot token response carried no token (status %d)", resp.StatusCode)
	}

	ttl, _ := result.ExpiresIn.Int64()
	if ttl <= 0 {
		ttl = 7200
	}
	c.tk = result.AccessToken
	c.tkExpiry = time.Now().Add(time.Duration(ttl)*time.Second - tokenExpiryBuffer)
	return c.tk, nil
}

// gatewayURL asks the API where the websocket gateway lives.
func (c *apiClient) gatewayURL(ctx context.Context) (string, error) {
	var result struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/gateway", nil, &result); err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", fmt.Errorf("qqbot gateway response carried no url")
	}
	return result.URL, nil
}

// messageRequest is the passive-reply body for C2C and group endpoints.
// MsgID ties the reply to an inbound message; MsgSeq disambiguates multiple
// replies to the same message.
type messageRequest struct {
	Content string         `json:"content,omitempty"`
	MsgType int            `json:"msg_type"` // 0 text, 7 media
	Media   *mediaRef      `json:"media,omitempty"`
	MsgID   string         `json:"msg_id,omitempty"`
	MsgSeq  int64          `json:"msg_seq,omitempty"`
	Ark     map[string]any `json:"ark,omitempty"`
}

type mediaRef struct {
	FileInfo string `json:"file_info"`
}

type messageResponse struct {
	ID        string `json:"id"`
	Timestamp any    `json:"timestamp"`
}

// sendC2C posts a message to a user openid.
func (c *apiClient) sendC2C(ctx context.Context, openID string, req *messageRequest) (*messageResponse, error) {
	var resp messageResponse
	err := c.doJSON(ctx, http.MethodPost, "/v2/users/"+openID+"/messages", req, &resp)
	return &resp, err
}

// sendGroup posts a message to a group openid.
func (c *apiClient) sendGroup(ctx context.Context, groupOpenID string, req *messageRequest) (*messageResponse, error) {
	var resp messageResponse
	err := c.doJSON(ctx, http.MethodPost, "/v2/groups/"+groupOpenID+"/messages", req, &resp)
	return &resp, err
}

// uploadMedia registers a URL-hosted file and returns the file_info handle
// used by media messages. file_type 1 is image.
func (c *apiClient) uploadMedia(ctx context.Context, group bool, openID, url string, fileType int) (string, error) {
	path := "/v2/users/" + openID + "/files"
	if group {
		path = "/v2/groups/" + openID + "/files"
	}
	var result struct {
		FileInfo string `json:"file_info"`
	}
	err := c.doJSON(ctx, http.MethodPost, path, map[string]any{
		"file_type":    fileType,
		"url":          url,
		"srv_send_msg": false,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.FileInfo == "" {
		return "", fmt.Errorf("qqbot media upload returned no file_info")
	}
	return result.FileInfo, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qqbot %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("qqbot %s read: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("qqbot %s: status %d code=%d msg=%s", path, resp.StatusCode, e.Code, e.Message)
		}
		return fmt.Errorf("qqbot %s: status %d", path, resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("qqbot %s decode: %w", path, err)
		}
	}
	return nil
}
