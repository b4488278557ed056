package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// sttTranscribeEndpoint is the path appended to the proxy base URL.
const sttTranscribeEndpoint = "/transcribe_audio"

// sttClient talks to the speech-to-text proxy. A client with an empty URL
// is valid and transcribes nothing.
type sttClient struct {
	proxyURL string
	client   *http.Client
}

func newSTTClient(proxyURL string, timeout time.Duration) *sttClient {
	return &sttClient{
		proxyURL: proxyURL,
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a proxy is configured.
func (s *sttClient) Enabled() bool { return s.proxyURL != "" }

// sttResponse is the proxy's JSON reply.
type sttResponse struct {
	Transcript string `json:"transcript"`
}

// Transcribe posts the audio file to the proxy and returns the transcript.
// It returns ("", nil) silently when STT is not configured or the file was
// never downloaded; real HTTP and parse errors are returned for the caller
// to log.
func (s *sttClient) Transcribe(ctx context.Context, filePath string) (string, error) {
	if s.proxyURL == "" || filePath == "" {
		return "", nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("stt: open audio file %q: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	url := s.proxyURL + sttTranscribeEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result sttResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}
	return result.Transcript, nil
}
