package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const anthropicAPIVersion = "2023-06-01"

const defaultMaxTokens = 4096

// anthropicClient speaks the native dialect. Blocks pass through with no
// lowering; the system prompt rides as a top-level field.
type anthropicClient struct {
	client *http.Client
}

func (c *anthropicClient) createMessage(ctx context.Context, ep *Endpoint, req Request) (*Response, error) {
	body := buildAnthropicBody(ep.Model, req)

	respBody, err := c.doRequest(ctx, ep, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	return parseAnthropicResponse(&resp), nil
}

func buildAnthropicBody(model string, req Request) map[string]interface{} {
	messages := make([]map[string]interface{}, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if len(msg.Blocks) == 0 {
			messages = append(messages, map[string]interface{}{
				"role":    msg.Role,
				"content": msg.Content,
			})
			continue
		}

		blocks := make([]map[string]interface{}, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": b.Text,
				})
			case BlockImage:
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": b.MimeType,
						"data":       b.Data,
					},
				})
			case BlockToolUse:
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    b.ID,
					"name":  b.Name,
					"input": b.Input,
				})
			case BlockToolResult:
				block := map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": b.ToolUseID,
					"content":     b.Content,
				}
				if b.IsError {
					block["is_error"] = true
				}
				blocks = append(blocks, block)
			}
		}
		messages = append(messages, map[string]interface{}{
			"role":    msg.Role,
			"content": blocks,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := map[string]interface{}{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}

	if req.System != "" {
		body["system"] = []map[string]interface{}{
			{"type": "text", "text": req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Extra[OptTemperature]; ok {
		body["temperature"] = v
	}
	// Thinking budget maps onto the native extended-thinking field.
	// The budget must stay below max_tokens or the API rejects the request.
	if v, ok := req.Extra[OptThinkingBudget]; ok {
		if budget := asInt(v); budget > 0 && budget < maxTokens {
			body["thinking"] = map[string]interface{}{
				"type":          "enabled",
				"budget_tokens": budget,
			}
		}
	}

	return body
}

func (c *anthropicClient) doRequest(ctx context.Context, ep *Endpoint, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", ep.BaseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", ep.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

func parseAnthropicResponse(resp *anthropicResponse) *Response {
	result := &Response{Model: resp.Model}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content = append(result.Content, TextBlock(block.Text))
		case "tool_use":
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			result.Content = append(result.Content, ToolUseBlock(block.ID, block.Name, args))
		}
	}

	switch resp.StopReason {
	case "end_turn":
		result.StopReason = StopEndTurn
	case "tool_use":
		result.StopReason = StopToolUse
	default:
		result.StopReason = StopOther
	}

	result.Usage = &Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	return result
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// --- Anthropic wire types ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Model      string                  `json:"model,omitempty"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
