package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// openaiClient speaks the OpenAI-chat dialect. The native shape narrows on
// this path: the system prompt becomes a leading system message and
// structured tool_result blocks are lowered to plain text, so tool-call
// loops on a foreign endpoint run in text-only mode.
type openaiClient struct {
	client *http.Client
}

func (c *openaiClient) createMessage(ctx context.Context, ep *Endpoint, req Request) (*Response, error) {
	body := buildOpenAIBody(ep.Model, req)

	respBody, err := c.doRequest(ctx, ep, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var resp openAIResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", ep.Name, err)
	}

	return parseOpenAIResponse(&resp), nil
}

func buildOpenAIBody(model string, req Request) map[string]interface{} {
	msgs := make([]map[string]interface{}, 0, len(req.Messages)+1)

	if req.System != "" {
		msgs = append(msgs, map[string]interface{}{
			"role":    "system",
			"content": req.System,
		})
	}

	for _, m := range req.Messages {
		if len(m.Blocks) == 0 {
			msgs = append(msgs, map[string]interface{}{
				"role":    m.Role,
				"content": m.Content,
			})
			continue
		}
		msgs = append(msgs, lowerBlocks(m))
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}

	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	if v, ok := req.Extra[OptTemperature]; ok {
		body["temperature"] = v
	}
	// Vendor passthrough keys ride at the top level (DashScope style).
	if v, ok := req.Extra[OptEnableThinking]; ok {
		body[OptEnableThinking] = v
	}
	if v, ok := req.Extra[OptThinkingBudget]; ok {
		body[OptThinkingBudget] = v
	}

	return body
}

// lowerBlocks converts one block-structured message into the flat chat wire
// format. Assistant tool_use becomes tool_calls entries; user tool_result
// becomes "(tool <id> result) <body>" text. Images ride as image_url parts.
func lowerBlocks(m Message) map[string]interface{} {
	msg := map[string]interface{}{"role": m.Role}

	var texts []string
	var toolCalls []map[string]interface{}
	var imageParts []map[string]interface{}

	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case BlockImage:
			imageParts = append(imageParts, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", b.MimeType, b.Data),
				},
			})
		case BlockToolUse:
			argsJSON, _ := json.Marshal(b.Input)
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   b.ID,
				"type": "function",
				"function": map[string]interface{}{
					"name":      b.Name,
					"arguments": string(argsJSON),
				},
			})
		case BlockToolResult:
			texts = append(texts, fmt.Sprintf("(tool %s result) %s", b.ToolUseID, b.Content))
		}
	}

	text := strings.Join(texts, "\n\n")

	if len(imageParts) > 0 {
		parts := imageParts
		if text != "" {
			parts = append(parts, map[string]interface{}{
				"type": "text",
				"text": text,
			})
		}
		msg["content"] = parts
		return msg
	}

	// Omit empty content on assistant messages carrying tool_calls; some
	// compatible backends reject an empty string there.
	if text != "" || len(toolCalls) == 0 {
		msg["content"] = text
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	return msg
}

func (c *openaiClient) doRequest(ctx context.Context, ep *Endpoint, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", ep.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", ep.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", ep.Name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", ep.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", ep.Name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

func parseOpenAIResponse(resp *openAIResponse) *Response {
	result := &Response{Model: resp.Model, StopReason: StopEndTurn}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			result.Content = append(result.Content, TextBlock(choice.Message.Content))
		}

		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.Content = append(result.Content, ToolUseBlock(tc.ID, strings.TrimSpace(tc.Function.Name), args))
		}

		switch choice.FinishReason {
		case "stop":
			result.StopReason = StopEndTurn
		case "tool_calls":
			result.StopReason = StopToolUse
		default:
			result.StopReason = StopOther
		}
		if len(choice.Message.ToolCalls) > 0 {
			result.StopReason = StopToolUse
		}
	}

	if resp.Usage != nil {
		result.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return result
}

// --- OpenAI wire types ---

type openAIResponse struct {
	Model   string `json:"model,omitempty"`
	Choices []struct {
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}
