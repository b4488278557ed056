// Package providers implements the LLM endpoint pool: a prioritized list of
// provider endpoints behind one MessagesCreate primitive, with startup health
// probes, sticky failover, and background recovery of the primary. Endpoints
// speak different wire dialects; translation happens per endpoint so callers
// only ever see the native block-structured shape.
package providers

import (
	"fmt"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block type tags.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// StopReason is the normalized reason a model stopped generating.
// Provider-specific reasons fold into this closed set.
type StopReason string

const (
	StopEndTurn StopReason = "end_turn"
	StopToolUse StopReason = "tool_use"
	StopOther   StopReason = "other"
)

// Block is one tagged unit of message content.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image (base64)
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ImageBlock builds a base64 image block.
func ImageBlock(mimeType, data string) Block {
	return Block{Type: BlockImage, MimeType: mimeType, Data: data}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id, name string, input map[string]interface{}) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block answering the given tool_use id.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation turn. Content carries plain text; Blocks, when
// non-empty, takes precedence and carries structured content.
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content,omitempty"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// UserText builds a plain-text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// UserBlocks builds a user message from structured blocks.
func UserBlocks(blocks ...Block) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// AssistantBlocks builds an assistant message from structured blocks.
func AssistantBlocks(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is the native request shape the pool consumes. Extra carries
// provider-specific flags (e.g. "enable_thinking") passed through opaquely;
// each dialect forwards the keys it understands and ignores the rest.
type Request struct {
	System    string                 `json:"system,omitempty"`
	Messages  []Message              `json:"messages"`
	Tools     []ToolDefinition       `json:"tools,omitempty"`
	MaxTokens int                    `json:"max_tokens,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the normalized model response.
type Response struct {
	Content    []Block    `json:"content"`
	StopReason StopReason `json:"stop_reason"`
	Model      string     `json:"model,omitempty"`
	Endpoint   string     `json:"endpoint,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == BlockText && b.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the response's tool invocation blocks in order.
func (r *Response) ToolUses() []Block {
	var uses []Block
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HTTPError is a non-2xx reply from a provider endpoint.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter int // seconds, parsed from Retry-After when present
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Status, body)
}

// Extra keys understood by the dialect translators.
const (
	OptEnableThinking = "enable_thinking"
	OptThinkingBudget = "thinking_budget"
	OptTemperature    = "temperature"
)
