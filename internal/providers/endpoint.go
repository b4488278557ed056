package providers

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Protocol identifies the wire dialect an endpoint speaks.
type Protocol string

const (
	// ProtocolAnthropic is the native dialect: block-structured messages,
	// system prompt as a top-level field, POST {base}/messages.
	ProtocolAnthropic Protocol = "anthropic"
	// ProtocolOpenAI covers OpenAI-chat-compatible backends: flat role/content
	// messages, POST {base}/chat/completions. Structured tool results are
	// lowered to plain text on this dialect.
	ProtocolOpenAI Protocol = "openai"
)

// Endpoint is one LLM access point. Credentials are carried in the value,
// constructed once at startup; the pool never reads process env during
// requests. Health fields are mutated only under the pool mutex.
type Endpoint struct {
	Name     string
	Protocol Protocol
	BaseURL  string
	APIKey   string
	Model    string
	Priority int

	Healthy   bool
	FailCount int
	LastProbe time.Time
	LastError string
}

// EndpointStatus is a read-only snapshot for status listings.
type EndpointStatus struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Model     string `json:"model"`
	Priority  int    `json:"priority"`
	Healthy   bool   `json:"healthy"`
	Current   bool   `json:"current"`
	Pinned    bool   `json:"pinned"`
	FailCount int    `json:"fail_count"`
	LastError string `json:"last_error,omitempty"`
}

// dialect translates between the native request shape and one wire protocol.
type dialect interface {
	createMessage(ctx context.Context, ep *Endpoint, req Request) (*Response, error)
}

// ParseRetryAfter parses a Retry-After header value into seconds.
// Returns 0 when absent or unparseable. HTTP-date form is ignored.
func ParseRetryAfter(v string) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}
