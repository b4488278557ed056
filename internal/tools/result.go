package tools

import "github.com/xiaoyubing999/openakita-sub001/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the model
	ForUser string `json:"for_user,omitempty"` // content relayed to the user
	Silent  bool   `json:"silent"`             // suppress user-facing echo
	IsError bool   `json:"is_error"`           // renders as an error tool_result
	Err     error  `json:"-"`                  // internal error (not serialized)

	// Images carries visual output (read_image, browser screenshots). The
	// agent loop appends these as image blocks after the tool_result block
	// so the next model turn can see them.
	Images []providers.Block `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// WithImage attaches a base64 image block to the result.
func (r *Result) WithImage(mimeType, data string) *Result {
	r.Images = append(r.Images, providers.ImageBlock(mimeType, data))
	return r
}
