// Package tools implements the builtin tool suite and the registry the agent
// loop draws from. Tools are described to the model at two levels: the
// catalog (name + one-line description, injected into the system prompt) and
// the full JSON schema, fetched on demand through get_tool_info or sent as
// provider tool definitions. Execution goes through Registry.Execute, which
// applies the access policy and never lets a tool panic escape the turn.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the active tool set. Safe for concurrent use; MCP servers
// register and unregister tools at runtime while turns execute.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	policy *Policy
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetPolicy installs the access policy. A nil policy allows everything.
func (r *Registry) SetPolicy(p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// Register adds a tool, replacing any previous tool with the same name.
// Nil tools and nil-typed interface values are ignored.
func (r *Registry) Register(t Tool) {
	if t == nil {
		return
	}
	name := t.Name()
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		slog.Debug("tool replaced", "tool", name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name. Missing names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[resolveAlias(name)]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allowed returns the policy-filtered tool names, sorted.
func (r *Registry) Allowed() []string {
	r.mu.RLock()
	policy := r.policy
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if policy.Allows(name) {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ProviderDefs builds the tool definitions sent with a model request,
// filtered by the access policy.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	var defs []providers.ToolDefinition
	for _, name := range r.Allowed() {
		if t, ok := r.Get(name); ok {
			defs = append(defs, ToProviderDef(t))
		}
	}
	return defs
}

// Catalog renders the level-1 tool listing for the system prompt: one line
// per allowed tool with its short description. The full schema is available
// through get_tool_info.
func (r *Registry) Catalog() string {
	names := r.Allowed()
	if len(names) == 0 {
		return "(no tools available)"
	}
	var sb strings.Builder
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(name)
		desc := firstLine(t.Description())
		if desc != "" {
			sb.WriteString(": ")
			sb.WriteString(desc)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Execute runs the named tool. Unknown names and policy denials come back as
// error results rather than Go errors so the agent loop can hand them to the
// model as tool_result content. A panicking tool is contained the same way.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	canonical := resolveAlias(name)

	r.mu.RLock()
	t, ok := r.tools[canonical]
	policy := r.policy
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %s", name))
	}
	if !policy.Allows(canonical) {
		return ErrorResult(fmt.Sprintf("tool %s is disabled by policy", canonical))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", canonical, "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s crashed: %v", canonical, rec))
		}
	}()

	if args == nil {
		args = map[string]interface{}{}
	}
	return t.Execute(ctx, args)
}

// ToProviderDef converts a tool into the definition shape the endpoint pool
// sends to the model.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Parameters(),
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
