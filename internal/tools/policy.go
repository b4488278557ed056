package tools

import (
	"strings"
	"sync"
)

// Tool groups name sets of related tools so config allow/deny lists can say
// "group:web" instead of enumerating members. The MCP manager registers
// dynamic groups ("mcp", "mcp:{server}") as servers connect.
var (
	toolGroupsMu sync.RWMutex
	toolGroups   = map[string][]string{
		"web":     {"web_search", "web_fetch"},
		"fs":      {"read_file", "write_file", "list_dir"},
		"runtime": {"run_shell"},
		"ui":      {"browser"},
		"vision":  {"read_image"},
	}
)

// RegisterToolGroup adds or replaces a dynamic tool group.
func RegisterToolGroup(name string, members []string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	toolGroups[name] = members
}

// UnregisterToolGroup removes a dynamic tool group.
func UnregisterToolGroup(name string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	delete(toolGroups, name)
}

// Tool aliases map alternative names the model may emit to canonical names.
var toolAliases = map[string]string{
	"bash":  "run_shell",
	"exec":  "run_shell",
	"shell": "run_shell",
}

func resolveAlias(name string) string {
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}

// Policy gates tool access with allow and deny lists. Entries may be exact
// tool names, "group:xxx" references, or glob-style prefixes ("mcp_*").
// An empty allow list permits everything not denied; deny always wins.
type Policy struct {
	allow []string
	deny  []string
}

func NewPolicy(allow, deny []string) *Policy {
	return &Policy{allow: allow, deny: deny}
}

// Allows reports whether the named tool may be listed and executed.
// A nil policy allows everything.
func (p *Policy) Allows(name string) bool {
	if p == nil {
		return true
	}
	if matchesSpec(name, p.deny) {
		return false
	}
	if len(p.allow) == 0 {
		return true
	}
	return matchesSpec(name, p.allow)
}

// Filter returns the subset of names the policy allows, preserving order.
func (p *Policy) Filter(names []string) []string {
	if p == nil {
		return names
	}
	var out []string
	for _, n := range names {
		if p.Allows(n) {
			out = append(out, n)
		}
	}
	return out
}

// matchesSpec reports whether name matches any spec entry, expanding
// group references and trailing-star globs.
func matchesSpec(name string, spec []string) bool {
	for _, s := range spec {
		if groupName, ok := strings.CutPrefix(s, "group:"); ok {
			toolGroupsMu.RLock()
			members := toolGroups[groupName]
			toolGroupsMu.RUnlock()
			for _, m := range members {
				if m == name {
					return true
				}
			}
			continue
		}
		if prefix, ok := strings.CutSuffix(s, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if s == name {
			return true
		}
	}
	return false
}
