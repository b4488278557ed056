package tools

import "testing"

func TestPolicy_NilAllowsAll(t *testing.T) {
	var p *Policy
	if !p.Allows("anything") {
		t.Error("nil policy should allow everything")
	}
}

func TestPolicy_DenyWins(t *testing.T) {
	p := NewPolicy([]string{"run_shell"}, []string{"run_shell"})
	if p.Allows("run_shell") {
		t.Error("deny should take precedence over allow")
	}
}

func TestPolicy_AllowList(t *testing.T) {
	p := NewPolicy([]string{"web_fetch", "read_file"}, nil)

	cases := []struct {
		name string
		want bool
	}{
		{"web_fetch", true},
		{"read_file", true},
		{"run_shell", false},
		{"browser", false},
	}
	for _, tc := range cases {
		if got := p.Allows(tc.name); got != tc.want {
			t.Errorf("Allows(%s): expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestPolicy_EmptyAllowPermitsUndenied(t *testing.T) {
	p := NewPolicy(nil, []string{"browser"})
	if !p.Allows("web_fetch") {
		t.Error("expected web_fetch allowed with empty allow list")
	}
	if p.Allows("browser") {
		t.Error("expected browser denied")
	}
}

func TestPolicy_Groups(t *testing.T) {
	p := NewPolicy([]string{"group:web"}, nil)
	if !p.Allows("web_search") || !p.Allows("web_fetch") {
		t.Error("group:web should expand to web_search and web_fetch")
	}
	if p.Allows("run_shell") {
		t.Error("run_shell is not in group:web")
	}

	deny := NewPolicy(nil, []string{"group:fs"})
	if deny.Allows("write_file") {
		t.Error("group:fs deny should block write_file")
	}
	if !deny.Allows("web_fetch") {
		t.Error("web_fetch should survive group:fs deny")
	}
}

func TestPolicy_Wildcard(t *testing.T) {
	p := NewPolicy(nil, []string{"mcp_*"})
	if p.Allows("mcp_notes_search") {
		t.Error("mcp_* deny should match mcp_notes_search")
	}
	if !p.Allows("web_fetch") {
		t.Error("wildcard should not match unrelated names")
	}
}

// TestPolicy_DynamicGroup covers the MCP manager registering server groups
// at runtime.
func TestPolicy_DynamicGroup(t *testing.T) {
	RegisterToolGroup("mcp:notes", []string{"mcp_notes_search", "mcp_notes_get"})
	defer UnregisterToolGroup("mcp:notes")

	p := NewPolicy([]string{"group:mcp:notes"}, nil)
	if !p.Allows("mcp_notes_search") {
		t.Error("dynamic group member should be allowed")
	}
	if p.Allows("web_fetch") {
		t.Error("non-member should be denied under allow list")
	}
}

func TestPolicy_Filter(t *testing.T) {
	p := NewPolicy(nil, []string{"browser"})
	got := p.Filter([]string{"browser", "web_fetch", "read_file"})
	if len(got) != 2 || got[0] != "web_fetch" || got[1] != "read_file" {
		t.Errorf("expected [web_fetch read_file], got %v", got)
	}
}

func TestResolveAlias(t *testing.T) {
	if resolveAlias("bash") != "run_shell" {
		t.Error("bash should resolve to run_shell")
	}
	if resolveAlias("web_fetch") != "web_fetch" {
		t.Error("unaliased names should pass through")
	}
}
