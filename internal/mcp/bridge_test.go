package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func TestSanitizeToolName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"mcp_files_read", "mcp_files_read"},
		{"mcp_my.server_read", "mcp_my_server_read"},
		{"mcp_srv_do:thing", "mcp_srv_do_thing"},
		{"ok-name_1", "ok-name_1"},
	}
	for _, tc := range cases {
		if got := sanitizeToolName(tc.in); got != tc.want {
			t.Errorf("sanitizeToolName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := strings.Repeat("a", 80)
	if got := sanitizeToolName(long); len(got) != 64 {
		t.Errorf("expected 64-char clamp, got %d chars", len(got))
	}
}

func TestNewBridgeTool_Naming(t *testing.T) {
	mt := mcpgo.Tool{Name: "read_file", Description: "Read a file from disk."}

	bt := NewBridgeTool("files", mt, nil, "", 0, nil)
	if bt.Name() != "mcp_files_read_file" {
		t.Errorf("expected mcp_files_read_file, got %q", bt.Name())
	}
	if bt.OriginalName() != "read_file" {
		t.Errorf("expected original name read_file, got %q", bt.OriginalName())
	}
	if bt.ServerName() != "files" {
		t.Errorf("expected server files, got %q", bt.ServerName())
	}
	if bt.Description() != "Read a file from disk." {
		t.Errorf("unexpected description %q", bt.Description())
	}

	prefixed := NewBridgeTool("files", mt, nil, "fs_", 0, nil)
	if prefixed.Name() != "fs_read_file" {
		t.Errorf("expected fs_read_file, got %q", prefixed.Name())
	}
}

func TestNewBridgeTool_DescriptionFallback(t *testing.T) {
	bt := NewBridgeTool("srv", mcpgo.Tool{Name: "x"}, nil, "", 0, nil)
	if !strings.Contains(bt.Description(), "srv") {
		t.Errorf("fallback description should mention server, got %q", bt.Description())
	}
}

func TestSchemaToMap(t *testing.T) {
	mt := mcpgo.Tool{
		Name: "search",
		InputSchema: mcpgo.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			Required: []string{"query"},
		},
	}
	schema := schemaToMap(mt)
	if schema["type"] != "object" {
		t.Errorf("expected type object, got %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected properties map, got %T", schema["properties"])
	}
	if _, ok := props["query"]; !ok {
		t.Error("expected query property to survive conversion")
	}
}

func TestSchemaToMap_Empty(t *testing.T) {
	schema := schemaToMap(mcpgo.Tool{Name: "bare"})
	if schema["type"] != "object" {
		t.Errorf("expected object type for empty schema, got %v", schema["type"])
	}
	if _, ok := schema["properties"]; !ok {
		t.Error("expected properties key for empty schema")
	}
}

func TestBridgeTool_ExecuteDisconnected(t *testing.T) {
	var connected atomic.Bool // false
	bt := NewBridgeTool("srv", mcpgo.Tool{Name: "x"}, nil, "", 5, &connected)

	res := bt.Execute(context.Background(), map[string]interface{}{})
	if !res.IsError {
		t.Fatal("expected error result when server is disconnected")
	}
	if !strings.Contains(res.ForLLM, "not connected") {
		t.Errorf("expected not-connected message, got %q", res.ForLLM)
	}
}
