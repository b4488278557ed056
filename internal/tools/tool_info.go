package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolInfoTool returns the full description and JSON schema of a registered
// tool. The system prompt only carries the one-line catalog; the model calls
// this before using a tool whose arguments it is unsure about.
type ToolInfoTool struct {
	registry *Registry
}

func NewToolInfoTool(registry *Registry) *ToolInfoTool {
	return &ToolInfoTool{registry: registry}
}

func (t *ToolInfoTool) Name() string { return "get_tool_info" }

func (t *ToolInfoTool) Description() string {
	return "Get the full description and parameter schema of a tool before calling it"
}

func (t *ToolInfoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Name of the tool to describe",
			},
		},
		"required": []string{"name"},
	}
}

func (t *ToolInfoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name, _ := args["name"].(string)
	if name == "" {
		return ErrorResult("name is required")
	}

	tool, ok := t.registry.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %s; available: %s", name, strings.Join(t.registry.Allowed(), ", ")))
	}

	schema, err := json.MarshalIndent(tool.Parameters(), "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to render schema: %v", err))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool: %s\n", tool.Name())
	fmt.Fprintf(&sb, "Description: %s\n", tool.Description())
	sb.WriteString("Parameters:\n")
	sb.Write(schema)
	return SilentResult(sb.String())
}
