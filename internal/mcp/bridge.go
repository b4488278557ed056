package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/xiaoyubing999/openakita-sub001/internal/tools"
)

// BridgeTool adapts a tool discovered on an MCP server to the local tool
// interface. Calls are forwarded over the server connection with a
// per-call timeout.
type BridgeTool struct {
	serverName string
	origName   string
	name       string
	desc       string
	schema     map[string]interface{}
	client     *mcpclient.Client
	timeout    time.Duration
	connected  *atomic.Bool
}

// NewBridgeTool wraps an MCP tool. The registered name is
// mcp_<server>_<tool> unless toolPrefix overrides the prefix.
func NewBridgeTool(serverName string, t mcpgo.Tool, client *mcpclient.Client, toolPrefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	prefix := toolPrefix
	if prefix == "" {
		prefix = "mcp_" + serverName + "_"
	}
	desc := t.Description
	if desc == "" {
		desc = fmt.Sprintf("Tool %s provided by MCP server %s.", t.Name, serverName)
	}
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &BridgeTool{
		serverName: serverName,
		origName:   t.Name,
		name:       sanitizeToolName(prefix + t.Name),
		desc:       desc,
		schema:     schemaToMap(t),
		client:     client,
		timeout:    time.Duration(timeoutSec) * time.Second,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string        { return b.name }
func (b *BridgeTool) Description() string { return b.desc }

func (b *BridgeTool) Parameters() map[string]interface{} { return b.schema }

// OriginalName returns the tool name as the server advertises it.
func (b *BridgeTool) OriginalName() string { return b.origName }

// ServerName returns the configured name of the owning server.
func (b *BridgeTool) ServerName() string { return b.serverName }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("mcp server %s is not connected", b.serverName))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.origName
	req.Params.Arguments = args

	callRes, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("mcp tool %s: %v", b.origName, err)).WithError(err)
	}

	var parts []string
	var images []mcpgo.ImageContent
	for _, c := range callRes.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			if tc.Text != "" {
				parts = append(parts, tc.Text)
			}
			continue
		}
		if ic, ok := mcpgo.AsImageContent(c); ok && ic.Data != "" {
			images = append(images, *ic)
		}
	}

	text := strings.Join(parts, "\n")
	if text == "" {
		if len(images) > 0 {
			text = fmt.Sprintf("(%d image(s) returned)", len(images))
		} else {
			text = "(no content)"
		}
	}

	if callRes.IsError {
		return tools.ErrorResult(text)
	}

	res := tools.NewResult(text)
	for _, img := range images {
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		res = res.WithImage(mime, img.Data)
	}
	return res
}

// Provider APIs constrain tool names to [a-zA-Z0-9_-], max 64 chars.
var toolNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeToolName(name string) string {
	s := toolNameRe.ReplaceAllString(name, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// schemaToMap converts the advertised input schema to the generic map form
// the registry exposes. Servers with no schema get an empty object schema.
func schemaToMap(t mcpgo.Tool) map[string]interface{} {
	emptyObject := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}

	raw, err := json.Marshal(t.InputSchema)
	if err != nil || len(raw) == 0 || string(raw) == "null" {
		return emptyObject
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema) == 0 {
		return emptyObject
	}
	if typ, ok := schema["type"].(string); !ok || typ == "" {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]interface{}{}
	}
	return schema
}
