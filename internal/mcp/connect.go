package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/tools"
	"github.com/xiaoyubing999/openakita-sub001/internal/version"
)

// dial opens the transport, runs the MCP handshake, and bridges every
// advertised tool into the registry under this server's name.
func (m *Manager) dial(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	client, err := openClient(cfg)
	if err != nil {
		return fmt.Errorf("open client: %w", err)
	}

	// stdio starts on construction; the HTTP transports need an explicit Start.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	advertised, err := handshake(ctx, client)
	if err != nil {
		_ = client.Close()
		return err
	}

	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = 60
	}
	lk := &link{
		name:      name,
		transport: cfg.Transport,
		client:    client,
		timeout:   timeout,
	}
	lk.alive.Store(true)

	for _, adv := range advertised {
		bt := NewBridgeTool(name, adv, client, cfg.ToolPrefix, timeout, &lk.alive)
		if _, taken := m.registry.Get(bt.Name()); taken {
			slog.Warn("mcp tool name collision, skipping", "server", name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		lk.bridged = append(lk.bridged, bt.Name())
	}

	if len(lk.bridged) > 0 {
		tools.RegisterToolGroup("mcp:"+name, lk.bridged)
	}

	wctx, cancel := context.WithCancel(context.Background())
	lk.stopWatch = cancel
	go m.watch(wctx, lk)

	m.mu.Lock()
	m.links[name] = lk
	m.mu.Unlock()
	m.refreshUnionGroup()

	slog.Info("mcp server connected", "server", name, "transport", cfg.Transport, "tools", len(lk.bridged))
	return nil
}

// handshake initializes the protocol and asks the server what tools it has.
func handshake(ctx context.Context, client *mcpclient.Client) ([]mcpgo.Tool, error) {
	init := mcpgo.InitializeRequest{}
	init.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcpgo.Implementation{Name: "openakita", Version: version.Version}
	if _, err := client.Initialize(ctx, init); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return listed.Tools, nil
}

func openClient(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, envList(cfg.Env), cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

// watch pings the server on an interval and kicks off redials when it
// stops answering.
func (m *Manager) watch(ctx context.Context, lk *link) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lk.client.Ping(ctx)
			if err == nil || ignorablePingError(err) {
				lk.noteHealthy()
				continue
			}
			lk.noteError(err)
			slog.Warn("mcp server unresponsive", "server", lk.name, "error", err)
			m.redial(ctx, lk)
		}
	}
}

// Servers that never implemented "ping" are still alive.
func ignorablePingError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "method not found")
}

// redial waits out an exponential backoff and probes the connection again.
// The transports reconnect on their own; all we do here is re-check.
func (m *Manager) redial(ctx context.Context, lk *link) {
	lk.mu.Lock()
	if lk.redials >= maxRedials {
		lk.lastErr = fmt.Sprintf("gave up after %d reconnect attempts", maxRedials)
		lk.mu.Unlock()
		slog.Error("mcp server reconnect exhausted", "server", lk.name)
		return
	}
	lk.redials++
	attempt := lk.redials
	lk.mu.Unlock()

	backoff := redialBase << (attempt - 1)
	if backoff > redialMax {
		backoff = redialMax
	}
	slog.Info("mcp server reconnecting", "server", lk.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := lk.client.Ping(ctx); err == nil {
		lk.noteHealthy()
		slog.Info("mcp server reconnected", "server", lk.name)
	}
}
