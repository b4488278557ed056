// Package mcp connects external MCP tool servers and bridges their tools
// into the shared tool registry. Bridged tools are named
// mcp_<server>_<tool> (or <tool_prefix><tool> when a prefix is configured)
// and join the "mcp" and "mcp:<server>" policy groups so they can be
// allowed or denied like any builtin tool.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/tools"
)

const (
	pingInterval = 30 * time.Second
	redialBase   = 2 * time.Second
	redialMax    = 60 * time.Second
	maxRedials   = 10
)

// ServerStatus reports the connection status of an MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// link is one live server connection and the registry entries it owns.
type link struct {
	name      string
	transport string
	client    *mcpclient.Client
	alive     atomic.Bool
	bridged   []string // names this server holds in the registry
	timeout   int      // per-call timeout, seconds
	stopWatch context.CancelFunc

	mu      sync.Mutex
	redials int
	lastErr string
}

func (l *link) noteError(err error) {
	l.alive.Store(false)
	l.mu.Lock()
	l.lastErr = err.Error()
	l.mu.Unlock()
}

func (l *link) noteHealthy() {
	l.alive.Store(true)
	l.mu.Lock()
	l.redials = 0
	l.lastErr = ""
	l.mu.Unlock()
}

// Manager owns every configured server connection. Servers come from the
// static config map and are shared by every session.
type Manager struct {
	mu       sync.RWMutex
	links    map[string]*link
	registry *tools.Registry
	configs  map[string]*config.MCPServerConfig
}

// NewManager creates a Manager that will connect the given servers and
// register their tools into registry.
func NewManager(registry *tools.Registry, configs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		links:    make(map[string]*link),
		registry: registry,
		configs:  configs,
	}
}

// Start connects every enabled server, in name order so logs are stable.
// A server that fails to connect is skipped, not fatal; the returned error
// aggregates the failures so the caller can surface them.
func (m *Manager) Start(ctx context.Context) error {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		cfg := m.configs[name]
		if cfg == nil {
			continue
		}
		if !cfg.IsEnabled() {
			slog.Info("mcp server disabled", "server", name)
			continue
		}
		if err := m.dial(ctx, name, cfg); err != nil {
			slog.Warn("mcp server connect failed", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if len(cfg.AllowTools) > 0 || len(cfg.DenyTools) > 0 {
			m.applyToolLists(name, cfg.AllowTools, cfg.DenyTools)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("connect mcp servers: %w", errors.Join(errs...))
	}
	return nil
}

// Stop closes every connection and removes the bridged tools from the
// registry, including their policy groups.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, lk := range m.links {
		if lk.stopWatch != nil {
			lk.stopWatch()
		}
		if lk.client != nil {
			if err := lk.client.Close(); err != nil {
				slog.Debug("mcp server close failed", "server", name, "error", err)
			}
		}
		for _, tn := range lk.bridged {
			m.registry.Unregister(tn)
		}
		tools.UnregisterToolGroup("mcp:" + name)
		slog.Debug("mcp server detached", "server", name, "tools", len(lk.bridged))
	}
	m.links = make(map[string]*link)
	tools.UnregisterToolGroup("mcp")
}

// ToolNames returns every bridged tool name across servers.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, lk := range m.links {
		names = append(names, lk.bridged...)
	}
	return names
}

// ServerStatus returns the status of all connected servers, sorted by name.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.links))
	for _, lk := range m.links {
		lk.mu.Lock()
		lastErr := lk.lastErr
		lk.mu.Unlock()
		out = append(out, ServerStatus{
			Name:      lk.name,
			Transport: lk.transport,
			Connected: lk.alive.Load(),
			ToolCount: len(lk.bridged),
			Error:     lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// refreshUnionGroup rebuilds the "mcp" group from every server's bridged
// tools. Must be called without m.mu held.
func (m *Manager) refreshUnionGroup() {
	all := m.ToolNames()
	if len(all) > 0 {
		tools.RegisterToolGroup("mcp", all)
	} else {
		tools.UnregisterToolGroup("mcp")
	}
}

// applyToolLists drops bridged tools the server config denies, matching on
// the names the server advertises. Deny wins over allow; a non-empty allow
// list drops everything it does not name.
func (m *Manager) applyToolLists(serverName string, allow, deny []string) {
	m.mu.Lock()
	lk, ok := m.links[serverName]
	if !ok {
		m.mu.Unlock()
		return
	}

	allowed := stringSet(allow)
	denied := stringSet(deny)

	kept := lk.bridged[:0]
	for _, tn := range lk.bridged {
		bt, ok := m.registry.Get(tn)
		if !ok {
			continue
		}
		bridge, ok := bt.(*BridgeTool)
		if !ok {
			kept = append(kept, tn)
			continue
		}
		orig := bridge.OriginalName()
		if _, drop := denied[orig]; drop {
			m.registry.Unregister(tn)
			continue
		}
		if len(allowed) > 0 {
			if _, keep := allowed[orig]; !keep {
				m.registry.Unregister(tn)
				continue
			}
		}
		kept = append(kept, tn)
	}
	lk.bridged = kept

	if len(kept) > 0 {
		tools.RegisterToolGroup("mcp:"+serverName, kept)
	} else {
		tools.UnregisterToolGroup("mcp:" + serverName)
	}
	m.mu.Unlock()

	m.refreshUnionGroup()
}

func stringSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}
