package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/agent"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
	"github.com/xiaoyubing999/openakita-sub001/internal/skills"
	"github.com/xiaoyubing999/openakita-sub001/internal/store"
	"github.com/xiaoyubing999/openakita-sub001/internal/tools"
)

func loadConfigOrExit() *config.Config {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("config load failed", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

// buildPool constructs the endpoint pool from the endpoints that resolved an
// API key. Probing is the caller's choice.
func buildPool(cfg *config.Config) (*providers.Pool, error) {
	eps := cfg.ActiveEndpoints()
	if len(eps) == 0 {
		return nil, fmt.Errorf("no endpoints with a resolved API key (set the api_key_env variables, or ANTHROPIC_API_KEY / OPENAI_API_KEY)")
	}
	endpoints := make([]*providers.Endpoint, 0, len(eps))
	for _, ec := range eps {
		endpoints = append(endpoints, &providers.Endpoint{
			Name:     ec.Name,
			Protocol: providers.Protocol(ec.Protocol),
			BaseURL:  ec.BaseURL,
			APIKey:   ec.APIKey,
			Model:    ec.Model,
			Priority: ec.Priority,
		})
	}
	return providers.NewPool(endpoints)
}

// openSessionStore opens the configured persistence backend. The sqlite
// backend accepts either a database file path or a directory in
// sessions.storage.
func openSessionStore(cfg *config.Config) (sessions.Store, error) {
	sc := cfg.SessionsSection()
	sqlitePath := cfg.SessionsPath()
	if filepath.Ext(sqlitePath) == "" {
		sqlitePath = filepath.Join(sqlitePath, "sessions.db")
	}
	return store.Open(store.Config{
		Backend:     sc.Backend,
		Dir:         cfg.SessionsPath(),
		SQLitePath:  sqlitePath,
		PostgresDSN: sc.PostgresDSN,
	})
}

func newSessionManager(cfg *config.Config, st sessions.Store) *sessions.Manager {
	sc := cfg.SessionsSection()
	var opts []sessions.ManagerOption
	if sc.FlushSec > 0 {
		opts = append(opts, sessions.WithFlushInterval(time.Duration(sc.FlushSec)*time.Second))
	}
	if sc.MaxIdleMin > 0 {
		opts = append(opts, sessions.WithMaxIdle(time.Duration(sc.MaxIdleMin)*time.Minute))
	}
	return sessions.NewManager(st, opts...)
}

// buildToolRegistry assembles the builtin tool suite. The returned browser
// tool is non-nil when enabled; the caller closes it on shutdown.
func buildToolRegistry(cfg *config.Config) (*tools.Registry, *tools.BrowserTool) {
	ac := cfg.AgentSection()
	tc := cfg.ToolsSection()

	registry := tools.NewRegistry()
	if len(tc.Allow) > 0 || len(tc.Deny) > 0 {
		registry.SetPolicy(tools.NewPolicy(tc.Allow, tc.Deny))
	}
	browser := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		Workspace:           cfg.WorkspacePath(),
		RestrictToWorkspace: ac.RestrictToWorkspace,
		DenyPaths:           ac.DenyPaths,
		ShellTimeout:        time.Duration(tc.ShellTimeoutSec) * time.Second,
		BraveAPIKey:         tc.BraveAPIKey,
		EnableBrowser:       tc.Browser.Enabled,
	})
	return registry, browser
}

// buildSkillsLoader scans the workspace skills dir, the user-level catalog,
// and any extra configured roots. Later roots override earlier ones on name
// collisions.
func buildSkillsLoader(cfg *config.Config) *skills.Loader {
	roots := []string{
		filepath.Join(cfg.WorkspacePath(), "skills"),
		config.ExpandHome("~/.openakita/skills"),
	}
	for _, d := range cfg.SkillsSection().Dirs {
		roots = append(roots, config.ExpandHome(d))
	}
	l := skills.NewLoader(roots...)
	if err := l.Load(); err != nil {
		slog.Warn("skill catalog scan failed", "error", err)
	}
	return l
}

func buildLoop(cfg *config.Config, pool agent.Chat, registry *tools.Registry, mgr *sessions.Manager, sk *skills.Loader) *agent.Loop {
	ac := cfg.AgentSection()
	return agent.NewLoop(pool, registry, mgr, sk, agent.Config{
		MaxIterations:      ac.MaxIterations,
		MaxTokens:          ac.MaxTokens,
		ChunkBytes:         ac.ChunkBytes,
		SendRetries:        ac.SendRetries,
		SendRetryDelay:     time.Duration(ac.SendRetryDelaySec) * time.Second,
		MaxToolResultBytes: ac.MaxToolResultBytes,
		Persona:            ac.Persona,
		Workspace:          cfg.WorkspacePath(),
		EnableThinking:     ac.EnableThinking,
		SkillAllow:         cfg.SkillsSection().Allow,
	})
}

// persistEndpointOrder rewrites endpoint priorities in the config file to
// match the given order, then swaps the updated view into the live config.
// Secrets never reach the file; they are json:"-" on the config structs.
func persistEndpointOrder(path string, cfg *config.Config, names []string) error {
	fresh, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	prio := make(map[string]int, len(names))
	for i, n := range names {
		prio[n] = i + 1
	}
	for i := range fresh.Endpoints {
		if p, ok := prio[fresh.Endpoints[i].Name]; ok {
			fresh.Endpoints[i].Priority = p
		}
	}
	if err := config.Save(path, fresh); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	cfg.ReplaceFrom(fresh)
	return nil
}
