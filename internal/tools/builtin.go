package tools

import "time"

// BuiltinConfig controls how the builtin tool set is constructed.
type BuiltinConfig struct {
	Workspace           string
	RestrictToWorkspace bool
	DenyPaths           []string // workspace-relative prefixes hidden from fs tools
	ShellTimeout        time.Duration
	BraveAPIKey         string
	EnableBrowser       bool
}

// RegisterBuiltins wires the builtin tool suite into the registry. The
// returned browser tool is non-nil when enabled so the caller can close it
// on shutdown.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) *BrowserTool {
	shell := NewRunShellTool(cfg.Workspace, cfg.RestrictToWorkspace)
	if cfg.ShellTimeout > 0 {
		shell.SetTimeout(cfg.ShellTimeout)
	}
	r.Register(shell)

	readFile := NewReadFileTool(cfg.Workspace, cfg.RestrictToWorkspace)
	readFile.DenyPaths(cfg.DenyPaths...)
	r.Register(readFile)

	writeFile := NewWriteFileTool(cfg.Workspace, cfg.RestrictToWorkspace)
	writeFile.DenyPaths(cfg.DenyPaths...)
	r.Register(writeFile)

	r.Register(NewListDirTool(cfg.Workspace, cfg.RestrictToWorkspace))
	r.Register(NewWebFetchTool(0))
	r.Register(NewWebSearchTool(cfg.BraveAPIKey))
	r.Register(NewReadImageTool(cfg.Workspace, cfg.RestrictToWorkspace))
	r.Register(NewToolInfoTool(r))

	var browser *BrowserTool
	if cfg.EnableBrowser {
		browser = NewBrowserTool()
		r.Register(browser)
	}
	return browser
}
