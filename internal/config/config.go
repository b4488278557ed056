package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the OpenAkita gateway.
type Config struct {
	Agent     AgentConfig      `json:"agent"`
	Endpoints []EndpointConfig `json:"endpoints"`
	Channels  ChannelsConfig   `json:"channels"`
	Gateway   GatewayConfig    `json:"gateway"`
	Stream    StreamConfig     `json:"stream,omitempty"`
	Tools     ToolsConfig      `json:"tools"`
	Sessions  SessionsConfig   `json:"sessions"`
	Skills    SkillsConfig     `json:"skills,omitempty"`
	SelfCheck SelfCheckConfig  `json:"selfcheck,omitempty"`
	Telemetry TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig  `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig tunes the execution loop.
type AgentConfig struct {
	Workspace           string              `json:"workspace"`
	RestrictToWorkspace bool                `json:"restrict_to_workspace"`
	Persona             string              `json:"persona,omitempty"`
	MaxTokens           int                 `json:"max_tokens"`
	MaxIterations       int                 `json:"max_iterations"`
	ChunkBytes          int                 `json:"chunk_bytes"`
	SendRetries         int                 `json:"send_retries"`
	SendRetryDelaySec   int                 `json:"send_retry_delay_seconds"`
	MaxToolResultBytes  int                 `json:"max_tool_result_bytes"`
	EnableThinking      bool                `json:"enable_thinking,omitempty"`
	DenyPaths           FlexibleStringSlice `json:"deny_paths,omitempty"`
}

// EndpointConfig declares one LLM endpoint for the failover pool. Entries
// without a resolvable API key are skipped at pool construction. The key
// itself never lives in the file; APIKeyEnv names the environment variable
// that carries it.
type EndpointConfig struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"` // "anthropic" or "openai"
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	Priority  int    `json:"priority"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
	APIKey    string `json:"-"` // resolved from APIKeyEnv at load
}

// GatewayConfig tunes intake and turn processing.
type GatewayConfig struct {
	Host                 string              `json:"host"`
	Port                 int                 `json:"port"`
	Token                string              `json:"-"` // from env OPENAKITA_GATEWAY_TOKEN only
	OwnerIDs             FlexibleStringSlice `json:"owner_ids,omitempty"`
	MediaConcurrency     int                 `json:"media_concurrency"`
	TypingIntervalSec    int                 `json:"typing_interval_seconds"`
	ProgressBatchLines   int                 `json:"progress_batch_lines"`
	ProgressBatchWindow  int                 `json:"progress_batch_window_seconds"`
	STTProxyURL          string              `json:"stt_proxy_url,omitempty"`
	RateLimitRPM         int                 `json:"rate_limit_rpm"`
	MaxMessageChars      int                 `json:"max_message_chars"`
	DisableDailyDelivery bool                `json:"disable_daily_delivery,omitempty"`
}

// StreamConfig tunes the streaming reply state machine.
type StreamConfig struct {
	SettleDelaySeconds   int `json:"settle_delay_seconds"`
	StreamTimeoutSeconds int `json:"stream_timeout_seconds"`
}

// SessionsConfig selects and tunes the session store backend.
type SessionsConfig struct {
	Backend     string `json:"backend"` // "file" (default), "sqlite", "postgres"
	Storage     string `json:"storage"` // file dir or sqlite path
	PostgresDSN string `json:"-"`       // from env OPENAKITA_POSTGRES_DSN only
	FlushSec    int    `json:"flush_seconds,omitempty"`
	MaxIdleMin  int    `json:"max_idle_minutes,omitempty"`
}

// SkillsConfig configures the skill catalog.
type SkillsConfig struct {
	Dirs  FlexibleStringSlice `json:"dirs,omitempty"`
	Allow FlexibleStringSlice `json:"allow,omitempty"` // nil = all skills allowed
}

// SelfCheckConfig configures the daily self-check report.
type SelfCheckConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"` // cron expression, default "0 7 * * *"
	ReportDir string `json:"report_dir,omitempty"`
}

// TelemetryConfig enables OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Protocol    string  `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string  `json:"service_name,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
	Insecure    bool    `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the webhook
// server. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env OPENAKITA_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the hot-reload watcher so long-lived pointers stay valid.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Endpoints = src.Endpoints
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Stream = src.Stream
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Skills = src.Skills
	c.SelfCheck = src.SelfCheck
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// WorkspacePath returns the expanded agent workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// SessionsPath returns the expanded session storage path.
func (c *Config) SessionsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// ReportDir returns the expanded self-check report directory.
func (c *Config) ReportDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.SelfCheck.ReportDir != "" {
		return ExpandHome(c.SelfCheck.ReportDir)
	}
	return ExpandHome("~/.openakita/reports")
}

// Section accessors return copies so readers never race the hot-reload
// swap in ReplaceFrom. Slices inside the copies share backing arrays and
// must be treated as read-only.

func (c *Config) AgentSection() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

func (c *Config) GatewaySection() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

func (c *Config) ChannelsSection() ChannelsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels
}

func (c *Config) SessionsSection() SessionsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions
}

func (c *Config) StreamSection() StreamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Stream
}

func (c *Config) ToolsSection() ToolsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tools
}

func (c *Config) SkillsSection() SkillsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Skills
}

func (c *Config) SelfCheckSection() SelfCheckConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SelfCheck
}

func (c *Config) TelemetrySection() TelemetryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telemetry
}

func (c *Config) TailscaleSection() TailscaleConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tailscale
}
