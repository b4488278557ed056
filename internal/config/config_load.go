package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:           "~/.openakita/workspace",
			RestrictToWorkspace: true,
			MaxTokens:           8192,
			MaxIterations:       30,
			ChunkBytes:          4000,
			SendRetries:         3,
			SendRetryDelaySec:   1,
			MaxToolResultBytes:  30000,
		},
		Endpoints: []EndpointConfig{},
		Gateway: GatewayConfig{
			Host:                "0.0.0.0",
			Port:                18791,
			MediaConcurrency:    4,
			TypingIntervalSec:   4,
			ProgressBatchLines:  20,
			ProgressBatchWindow: 2,
			RateLimitRPM:        20,
			MaxMessageChars:     32000,
		},
		Stream: StreamConfig{
			SettleDelaySeconds:   8,
			StreamTimeoutSeconds: 330,
		},
		Tools: ToolsConfig{
			ShellTimeoutSec: 120,
			Browser: BrowserToolConfig{
				Enabled:  false,
				Headless: true,
			},
		},
		Sessions: SessionsConfig{
			Backend: "file",
			Storage: "~/.openakita/sessions",
		},
		SelfCheck: SelfCheckConfig{
			Enabled:  true,
			Schedule: "0 7 * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "openakita",
			SampleRate:  1.0,
		},
	}
}

// Load reads config from a JSON file (json5 accepted), then overlays env
// vars. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Secrets live only in
// the environment; env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Endpoint API keys resolve through their declared env var, with a
	// protocol-level fallback so a bare ANTHROPIC_API_KEY still works.
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.APIKeyEnv != "" {
			ep.APIKey = os.Getenv(ep.APIKeyEnv)
		}
		if ep.APIKey == "" {
			switch ep.Protocol {
			case "anthropic":
				ep.APIKey = os.Getenv("ANTHROPIC_API_KEY")
			case "openai":
				ep.APIKey = os.Getenv("OPENAI_API_KEY")
			}
		}
	}

	envStr("OPENAKITA_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OPENAKITA_STT_PROXY_URL", &c.Gateway.STTProxyURL)

	// Channel secrets
	envStr("OPENAKITA_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OPENAKITA_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("OPENAKITA_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("OPENAKITA_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	envStr("OPENAKITA_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("OPENAKITA_WEWORK_TOKEN", &c.Channels.WeWork.Token)
	envStr("OPENAKITA_WEWORK_AES_KEY", &c.Channels.WeWork.EncodingAESKey)
	envStr("OPENAKITA_DINGTALK_CLIENT_ID", &c.Channels.DingTalk.ClientID)
	envStr("OPENAKITA_DINGTALK_CLIENT_SECRET", &c.Channels.DingTalk.ClientSecret)
	envStr("OPENAKITA_ONEBOT_TOKEN", &c.Channels.OneBot.AccessToken)
	envStr("OPENAKITA_QQBOT_SECRET", &c.Channels.QQBot.Secret)
	envStr("OPENAKITA_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}
	if c.Channels.WeWork.Token != "" && c.Channels.WeWork.EncodingAESKey != "" {
		c.Channels.WeWork.Enabled = true
	}
	if c.Channels.DingTalk.ClientID != "" && c.Channels.DingTalk.ClientSecret != "" {
		c.Channels.DingTalk.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	// Workspace & sessions
	envStr("OPENAKITA_WORKSPACE", &c.Agent.Workspace)
	envStr("OPENAKITA_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("OPENAKITA_SESSIONS_BACKEND", &c.Sessions.Backend)
	envStr("OPENAKITA_POSTGRES_DSN", &c.Sessions.PostgresDSN)

	// Gateway host/port
	envStr("OPENAKITA_HOST", &c.Gateway.Host)
	if v := os.Getenv("OPENAKITA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("OPENAKITA_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	// Tools
	envStr("OPENAKITA_BRAVE_API_KEY", &c.Tools.BraveAPIKey)

	// Telemetry
	envStr("OPENAKITA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OPENAKITA_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("OPENAKITA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("OPENAKITA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("OPENAKITA_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("OPENAKITA_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("OPENAKITA_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("OPENAKITA_TSNET_DIR", &c.Tailscale.StateDir)
}

// ActiveEndpoints returns the endpoints that have a resolved API key, in
// file order. The pool sorts them by priority itself.
func (c *Config) ActiveEndpoints() []EndpointConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EndpointConfig, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.APIKey != "" {
			out = append(out, ep)
		}
	}
	return out
}

// Save writes the config to a JSON file. Secret fields are json:"-" so they
// never land on disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
