package config

// ChannelsConfig holds per-channel adapter settings. A channel starts only
// when Enabled is true and its credentials resolve.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Feishu   FeishuConfig   `json:"feishu,omitempty"`
	WeWork   WeWorkConfig   `json:"wework,omitempty"`
	DingTalk DingTalkConfig `json:"dingtalk,omitempty"`
	OneBot   OneBotConfig   `json:"onebot,omitempty"`
	QQBot    QQBotConfig    `json:"qqbot,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// TelegramConfig configures the Telegram bot adapter (long polling).
type TelegramConfig struct {
	Enabled     bool                `json:"enabled"`
	Token       string              `json:"-"` // from env OPENAKITA_TELEGRAM_TOKEN only
	AllowedIDs  FlexibleStringSlice `json:"allowed_ids,omitempty"`
	RequirePair bool                `json:"require_pairing,omitempty"`
	PairingDir  string              `json:"pairing_dir,omitempty"` // default ~/.openakita/pairing
}

// FeishuConfig configures the Feishu / Lark event-webhook adapter.
type FeishuConfig struct {
	Enabled           bool                `json:"enabled"`
	AppID             string              `json:"-"` // env OPENAKITA_FEISHU_APP_ID
	AppSecret         string              `json:"-"` // env OPENAKITA_FEISHU_APP_SECRET
	EncryptKey        string              `json:"-"` // env OPENAKITA_FEISHU_ENCRYPT_KEY
	VerificationToken string              `json:"-"` // env OPENAKITA_FEISHU_VERIFICATION_TOKEN
	Domain            string              `json:"domain,omitempty"` // "feishu" (default) or "lark", or a full URL
	AllowedIDs        FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

// WeWorkConfig configures the WeCom smart-robot callback adapter. Replies
// flow through the streaming state machine; the callback crypto needs the
// token + AES key pair issued by the WeCom console.
type WeWorkConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // env OPENAKITA_WEWORK_TOKEN
	EncodingAESKey string              `json:"-"` // env OPENAKITA_WEWORK_AES_KEY
	AllowedIDs     FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

// DingTalkConfig configures the DingTalk stream-mode adapter (websocket,
// no public callback URL required).
type DingTalkConfig struct {
	Enabled      bool                `json:"enabled"`
	ClientID     string              `json:"-"` // env OPENAKITA_DINGTALK_CLIENT_ID
	ClientSecret string              `json:"-"` // env OPENAKITA_DINGTALK_CLIENT_SECRET
	AllowedIDs   FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

// OneBotConfig configures the OneBot v11 forward-websocket adapter
// (NapCat, Lagrange and friends).
type OneBotConfig struct {
	Enabled     bool                `json:"enabled"`
	WSURL       string              `json:"ws_url,omitempty"` // e.g. ws://127.0.0.1:3001
	AccessToken string              `json:"-"`                // env OPENAKITA_ONEBOT_TOKEN
	AllowedIDs  FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

// QQBotConfig configures the QQ official bot gateway adapter.
type QQBotConfig struct {
	Enabled    bool                `json:"enabled"`
	AppID      string              `json:"app_id,omitempty"`
	Secret     string              `json:"-"` // env OPENAKITA_QQBOT_SECRET
	Sandbox    bool                `json:"sandbox,omitempty"`
	AllowedIDs FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled    bool                `json:"enabled"`
	Token      string              `json:"-"` // env OPENAKITA_DISCORD_TOKEN
	AllowedIDs FlexibleStringSlice `json:"allowed_ids,omitempty"`
}

// AnyChannelEnabled reports whether at least one chat channel is configured.
func (c *Config) AnyChannelEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch := c.Channels
	return ch.Telegram.Enabled || ch.Feishu.Enabled || ch.WeWork.Enabled ||
		ch.DingTalk.Enabled || ch.OneBot.Enabled || ch.QQBot.Enabled ||
		ch.Discord.Enabled
}

// ToolsConfig tunes the builtin tool suite and external MCP servers.
type ToolsConfig struct {
	Allow           FlexibleStringSlice         `json:"allow,omitempty"` // nil = all tools allowed
	Deny            FlexibleStringSlice         `json:"deny,omitempty"`
	ShellTimeoutSec int                         `json:"shell_timeout_seconds,omitempty"`
	BraveAPIKey     string                      `json:"-"` // env OPENAKITA_BRAVE_API_KEY only
	Browser         BrowserToolConfig           `json:"browser"`
	McpServers      map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// BrowserToolConfig controls the browser automation tool.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless,omitempty"`
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names (avoids collisions)
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
	AllowTools []string          `json:"allow_tools,omitempty"` // keep only these server tool names
	DenyTools  []string          `json:"deny_tools,omitempty"`  // drop these server tool names
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
