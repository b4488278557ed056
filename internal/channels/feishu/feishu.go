// Package feishu implements the Feishu/Lark channel adapter. Events arrive
// over the open-platform webhook (mounted on the gateway HTTP server);
// replies go out through the IM REST API with a cached tenant access token.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

const dedupTTL = 5 * time.Minute

// Channel connects to Feishu/Lark. Inbound events are pushed by the platform
// to the webhook handler; the adapter holds no long-lived connection.
type Channel struct {
	*channels.BaseChannel
	cfg       config.FeishuConfig
	client    *larkClient
	botOpenID string

	dedup sync.Map // event/message id → time.Time

	mu        sync.Mutex
	intakeCtx context.Context // set by Start, used by webhook dispatch
}

// New creates the Feishu adapter from config.
func New(cfg config.FeishuConfig) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are empty (set OPENAKITA_FEISHU_APP_ID / OPENAKITA_FEISHU_APP_SECRET)")
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("feishu", 0, cfg.AllowedIDs),
		cfg:         cfg,
		client:      newLarkClient(cfg.AppID, cfg.AppSecret, resolveDomain(cfg.Domain)),
	}, nil
}

// Start probes the bot identity (needed for group mention detection) and
// marks the channel running. Event delivery starts as soon as the webhook
// route is mounted.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting feishu bot")

	c.mu.Lock()
	c.intakeCtx = ctx
	c.mu.Unlock()

	openID, err := c.client.GetBotInfo(ctx)
	if err != nil {
		slog.Warn("feishu bot probe failed, group mentions will not be detected", "error", err)
	} else {
		c.botOpenID = openID
		slog.Info("feishu bot connected", "bot_open_id", openID)
	}

	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped; the webhook handler rejects events after.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping feishu bot")
	c.SetRunning(false)
	return nil
}

// Send delivers one outbound message and returns the Feishu message id.
// Markdown-heavy text (code blocks, tables) goes out as an interactive card,
// plain text as a rich-text post.
func (c *Channel) Send(ctx context.Context, out *bus.OutgoingMessage) (string, error) {
	if out.ChatID == "" {
		return "", fmt.Errorf("empty chat id for feishu send")
	}
	text := out.Content.Text
	if text == "" {
		text = out.Content.PlainText()
	}
	if text == "" {
		return "", nil
	}

	if err := c.Throttle(ctx); err != nil {
		return "", err
	}

	receiveIDType := resolveReceiveIDType(out.ChatID)

	if shouldUseCard(text) {
		card, err := json.Marshal(buildMarkdownCard(text))
		if err != nil {
			return "", fmt.Errorf("marshal card: %w", err)
		}
		resp, err := c.client.SendMessage(ctx, receiveIDType, out.ChatID, "interactive", string(card))
		if err != nil {
			return "", fmt.Errorf("feishu send card: %w", err)
		}
		return resp.MessageID, nil
	}

	resp, err := c.client.SendMessage(ctx, receiveIDType, out.ChatID, "post", buildPostContent(text))
	if err != nil {
		return "", fmt.Errorf("feishu send text: %w", err)
	}
	return resp.MessageID, nil
}

// DownloadMedia fetches a message resource (image, file, audio) to a local
// temp file. The adapter encodes the message id and resource type into the
// file handle at intake because the download API needs all three parts.
func (c *Channel) DownloadMedia(ctx context.Context, f *bus.MediaFile) (string, error) {
	messageID, fileKey, resourceType, ok := parseResourceRef(f.FileID)
	if !ok {
		return "", fmt.Errorf("media %s has no feishu resource reference", f.ID)
	}
	return c.client.DownloadResource(ctx, messageID, fileKey, resourceType, f.FileName)
}

// isDuplicate reports whether the id was already processed. Feishu redelivers
// events until the webhook answers 200 within its deadline, so intake must be
// idempotent.
func (c *Channel) isDuplicate(id string) bool {
	_, loaded := c.dedup.LoadOrStore(id, time.Now())
	if !loaded {
		go func() {
			time.Sleep(dedupTTL)
			c.dedup.Delete(id)
		}()
	}
	return loaded
}

func (c *Channel) intakeContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intakeCtx != nil {
		return c.intakeCtx
	}
	return context.Background()
}

// resolveDomain maps the config shorthand to an API base URL.
func resolveDomain(domain string) string {
	switch domain {
	case "", "feishu":
		return "https://open.feishu.cn"
	case "lark":
		return "https://open.larksuite.com"
	default:
		if !strings.HasPrefix(domain, "http") {
			return "https://" + domain
		}
		return domain
	}
}

// resolveReceiveIDType infers the receive_id_type query parameter from the
// target id prefix.
func resolveReceiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return "open_id"
	case strings.HasPrefix(id, "on_"):
		return "union_id"
	default: // "oc_" chat ids and anything else
		return "chat_id"
	}
}

// buildPostContent wraps markdown text in the rich-text post envelope.
func buildPostContent(text string) string {
	content := map[string]any{
		"zh_cn": map[string]any{
			"content": [][]map[string]any{
				{{"tag": "md", "text": text}},
			},
		},
	}
	data, _ := json.Marshal(content)
	return string(data)
}

// buildMarkdownCard wraps text in a schema-2.0 interactive card.
func buildMarkdownCard(text string) map[string]any {
	return map[string]any{
		"schema": "2.0",
		"config": map[string]any{"wide_screen_mode": true},
		"body": map[string]any{
			"elements": []map[string]any{
				{"tag": "markdown", "content": text},
			},
		},
	}
}

// shouldUseCard reports whether content benefits from card rendering.
func shouldUseCard(text string) bool {
	return strings.Contains(text, "```") ||
		strings.Contains(text, "| --- ") ||
		strings.Contains(text, "|---|")
}
