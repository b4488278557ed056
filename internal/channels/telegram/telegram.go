// Package telegram implements the Telegram channel adapter on the Bot API
// long-polling transport. Inbound messages are normalized into bus envelopes
// with media left as pending file handles; the gateway pulls the bytes later
// through the MediaDownloader capability.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/pairing"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot  *telego.Bot
	cfg  config.TelegramConfig
	pair *pairing.Store // nil = allowlist only, no pairing gate

	pairingPrompted sync.Map // channel-native user id → time.Time (prompt debounce)

	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when the polling goroutine exits
}

// New creates the Telegram adapter from config. When require_pairing is set
// the local pairing store is opened (generating the code file on first run)
// before the bot connects.
func New(cfg config.TelegramConfig) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is empty (set OPENAKITA_TELEGRAM_TOKEN)")
	}

	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", 0, cfg.AllowedIDs),
		bot:         bot,
		cfg:         cfg,
	}

	if cfg.RequirePair {
		dir := cfg.PairingDir
		if dir == "" {
			dir = "~/.openakita/pairing"
		}
		store, err := pairing.Open(config.ExpandHome(dir))
		if err != nil {
			return nil, fmt.Errorf("open pairing store: %w", err)
		}
		c.pair = store
		slog.Info("telegram pairing required", "dir", config.ExpandHome(dir))
	}

	return c, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go c.syncMenuCommands(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot by cancelling the long polling context and waiting
// for the polling goroutine to exit, so Telegram releases the getUpdates lock
// before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// menuCommands is the command menu registered with Telegram. The entries
// mirror the system commands the gateway intercepts before the agent runs.
func menuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "model", Description: "List model endpoints"},
		{Command: "switch", Description: "Switch to another endpoint"},
		{Command: "priority", Description: "Reorder endpoint priorities"},
		{Command: "restore", Description: "Clear a temporary endpoint switch"},
		{Command: "cancel", Description: "Cancel a pending command flow"},
	}
}

// syncMenuCommands registers the bot command menu, retrying a few times since
// it races the first getUpdates call right after connect.
func (c *Channel) syncMenuCommands(ctx context.Context) {
	for attempt := 1; attempt <= 3; attempt++ {
		err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: menuCommands()})
		if err == nil {
			slog.Debug("telegram menu commands synced")
			return
		}
		slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt*5) * time.Second):
			}
		}
	}
}

// parseChatID converts a string chat id to the int64 Telegram uses.
func parseChatID(chatID string) (int64, error) {
	return strconv.ParseInt(chatID, 10, 64)
}

// telegramGeneralTopicID is the fixed topic id of the "General" topic in
// forum supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread id for send/edit API calls. The
// General topic (1) must be omitted — Telegram rejects it with "thread not
// found".
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
