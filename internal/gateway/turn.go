package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/agent"
	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

// User-facing fallback texts. The assistant speaks Chinese-first like the
// rest of its prompts.
const (
	cancelAck             = "好的，已停止当前任务。"
	guardFailNotice       = "这个操作请求没能完成：助手多次未调用工具。请换个说法再试。"
	genericFailureNotice  = "抱歉，这次处理失败了，请稍后再试。"
	deliveryFailureNotice = "(消息发送失败，请稍后重试)"
)

// runTurn executes one full turn for msg: command short-circuit, typing
// keepalive, media preprocess, history writes, daily report delivery, the
// agent call, and reply delivery. The processing flag is owned by the
// caller.
func (g *Gateway) runTurn(key string, msg *bus.UnifiedMessage, isInterrupt bool) {
	started := time.Now()
	ctx, cancel := context.WithCancelCause(g.base)
	g.mu.Lock()
	g.cancels[key] = cancel
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.cancels, key)
		g.mu.Unlock()
		cancel(nil)
	}()

	// System commands bypass the agent entirely.
	if g.commands != nil {
		if reply, handled := g.commands.Handle(ctx, msg); handled {
			if reply != "" {
				g.deliver(msg, reply)
			}
			slog.Debug("system command handled", "session", key, "text", channels.Truncate(msg.Content.Text, 40))
			return
		}
	}

	stopTyping := g.keepTyping(ctx, msg.Channel, msg.ChatID)
	defer stopTyping()

	g.preprocessMedia(ctx, key, msg)

	text := msg.PlainText()
	g.sessions.GetOrCreate(msg.Channel, msg.ChatID, msg.UserID)
	g.sessions.AddMessage(key, sessions.Message{
		Role:        sessions.RoleUser,
		Content:     text,
		IsInterrupt: isInterrupt,
	})

	g.deliverPendingReport(msg)

	// The agent reaches back for interrupts and progress through this
	// reference; sessions never persist it.
	g.sessions.SetMeta(key, sessions.MetaGateway, agent.Host(g))
	g.sessions.SetMeta(key, sessions.MetaSessionKey, key)
	g.sessions.SetMeta(key, sessions.MetaCurrentMessage, msg.ID)

	res, err := g.runner.Run(ctx, agent.RunRequest{
		SessionKey: key,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		ChatType:   msg.ChatType,
		UserID:     msg.UserID,
		Message:    text,
		Images:     g.takePendingImages(key),
	})

	var reply, summary string
	switch {
	case err == nil:
		reply, summary = res.Content, res.Summary
		slog.Info("turn completed",
			"session", key,
			"iterations", res.Iterations,
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
	case errors.Is(err, agent.ErrCancelled):
		slog.Info("turn cancelled", "session", key, "cause", context.Cause(ctx))
		reply = cancelAck
	default:
		var guard *agent.GuardError
		if errors.As(err, &guard) {
			slog.Warn("guardrail exhausted retries", "session", key, "violations", guard.Violations)
			reply = guardFailNotice
		} else {
			slog.Error("agent turn failed", "session", key, "error", err)
			reply = genericFailureNotice
		}
	}

	g.sessions.AddMessage(key, sessions.Message{
		Role:    sessions.RoleAssistant,
		Content: reply,
		Summary: summary,
	})

	g.deliver(msg, reply)
}

// deliver splits the reply into channel-sized chunks and sends each with the
// runner's retry budget. Delivery uses its own deadline off the gateway base
// context so a cancelled turn can still send its acknowledgement. Returns
// false when any chunk was dropped after retry exhaustion.
func (g *Gateway) deliver(msg *bus.UnifiedMessage, text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	if channels.IsInternalChannel(msg.Channel) {
		return true
	}

	ctx, cancel := context.WithTimeout(g.base, g.cfg.SendTimeout)
	defer cancel()

	chunks := agent.SplitMessage(text, g.runner.ChunkBytes())
	attempts, delay := g.runner.SendRetries()
	if attempts < 1 {
		attempts = 1
	}

	for _, chunk := range chunks {
		out := bus.NewOutgoingText(msg.ChatID, chunk)
		out.ReplyTo = msg.MessageID
		out.ThreadID = msg.ThreadID
		if err := g.sendWithRetry(ctx, msg.Channel, out, attempts, delay); err != nil {
			slog.Error("reply delivery failed",
				"channel", msg.Channel, "chat", msg.ChatID, "error", err)
			// One last notice, dropped silently if it fails too.
			_, _ = g.channels.SendText(ctx, msg.Channel, msg.ChatID, deliveryFailureNotice)
			return false
		}
	}
	return true
}

func (g *Gateway) sendWithRetry(ctx context.Context, channel string, out *bus.OutgoingMessage, attempts int, delay time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := g.channels.Send(ctx, channel, out)
		if err == nil {
			return nil
		}
		if channels.IsNotSupported(err) {
			return err
		}
		lastErr = err
		slog.Warn("send attempt failed", "channel", channel, "attempt", attempt, "error", err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

// keepTyping shows a typing indicator every TypingInterval until the
// returned stop function runs. Channels without the capability opt out after
// the first call.
func (g *Gateway) keepTyping(ctx context.Context, channel, chatID string) func() {
	if g.cfg.TypingInterval <= 0 || channels.IsInternalChannel(channel) {
		return func() {}
	}
	tctx, cancel := context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.channels.Typing(tctx, channel, chatID); channels.IsNotSupported(err) {
			return
		}
		ticker := time.NewTicker(g.cfg.TypingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				_ = g.channels.Typing(tctx, channel, chatID)
			}
		}
	}()
	return cancel
}
