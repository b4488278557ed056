package gateway

import (
	"container/heap"
	"log/slog"

	"github.com/xiaoyubing999/openakita-sub001/internal/agent"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

// The agent reaches the gateway only through the narrow agent.Host interface
// passed via session metadata, which keeps the packages from importing each
// other both ways.
var _ agent.Host = (*Gateway)(nil)

// PendingInterrupt pops the next high-or-urgent interrupt for the session,
// records it in history as an interrupt-flagged user message, and hands its
// text to the running turn. Normal-priority interrupts stay queued for the
// post-turn drain.
func (g *Gateway) PendingInterrupt(sessionKey string) (string, bool) {
	g.mu.Lock()
	var item *InterruptMessage
	if q := g.interrupts[sessionKey]; q != nil && q.Len() > 0 && (*q)[0].Priority >= PriorityHigh {
		item = heap.Pop(q).(*InterruptMessage)
	}
	g.mu.Unlock()
	if item == nil {
		return "", false
	}

	text := item.Msg.PlainText()
	g.sessions.AddMessage(sessionKey, sessions.Message{
		Role:        sessions.RoleUser,
		Content:     text,
		IsInterrupt: true,
	})
	slog.Info("interrupt merged into running turn",
		"session", sessionKey, "priority", item.Priority.String())
	return text, true
}

// EmitProgress feeds one progress line into the per-session batcher.
func (g *Gateway) EmitProgress(sessionKey, text string) {
	g.progress.Add(sessionKey, text)
}
