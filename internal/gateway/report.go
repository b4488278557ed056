package gateway

import (
	"log/slog"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// deliverPendingReport pushes an unreported self-check report into the chat
// on the first user message that sees it. Idempotence lives in the report
// file's flag: once flipped, no session delivers it again.
func (g *Gateway) deliverPendingReport(msg *bus.UnifiedMessage) {
	if g.reports == nil || g.cfg.DisableDailyDelivery {
		return
	}
	date, body, ok := g.reports.Pending(time.Now())
	if !ok || body == "" {
		return
	}
	if !g.deliver(msg, body) {
		// Leave the flag unflipped so the next message retries.
		return
	}
	if err := g.reports.MarkReported(date); err != nil {
		slog.Warn("marking report as delivered failed", "date", date, "error", err)
		return
	}
	slog.Info("daily report delivered", "date", date, "channel", msg.Channel, "chat", msg.ChatID)
}
