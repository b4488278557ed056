package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

// progressBatcher coalesces per-session progress lines over a short window
// so step chatter reaches the chat as one message instead of twenty. The
// first line of a window arms the flush timer; later producers attach to the
// same pending flush. Lines beyond the cap are counted and summarized.
type progressBatcher struct {
	mu       sync.Mutex
	maxLines int
	window   time.Duration
	flush    func(key string, lines []string, dropped int)
	pending  map[string]*progressEntry
	stopped  bool
}

type progressEntry struct {
	lines   []string
	dropped int
	timer   *time.Timer
}

func newProgressBatcher(maxLines int, window time.Duration, flush func(string, []string, int)) *progressBatcher {
	return &progressBatcher{
		maxLines: maxLines,
		window:   window,
		flush:    flush,
		pending:  make(map[string]*progressEntry),
	}
}

// Add buffers one progress line for the session, arming the window timer on
// the first line.
func (b *progressBatcher) Add(key, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	e := b.pending[key]
	if e == nil {
		e = &progressEntry{}
		b.pending[key] = e
		e.timer = time.AfterFunc(b.window, func() { b.fire(key) })
	}
	if len(e.lines) >= b.maxLines {
		e.dropped++
	} else {
		e.lines = append(e.lines, text)
	}
	b.mu.Unlock()
}

func (b *progressBatcher) fire(key string) {
	b.mu.Lock()
	e := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()
	if e == nil || len(e.lines) == 0 {
		return
	}
	b.flush(key, e.lines, e.dropped)
}

// Stop flushes everything still buffered and rejects further lines.
func (b *progressBatcher) Stop() {
	b.mu.Lock()
	entries := b.pending
	b.pending = make(map[string]*progressEntry)
	b.stopped = true
	b.mu.Unlock()

	for key, e := range entries {
		e.timer.Stop()
		if len(e.lines) > 0 {
			b.flush(key, e.lines, e.dropped)
		}
	}
}

// flushProgress emits one combined progress message to the session's chat.
// Progress is ephemeral: it is never recorded as an assistant turn, and
// stream-mode channels surface it without settling the reply.
func (g *Gateway) flushProgress(key string, lines []string, dropped int) {
	channel, chatID, userID := sessions.ParseKey(key)
	if channel == "" || channels.IsInternalChannel(channel) {
		return
	}
	text := strings.Join(lines, "\n")
	if dropped > 0 {
		text += fmt.Sprintf("\n(%d lines omitted)", dropped)
	}

	out := bus.NewOutgoingText(chatID, text)
	out.SetMeta(bus.MetaEphemeral, "1")
	if native := strings.TrimPrefix(userID, channel+":"); native != "" && native != userID {
		out.SetMeta(bus.MetaChannelUserID, native)
	}

	ctx, cancel := context.WithTimeout(g.base, g.cfg.SendTimeout)
	defer cancel()
	if _, err := g.channels.Send(ctx, channel, out); err != nil {
		slog.Debug("progress flush dropped", "session", key, "error", err)
	}
}
