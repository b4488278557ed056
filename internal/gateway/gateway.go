// Package gateway is the message router between channel adapters and the
// agent. It serializes turns per conversation, queues interrupts by priority,
// cancels in-flight work on stop phrases, preprocesses media, batches
// progress chatter, and delivers replies with split + retry.
package gateway

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/agent"
	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

// ErrStopRequested is the cancellation cause attached to a turn context when
// a stop phrase arrives mid-turn.
var ErrStopRequested = errors.New("stop requested by user")

// Runner executes one agent turn. *agent.Loop satisfies it; tests substitute
// a scripted runner.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
	ChunkBytes() int
	SendRetries() (attempts int, delay time.Duration)
}

// CommandHandler intercepts system commands ("/model", "/switch", ...) before
// a message reaches the agent. handled=true short-circuits the turn.
type CommandHandler interface {
	Handle(ctx context.Context, msg *bus.UnifiedMessage) (reply string, handled bool)
}

// ReportSource yields unreported self-check reports for first-message-of-day
// delivery.
type ReportSource interface {
	Pending(now time.Time) (date string, body string, ok bool)
	MarkReported(date string) error
}

// Config carries the gateway's tunables. Zero values select defaults.
type Config struct {
	MediaConcurrency int           // parallel media preprocess slots (default 4)
	TypingInterval   time.Duration // keepalive cadence, 0 disables (default 4s)
	ProgressLines    int           // progress buffer cap per session (default 20)
	ProgressWindow   time.Duration // progress coalescing window (default 2s)
	STTProxyURL      string        // voice transcription proxy, "" disables
	STTTimeout       time.Duration // per-transcription deadline (default 30s)
	MaxMessageChars  int           // inbound text clamp, 0 disables (default 32000)
	SendTimeout      time.Duration // outbound delivery deadline (default 2m)

	DisableDailyDelivery bool // suppress first-message-of-day report delivery
}

func (c *Config) applyDefaults() {
	if c.MediaConcurrency <= 0 {
		c.MediaConcurrency = 4
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 4 * time.Second
	}
	if c.ProgressLines <= 0 {
		c.ProgressLines = 20
	}
	if c.ProgressWindow <= 0 {
		c.ProgressWindow = 2 * time.Second
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 30 * time.Second
	}
	if c.MaxMessageChars == 0 {
		c.MaxMessageChars = 32000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Minute
	}
}

// Gateway owns conversation scheduling. One mutex guards the processing
// flags, the per-session interrupt queues, the cancel hooks, and the FIFO
// intake backlog; everything long-running happens outside it.
type Gateway struct {
	cfg      Config
	channels *channels.Manager
	sessions *sessions.Manager
	runner   Runner
	commands CommandHandler
	reports  ReportSource

	mu         sync.Mutex
	processing map[string]bool
	interrupts map[string]*interruptQueue
	cancels    map[string]context.CancelCauseFunc
	backlog    []*bus.UnifiedMessage

	wake     chan struct{}
	progress *progressBatcher
	stt      *sttClient
	mediaSem chan struct{}

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	seq  atomic.Uint64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfig overrides the default tunables.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg }
}

// WithCommandHandler installs the system command interceptor.
func WithCommandHandler(h CommandHandler) Option {
	return func(g *Gateway) { g.commands = h }
}

// WithReportSource installs the self-check report source for daily delivery.
func WithReportSource(src ReportSource) Option {
	return func(g *Gateway) { g.reports = src }
}

// New builds a gateway over the channel manager, the session manager, and
// the agent runner. Call Start before feeding it messages.
func New(ch *channels.Manager, mgr *sessions.Manager, runner Runner, opts ...Option) *Gateway {
	g := &Gateway{
		channels:   ch,
		sessions:   mgr,
		runner:     runner,
		processing: make(map[string]bool),
		interrupts: make(map[string]*interruptQueue),
		cancels:    make(map[string]context.CancelCauseFunc),
		wake:       make(chan struct{}, 1),
		base:       context.Background(),
	}
	for _, o := range opts {
		o(g)
	}
	g.cfg.applyDefaults()
	g.mediaSem = make(chan struct{}, g.cfg.MediaConcurrency)
	g.stt = newSTTClient(g.cfg.STTProxyURL, g.cfg.STTTimeout)
	g.progress = newProgressBatcher(g.cfg.ProgressLines, g.cfg.ProgressWindow, g.flushProgress)
	return g
}

// Start registers the gateway as the inbound handler on every channel and
// launches the intake worker. The gateway runs until Stop or ctx cancels.
func (g *Gateway) Start(ctx context.Context) error {
	g.base, g.stop = context.WithCancel(ctx)
	g.channels.OnMessage(g.Intake)
	g.sessions.SetInUseCheck(g.Processing)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.worker()
	}()

	slog.Info("gateway started",
		"media_concurrency", g.cfg.MediaConcurrency,
		"typing_interval", g.cfg.TypingInterval,
		"stt", g.cfg.STTProxyURL != "",
	)
	return nil
}

// Stop cancels in-flight turns, flushes pending progress, and waits for the
// worker and turn goroutines to drain, bounded by ctx.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.stop != nil {
		g.stop()
	}
	g.progress.Stop()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("gateway stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown timed out: %w", ctx.Err())
	}
}

// Intake is the adapter callback. It never blocks: stop phrases cancel the
// running turn and queue urgently, other mid-turn messages queue at normal
// priority, and idle conversations go onto the FIFO backlog.
func (g *Gateway) Intake(_ context.Context, msg *bus.UnifiedMessage) {
	if msg == nil || msg.Content.IsEmpty() {
		return
	}
	prio := PriorityNormal
	if isStopPhrase(msg) {
		prio = PriorityUrgent
	}
	g.Enqueue(msg, prio)
}

// Enqueue admits a message at an explicit priority. The priority only
// matters when the conversation is mid-turn: urgent cancels the in-flight
// call, high merges at the next iteration boundary, normal waits for the
// drain. Idle conversations always take the FIFO path.
func (g *Gateway) Enqueue(msg *bus.UnifiedMessage, prio Priority) {
	if msg == nil || msg.Content.IsEmpty() {
		return
	}
	g.clampText(msg)
	key := sessions.Key(msg.Channel, msg.ChatID, msg.UserID)

	g.mu.Lock()
	if g.processing[key] {
		cancel := g.interruptLocked(key, msg, prio)
		g.mu.Unlock()
		if cancel != nil {
			cancel(fmt.Errorf("%w: %q", ErrStopRequested, strings.TrimSpace(msg.Content.Text)))
		}
		slog.Info("interrupt queued", "session", key, "priority", prio.String())
		return
	}
	g.backlog = append(g.backlog, msg)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// interruptLocked pushes msg onto the session's queue and, for urgent
// priority, returns the cancel hook for the caller to fire outside the lock.
func (g *Gateway) interruptLocked(key string, msg *bus.UnifiedMessage, prio Priority) context.CancelCauseFunc {
	q := g.interrupts[key]
	if q == nil {
		q = &interruptQueue{}
		g.interrupts[key] = q
	}
	heap.Push(q, &InterruptMessage{
		Msg:      msg,
		Priority: prio,
		Enqueued: time.Now(),
		seq:      g.seq.Add(1),
	})
	if prio >= PriorityUrgent {
		return g.cancels[key]
	}
	return nil
}

// CancelTurn fires the cancel hook for a running turn. It reports whether a
// turn was actually in flight. The system command "/cancel" lands here.
func (g *Gateway) CancelTurn(key, reason string) bool {
	g.mu.Lock()
	cancel := g.cancels[key]
	g.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(fmt.Errorf("%w: %s", ErrStopRequested, reason))
	return true
}

// Processing reports whether a turn is currently running for the key. The
// session manager consults it before evicting idle sessions.
func (g *Gateway) Processing(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.processing[key]
}

// ActiveTurns counts conversations with a turn in flight.
func (g *Gateway) ActiveTurns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.processing {
		if p {
			n++
		}
	}
	return n
}

// QueuedInterrupts reports the interrupt backlog for one conversation.
func (g *Gateway) QueuedInterrupts(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q := g.interrupts[key]; q != nil {
		return q.Len()
	}
	return 0
}

// worker drains the FIFO backlog, starting one turn goroutine per idle
// conversation. Messages whose conversation went busy between intake and
// dispatch are rerouted to the interrupt queue so per-key serialization is
// never violated.
func (g *Gateway) worker() {
	for {
		msg := g.nextBacklog()
		if msg == nil {
			select {
			case <-g.base.Done():
				return
			case <-g.wake:
			}
			continue
		}
		g.dispatch(msg)
	}
}

func (g *Gateway) nextBacklog() *bus.UnifiedMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.backlog) == 0 {
		return nil
	}
	msg := g.backlog[0]
	g.backlog = g.backlog[1:]
	return msg
}

func (g *Gateway) dispatch(msg *bus.UnifiedMessage) {
	key := sessions.Key(msg.Channel, msg.ChatID, msg.UserID)

	g.mu.Lock()
	if g.processing[key] {
		prio := PriorityNormal
		if isStopPhrase(msg) {
			prio = PriorityUrgent
		}
		cancel := g.interruptLocked(key, msg, prio)
		g.mu.Unlock()
		if cancel != nil {
			cancel(fmt.Errorf("%w: %q", ErrStopRequested, strings.TrimSpace(msg.Content.Text)))
		}
		return
	}
	g.processing[key] = true
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.runSession(key, msg)
	}()
}

// runSession processes the initial message, then drains the interrupt queue
// one message at a time before releasing the processing flag. Pop and
// release happen under the same lock acquisition so no interrupt is ever
// orphaned between them. Only high and urgent messages carry the interrupt
// mark into history; drained normal messages read as ordinary follow-ups.
func (g *Gateway) runSession(key string, first *bus.UnifiedMessage) {
	msg := first
	isInterrupt := false
	for {
		g.runTurn(key, msg, isInterrupt)

		next, ok := g.popInterruptOrRelease(key)
		if !ok {
			break
		}
		msg = next.Msg
		isInterrupt = next.Priority >= PriorityHigh
	}
	g.sessions.DeleteMeta(key, sessions.MetaGateway)
}

// popInterruptOrRelease returns the highest-priority queued interrupt while
// keeping the processing flag, or atomically clears the flag when the queue
// is empty.
func (g *Gateway) popInterruptOrRelease(key string) (*InterruptMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q := g.interrupts[key]; q != nil && q.Len() > 0 {
		item := heap.Pop(q).(*InterruptMessage)
		return item, true
	}
	delete(g.processing, key)
	delete(g.interrupts, key)
	delete(g.cancels, key)
	return nil, false
}

// clampText caps inbound text so a pathological paste cannot blow up the
// model context. Truncation is visible to the user via the trailing note.
func (g *Gateway) clampText(msg *bus.UnifiedMessage) {
	max := g.cfg.MaxMessageChars
	if max <= 0 {
		return
	}
	runes := []rune(msg.Content.Text)
	if len(runes) <= max {
		return
	}
	msg.Content.Text = string(runes[:max]) + "\n(message truncated)"
	slog.Warn("inbound message truncated", "channel", msg.Channel, "chat", msg.ChatID, "chars", len(runes))
}
