// Package agent runs the iterative plan-act-verify loop: call the model,
// execute whatever tools it asked for, feed the results back, repeat until
// the model answers in plain text or a stop condition fires. The loop never
// talks to channels directly; the gateway owns delivery and session writes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
	"github.com/xiaoyubing999/openakita-sub001/internal/skills"
	"github.com/xiaoyubing999/openakita-sub001/internal/tools"
	"github.com/xiaoyubing999/openakita-sub001/internal/tracing"
)

// ErrCancelled marks a turn torn down by the gateway's cancel hook. The
// gateway answers it with a short acknowledgement instead of an error dump.
var ErrCancelled = errors.New("turn cancelled")

// Chat is the slice of the endpoint pool the loop depends on.
type Chat interface {
	MessagesCreate(ctx context.Context, req providers.Request) (*providers.Response, error)
}

// Config tunes one Loop instance.
type Config struct {
	MaxIterations      int           // hard bound on model round-trips per turn
	MaxTokens          int           // per-request completion budget
	ChunkBytes         int           // response shaping chunk size
	SendRetries        int           // transport retries per chunk (gateway consumes)
	SendRetryDelay     time.Duration // pause between send retries
	GuardRetries       int           // consecutive guardrail violations before the turn dies
	MaxToolResultBytes int           // tool_result truncation bound
	Persona            string
	Workspace          string
	EnableThinking     bool
	SkillAllow         []string // nil = every loaded skill is offered
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 30
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8192
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 4000
	}
	if c.SendRetries <= 0 {
		c.SendRetries = 3
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = time.Second
	}
	if c.GuardRetries <= 0 {
		c.GuardRetries = 3
	}
	if c.MaxToolResultBytes <= 0 {
		c.MaxToolResultBytes = 30000
	}
}

// Loop drives agent turns against the endpoint pool.
type Loop struct {
	pool     Chat
	tools    *tools.Registry
	sessions *sessions.Manager
	skills   *skills.Loader
	cfg      Config
}

// NewLoop builds a Loop. The skills loader may be nil.
func NewLoop(pool Chat, registry *tools.Registry, mgr *sessions.Manager, sk *skills.Loader, cfg Config) *Loop {
	cfg.applyDefaults()
	return &Loop{
		pool:     pool,
		tools:    registry,
		sessions: mgr,
		skills:   sk,
		cfg:      cfg,
	}
}

// ChunkBytes exposes the shaping bound for the gateway's send path.
func (l *Loop) ChunkBytes() int { return l.cfg.ChunkBytes }

// SendRetries exposes the per-chunk retry budget for the gateway's send path.
func (l *Loop) SendRetries() (int, time.Duration) {
	return l.cfg.SendRetries, l.cfg.SendRetryDelay
}

// RunRequest describes one turn.
type RunRequest struct {
	SessionKey string
	Channel    string
	ChatID     string
	ChatType   bus.ChatType
	UserID     string
	Message    string            // plain-text projection of the user message
	Images     []providers.Block // pending multimodal image blocks
}

// RunResult is what a completed turn hands back to the gateway.
type RunResult struct {
	Content    string
	Summary    string // compact turn digest recorded alongside the reply
	Iterations int
	Violations int // total guardrail violations observed this turn
	Usage      providers.Usage
}

// Run executes one agent turn. It returns ErrCancelled when the context was
// torn down by the cancel hook, a *GuardError when an action request kept
// coming back as prose, and wraps pool errors otherwise.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "agent.turn", trace.WithAttributes(
		tracing.String("session.key", req.SessionKey),
		tracing.String("channel", req.Channel),
	))
	defer span.End()

	label := Classify(req.Message)
	toolDefs := l.tools.ProviderDefs()
	guardActive := label == LabelAction && len(toolDefs) > 0

	slog.Debug("turn start",
		"session", req.SessionKey, "label", string(label), "tools", len(toolDefs))

	system := BuildSystemPrompt(PromptInputs{
		Persona:   l.cfg.Persona,
		Workspace: l.cfg.Workspace,
		Catalog:   l.tools.Catalog(),
		Skills:    l.skillsSummary(),
	})

	messages := historyMessages(l.sessions.History(req.SessionKey))
	messages = append(messages, userMessage(req))

	ctx = tools.WithToolChannel(ctx, req.Channel)
	ctx = tools.WithToolChatID(ctx, req.ChatID)
	ctx = tools.WithToolChatType(ctx, string(req.ChatType))
	if len(req.Images) > 0 {
		ctx = tools.WithMediaImages(ctx, req.Images)
	}

	host := hostFor(l.sessions, req.SessionKey)
	task := newTask(req.Message, 0)

	var (
		usage         providers.Usage
		toolTrail     []string
		finalText     string
		violations    int // total, reported in RunResult
		consecutive   int // drives the fatal guard error
		iteration     int
		extra         map[string]interface{}
		interruptsRan int
	)
	if l.cfg.EnableThinking {
		extra = map[string]interface{}{providers.OptEnableThinking: true}
	}

	for iteration < l.cfg.MaxIterations {
		iteration++

		// Stop hook: cancelled turns unwind immediately.
		if ctx.Err() != nil {
			task.block("cancelled by user")
			return nil, ErrCancelled
		}
		// Stop hook: merge queued high-priority follow-ups at the iteration
		// boundary so the model sees them before planning further.
		for host != nil {
			text, ok := host.PendingInterrupt(req.SessionKey)
			if !ok {
				break
			}
			interruptsRan++
			messages = append(messages, providers.UserText(text))
		}

		task.start()
		resp, err := l.pool.MessagesCreate(ctx, providers.Request{
			System:    system,
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: l.cfg.MaxTokens,
			Extra:     extra,
		})
		if err != nil {
			if ctx.Err() != nil {
				task.block("cancelled by user")
				return nil, ErrCancelled
			}
			// The pool already failed over across endpoints, so an error here
			// means the whole pool was down for one call. Burn a task attempt
			// and try again rather than giving up on a transient outage.
			task.fail(err)
			if task.CanRetry() {
				slog.Warn("model call failed, retrying",
					"session", req.SessionKey, "attempt", task.Attempts, "error", err)
				select {
				case <-ctx.Done():
					task.block("cancelled by user")
					return nil, ErrCancelled
				case <-time.After(l.cfg.SendRetryDelay):
				}
				continue
			}
			return nil, fmt.Errorf("model call failed after %d attempts: %w", task.Attempts, err)
		}
		if resp.Usage != nil {
			usage.InputTokens += resp.Usage.InputTokens
			usage.OutputTokens += resp.Usage.OutputTokens
		}

		uses := resp.ToolUses()
		if len(uses) == 0 {
			text := resp.Text()

			if guardActive && !MentionsScriptWork(text) {
				violations++
				consecutive++
				slog.Warn("guardrail violation: prose answer to action request",
					"session", req.SessionKey, "violations", consecutive)
				if consecutive >= l.cfg.GuardRetries {
					task.block("guardrail violations exhausted")
					return nil, &GuardError{Violations: violations}
				}
				messages = append(messages, providers.AssistantBlocks(resp.Content...))
				messages = append(messages, providers.UserText(guardHint))
				continue
			}

			// Stop hook: a pending follow-up rewrites a naive end_turn into
			// a continuation of the same conversation.
			if host != nil {
				if text2, ok := host.PendingInterrupt(req.SessionKey); ok {
					interruptsRan++
					messages = append(messages, providers.AssistantBlocks(resp.Content...))
					messages = append(messages, providers.UserText(text2))
					continue
				}
			}

			finalText = text
			task.complete(text)
			break
		}

		// A tool_use response satisfies the guardrail; the violation streak
		// resets but the total stays for the turn digest.
		consecutive = 0

		messages = append(messages, providers.AssistantBlocks(resp.Content...))

		results := make([]providers.Block, 0, len(uses))
		for _, tu := range uses {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			if host != nil {
				host.EmitProgress(req.SessionKey, "→ "+tu.Name)
			}
			content, isErr := l.executeTool(ctx, tu)
			results = append(results, providers.ToolResultBlock(tu.ID, content, isErr))
			toolTrail = append(toolTrail, tu.Name)
		}
		messages = append(messages, providers.UserBlocks(results...))
	}

	if !task.IsComplete() {
		slog.Warn("iteration limit reached", "session", req.SessionKey, "iterations", iteration)
		task.block("iteration limit reached")
		finalText = "(stopped after too many steps — the task may be incomplete)"
	}

	finalText = SanitizeAssistantContent(finalText)
	if finalText == "" {
		finalText = "..."
	}

	span.SetAttributes(
		tracing.Int("agent.iterations", iteration),
		tracing.Int("agent.tool_calls", len(toolTrail)),
	)

	return &RunResult{
		Content:    finalText,
		Summary:    turnSummary(iteration, toolTrail, violations, interruptsRan, task.Attempts),
		Iterations: iteration,
		Violations: violations,
		Usage:      usage,
	}, nil
}

// executeTool runs one tool call and renders the outcome as tool_result
// text. Tool failures never escape the turn; they are reported back to the
// model so it can route around them.
func (l *Loop) executeTool(ctx context.Context, tu providers.Block) (string, bool) {
	start := time.Now()
	toolCtx, span := tracing.Tracer().Start(ctx, "tool.exec", trace.WithAttributes(
		tracing.String("tool.name", tu.Name),
	))
	result := l.tools.Execute(toolCtx, tu.Name, tu.Input)
	span.End()

	content := result.ForLLM
	if len(content) > l.cfg.MaxToolResultBytes {
		content = content[:l.cfg.MaxToolResultBytes] + "\n(truncated)"
	}
	if result.IsError {
		if !strings.HasPrefix(content, "tool error:") {
			content = "tool error: " + content
		}
		slog.Warn("tool failed", "tool", tu.Name, "error", firstLine(content),
			"elapsed", time.Since(start).Round(time.Millisecond))
	} else {
		slog.Debug("tool done", "tool", tu.Name,
			"elapsed", time.Since(start).Round(time.Millisecond))
	}
	return content, result.IsError
}

func (l *Loop) skillsSummary() string {
	if l.skills == nil {
		return ""
	}
	return l.skills.BuildSummary(l.cfg.SkillAllow)
}

// historyMessages projects persisted session turns into model messages.
// Only plain text survives persistence; tool traffic lives within a turn.
func historyMessages(history []sessions.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case sessions.RoleUser:
			msgs = append(msgs, providers.UserText(m.Content))
		case sessions.RoleAssistant:
			msgs = append(msgs, providers.Message{Role: providers.RoleAssistant, Content: m.Content})
		}
	}
	return msgs
}

// userMessage builds the current user turn, attaching pending images as
// leading blocks for multimodal-capable endpoints.
func userMessage(req RunRequest) providers.Message {
	if len(req.Images) == 0 {
		return providers.UserText(req.Message)
	}
	blocks := make([]providers.Block, 0, len(req.Images)+1)
	blocks = append(blocks, req.Images...)
	if req.Message != "" {
		blocks = append(blocks, providers.TextBlock(req.Message))
	}
	return providers.UserBlocks(blocks...)
}

// turnSummary is the compact digest stored next to the assistant reply.
func turnSummary(iterations int, toolTrail []string, violations, interrupts, retries int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d iteration(s)", iterations)
	if len(toolTrail) > 0 {
		fmt.Fprintf(&b, ", tools: %s", strings.Join(toolTrail, ", "))
	}
	if violations > 0 {
		fmt.Fprintf(&b, ", guard violations: %d", violations)
	}
	if interrupts > 0 {
		fmt.Fprintf(&b, ", merged interrupts: %d", interrupts)
	}
	if retries > 0 {
		fmt.Fprintf(&b, ", model retries: %d", retries)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
