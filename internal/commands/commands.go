// Package commands implements the out-of-band system command interceptor.
// It recognizes a small command set for endpoint control and walks
// per-conversation confirm flows, replying in plain text without ever
// touching the agent or the pool's failover logic.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

const (
	// flowTTL bounds how long a confirm flow stays open.
	flowTTL = 5 * time.Minute
	// pinTTL is how long a /switch override lasts.
	pinTTL = 12 * time.Hour
	// confirmToken is the literal required to complete a confirm step.
	confirmToken = "yes"
)

// PoolControl is the slice of the endpoint pool the interceptor drives.
// *providers.Pool satisfies it.
type PoolControl interface {
	Names() []string
	Current() string
	Status() []providers.EndpointStatus
	Pin(name string, ttl time.Duration) error
	Unpin() bool
	Pinned() (string, time.Time, bool)
	Reorder(names []string) error
}

type flowKind int

const (
	flowSwitch flowKind = iota
	flowPriority
	flowRestore
)

func (k flowKind) String() string {
	switch k {
	case flowSwitch:
		return "switch"
	case flowPriority:
		return "priority"
	default:
		return "restore"
	}
}

type flowStep int

const (
	stepSelect flowStep = iota
	stepConfirm
)

// flow is one in-progress multi-step command for a conversation.
type flow struct {
	kind    flowKind
	step    flowStep
	payload []string // endpoint name for switch/restore, permutation for priority
	started time.Time
}

func (f *flow) expired(now time.Time) bool {
	return now.Sub(f.started) > flowTTL
}

// fmtTTL renders a duration without zero minute/second tails ("12h", not
// "12h0m0s").
func fmtTTL(d time.Duration) string {
	s := d.String()
	s = strings.TrimSuffix(s, "0s")
	s = strings.TrimSuffix(s, "0m")
	return s
}

// Interceptor holds per-conversation flow state. Persist, when set, is
// called with the new endpoint order after a completed /priority flow so the
// ordering survives restarts.
type Interceptor struct {
	pool    PoolControl
	persist func(names []string) error

	mu    sync.Mutex
	flows map[string]*flow
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithPersist installs the priority-order persistence hook.
func WithPersist(fn func(names []string) error) Option {
	return func(i *Interceptor) { i.persist = fn }
}

// New builds an interceptor over the endpoint pool.
func New(pool PoolControl, opts ...Option) *Interceptor {
	i := &Interceptor{
		pool:  pool,
		flows: make(map[string]*flow),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Handle inspects one inbound message. It reports handled=true when the
// message was a system command or input for an open flow; such messages
// never reach the agent.
func (i *Interceptor) Handle(_ context.Context, msg *bus.UnifiedMessage) (string, bool) {
	if msg == nil {
		return "", false
	}
	text := strings.TrimSpace(msg.Content.Text)
	if text == "" {
		return "", false
	}
	key := sessions.Key(msg.Channel, msg.ChatID, msg.UserID)

	i.mu.Lock()
	defer i.mu.Unlock()

	f := i.flows[key]
	if f != nil && f.expired(time.Now()) {
		delete(i.flows, key)
		f = nil
	}

	if strings.HasPrefix(text, "/") {
		cmd, arg, _ := strings.Cut(text, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/model":
			return i.modelListing(), true
		case "/switch":
			return i.startSwitch(key, arg), true
		case "/priority":
			return i.startPriority(key), true
		case "/restore":
			return i.startRestore(key), true
		case "/cancel":
			if f != nil {
				delete(i.flows, key)
				return fmt.Sprintf("Cancelled the pending /%s flow.", f.kind), true
			}
			return "Nothing to cancel.", true
		default:
			// Unknown slash commands fall through to the agent.
			return "", false
		}
	}

	if f == nil {
		return "", false
	}
	return i.advance(key, f, text), true
}

// modelListing renders the endpoint table: priority order, health, current
// marker, and any active pin.
func (i *Interceptor) modelListing() string {
	statuses := i.pool.Status()
	var b strings.Builder
	b.WriteString("Endpoints (priority order):\n")
	for idx, st := range statuses {
		marker := "  "
		if st.Current {
			marker = "→ "
		}
		health := "healthy"
		if !st.Healthy {
			health = fmt.Sprintf("unhealthy (%d fails)", st.FailCount)
		}
		fmt.Fprintf(&b, "%s%d. %s [%s/%s] %s", marker, idx+1, st.Name, st.Protocol, st.Model, health)
		if st.Pinned {
			b.WriteString(" (pinned)")
		}
		b.WriteString("\n")
	}
	if name, expiry, ok := i.pool.Pinned(); ok {
		fmt.Fprintf(&b, "Pinned to %s until %s.\n", name, expiry.Format("15:04"))
	}
	b.WriteString("Use /switch <name>, /priority, /restore.")
	return b.String()
}

func (i *Interceptor) startSwitch(key, arg string) string {
	if arg != "" {
		name, err := i.resolveEndpoint(arg)
		if err != nil {
			return "Cannot switch: " + err.Error() + "."
		}
		i.flows[key] = &flow{kind: flowSwitch, step: stepConfirm, payload: []string{name}, started: time.Now()}
		return fmt.Sprintf("Switch to %s for the next %s? Reply %q to confirm.", name, fmtTTL(pinTTL), confirmToken)
	}
	i.flows[key] = &flow{kind: flowSwitch, step: stepSelect, started: time.Now()}
	return i.modelListing() + "\nReply with an endpoint name or number."
}

func (i *Interceptor) startPriority(key string) string {
	i.flows[key] = &flow{kind: flowPriority, step: stepSelect, started: time.Now()}
	return fmt.Sprintf("Current order: %s\nReply with the new order (all names, space-separated).",
		strings.Join(i.pool.Names(), " "))
}

func (i *Interceptor) startRestore(key string) string {
	name, _, ok := i.pool.Pinned()
	if !ok {
		return "No temporary override is active."
	}
	i.flows[key] = &flow{kind: flowRestore, step: stepConfirm, payload: []string{name}, started: time.Now()}
	return fmt.Sprintf("Clear the pin on %s and restore priority routing? Reply %q to confirm.", name, confirmToken)
}

// advance feeds free-form input into an open flow.
func (i *Interceptor) advance(key string, f *flow, text string) string {
	switch f.step {
	case stepSelect:
		return i.advanceSelect(key, f, text)
	default:
		return i.advanceConfirm(key, f, text)
	}
}

func (i *Interceptor) advanceSelect(key string, f *flow, text string) string {
	switch f.kind {
	case flowSwitch:
		name, err := i.resolveEndpoint(text)
		if err != nil {
			return "Cannot switch: " + err.Error() + ". Reply with an endpoint name or number, or /cancel."
		}
		f.payload = []string{name}
		f.step = stepConfirm
		f.started = time.Now()
		return fmt.Sprintf("Switch to %s for the next %s? Reply %q to confirm.", name, fmtTTL(pinTTL), confirmToken)

	case flowPriority:
		names := strings.Fields(text)
		if err := validatePermutation(names, i.pool.Names()); err != nil {
			return "Invalid order: " + err.Error() + ". Reply with all endpoint names in the desired order, or /cancel."
		}
		f.payload = names
		f.step = stepConfirm
		f.started = time.Now()
		return fmt.Sprintf("Set priority order to: %s? Reply %q to confirm.", strings.Join(names, " "), confirmToken)

	default:
		delete(i.flows, key)
		return "Flow state lost; start over."
	}
}

func (i *Interceptor) advanceConfirm(key string, f *flow, text string) string {
	delete(i.flows, key)
	if text != confirmToken {
		return fmt.Sprintf("Not confirmed; the /%s flow is cancelled.", f.kind)
	}

	switch f.kind {
	case flowSwitch:
		name := f.payload[0]
		if err := i.pool.Pin(name, pinTTL); err != nil {
			return fmt.Sprintf("Switch failed: %v", err)
		}
		slog.Info("endpoint switched by command", "endpoint", name, "ttl", pinTTL)
		return fmt.Sprintf("Switched to %s for %s. Use /restore to undo.", name, fmtTTL(pinTTL))

	case flowPriority:
		if err := i.pool.Reorder(f.payload); err != nil {
			return fmt.Sprintf("Reorder failed: %v", err)
		}
		if i.persist != nil {
			if err := i.persist(f.payload); err != nil {
				slog.Warn("persisting endpoint order failed", "error", err)
				return fmt.Sprintf("Priority updated to: %s (saving the order failed: %v)",
					strings.Join(f.payload, " "), err)
			}
		}
		slog.Info("endpoint priorities reordered by command", "order", f.payload)
		return "Priority updated to: " + strings.Join(f.payload, " ")

	default: // flowRestore
		if !i.pool.Unpin() {
			return "No temporary override was active."
		}
		slog.Info("endpoint pin cleared by command")
		return "Restored priority routing."
	}
}

// resolveEndpoint accepts an endpoint name or 1-based index.
func (i *Interceptor) resolveEndpoint(arg string) (string, error) {
	names := i.pool.Names()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(names) {
			return "", fmt.Errorf("index %d is out of range (1-%d)", n, len(names))
		}
		return names[n-1], nil
	}
	for _, name := range names {
		if name == arg {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown endpoint %q", arg)
}

// validatePermutation checks that got is exactly the set want, no more, no
// less, no duplicates.
func validatePermutation(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("expected %d names, got %d", len(want), len(got))
	}
	seen := make(map[string]bool, len(got))
	for _, name := range got {
		if seen[name] {
			return fmt.Errorf("duplicate name %q", name)
		}
		seen[name] = true
	}
	for _, name := range want {
		if !seen[name] {
			return fmt.Errorf("missing endpoint %q", name)
		}
		delete(seen, name)
	}
	for name := range seen {
		return fmt.Errorf("unknown endpoint %q", name)
	}
	return nil
}
