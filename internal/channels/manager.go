package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// Manager holds the registry of enabled channels and drives their lifecycle.
// The gateway resolves adapters through it for egress.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty channel registry.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds a channel under its own name. Registering the same name
// twice replaces the earlier channel.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Unregister removes a channel from the registry.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// OnMessage registers the gateway's inbound handler on every channel that
// exposes registration. Call before StartAll.
func (m *Manager) OnMessage(h Handler) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if r, ok := ch.(interface{ OnMessage(Handler) }); ok {
			r.OnMessage(h)
		}
	}
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and skipped; the others still come up.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// Send routes an outbound message to the named channel. Synthetic origins
// (cli, cron) are dropped silently so scheduled work can share the egress
// path without a registered adapter.
func (m *Manager) Send(ctx context.Context, channel string, msg *bus.OutgoingMessage) (string, error) {
	if IsInternalChannel(channel) {
		return "", nil
	}

	ch, ok := m.Get(channel)
	if !ok {
		return "", fmt.Errorf("channel %s not registered", channel)
	}
	return ch.Send(ctx, msg)
}

// SendText is the plain-text convenience wrapper around Send.
func (m *Manager) SendText(ctx context.Context, channel, chatID, text string) (string, error) {
	return m.Send(ctx, channel, bus.NewOutgoingText(chatID, text))
}

// Typing shows a typing indicator on channels that support it; on the rest
// it reports ErrNotSupported.
func (m *Manager) Typing(ctx context.Context, channel, chatID string) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("channel %s not registered", channel)
	}
	tc, ok := ch.(TypingChannel)
	if !ok {
		return ErrNotSupported
	}
	return tc.SendTyping(ctx, chatID)
}

// Status reports per-channel running state for the status surfaces.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}
