// Package channels defines the adapter contract that connects messaging
// platforms (Telegram, Feishu, WeChat Work, DingTalk, QQ, Discord) to the
// gateway. Adapters normalize platform payloads into bus envelopes on intake
// and translate OutgoingMessage back into platform calls on egress.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// ErrNotSupported is returned by optional capability methods a channel
// cannot implement. Callers degrade or surface it instead of failing the turn.
var ErrNotSupported = errors.New("capability not supported by channel")

// IsNotSupported reports whether err is the missing-capability sentinel.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// Handler consumes a normalized inbound message. The gateway registers one
// per channel; implementations must not block.
type Handler func(ctx context.Context, msg *bus.UnifiedMessage)

// Channel is the contract every adapter satisfies.
type Channel interface {
	// Name returns the channel identifier ("telegram", "feishu", ...).
	Name() string

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down gracefully.
	Stop(ctx context.Context) error

	// Send delivers an outbound message and returns the platform message id
	// when the platform reports one ("" otherwise).
	Send(ctx context.Context, msg *bus.OutgoingMessage) (string, error)

	// IsRunning reports whether the channel is actively processing.
	IsRunning() bool
}

// TypingChannel is implemented by channels that can show a typing indicator.
type TypingChannel interface {
	Channel
	SendTyping(ctx context.Context, chatID string) error
}

// MediaDownloader is implemented by channels that can fetch inbound media
// to a local cache path. On success the file's LocalPath and Status are set.
type MediaDownloader interface {
	Channel
	DownloadMedia(ctx context.Context, file *bus.MediaFile) (string, error)
}

// MediaUploader is implemented by channels that can push a local file out
// as platform media.
type MediaUploader interface {
	Channel
	UploadMedia(ctx context.Context, path, mime string) (*bus.MediaFile, error)
}

// InternalChannels are synthetic origins (session key prefixes) that never
// correspond to a registered adapter; outbound dispatch skips them.
var InternalChannels = map[string]bool{
	"cli":  true,
	"cron": true,
}

// IsInternalChannel reports whether name is a synthetic origin.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

const defaultSendRate = 10 // messages per second

// BaseChannel carries the state shared by all adapters: name, running flag,
// the gateway's inbound handler, an optional sender allowlist, and an
// outbound rate limiter. Adapters embed it.
type BaseChannel struct {
	name      string
	mu        sync.RWMutex
	running   bool
	handler   Handler
	allowList []string
	limiter   *rate.Limiter
}

// NewBaseChannel builds the embedded base. sendsPerSecond bounds outbound
// calls to the platform API; <= 0 selects the default (10/s). An empty
// allowList admits every sender.
func NewBaseChannel(name string, sendsPerSecond float64, allowList []string) *BaseChannel {
	if sendsPerSecond <= 0 {
		sendsPerSecond = defaultSendRate
	}
	burst := int(sendsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &BaseChannel{
		name:      name,
		allowList: allowList,
		limiter:   rate.NewLimiter(rate.Limit(sendsPerSecond), burst),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the running state.
func (c *BaseChannel) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// OnMessage registers the inbound handler. The gateway calls this once per
// channel before Start.
func (c *BaseChannel) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Throttle blocks until the outbound rate limiter admits one send, or the
// context is canceled. Adapters call it before every platform API write.
func (c *BaseChannel) Throttle(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// HandleMessage forwards a normalized message to the registered handler,
// applying the allowlist first. Adapters call it from their receive loops.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg *bus.UnifiedMessage) {
	if msg == nil {
		return
	}
	if !c.IsAllowed(msg.ChannelUserID) && !c.IsAllowed(msg.UserID) {
		return
	}
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h(ctx, msg)
	}
}

// HasAllowList reports whether a sender allowlist is configured.
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks a sender against the allowlist. Entries match the
// channel-native id, the prefixed id, or an "@username" form with the "@"
// stripped. An empty allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	if senderID == "" {
		return false
	}
	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || senderID == trimmed {
			return true
		}
		// Prefixed ids ("telegram:123") match a bare allowlist entry.
		if idx := strings.IndexByte(senderID, ':'); idx > 0 && senderID[idx+1:] == trimmed {
			return true
		}
	}
	return false
}

// Truncate shortens s to maxLen bytes for log lines, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
