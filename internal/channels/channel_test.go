package channels

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// fakeChannel is a minimal Channel for registry and capability tests.
type fakeChannel struct {
	*BaseChannel
	sent    []*bus.OutgoingMessage
	sendErr error
	typed   []string
}

func newFakeChannel(name string, allowList []string) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, 100, allowList)}
}

func (f *fakeChannel) Start(ctx context.Context) error {
	f.SetRunning(true)
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.SetRunning(false)
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg *bus.OutgoingMessage) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

// typingChannel adds the typing capability on top of fakeChannel.
type typingChannel struct {
	*fakeChannel
}

func (t *typingChannel) SendTyping(ctx context.Context, chatID string) error {
	t.typed = append(t.typed, chatID)
	return nil
}

// TestIsAllowed_EmptyList verifies an empty allowlist admits everyone.
func TestIsAllowed_EmptyList(t *testing.T) {
	c := NewBaseChannel("telegram", 0, nil)
	if !c.IsAllowed("12345") {
		t.Error("empty allowlist should admit any sender")
	}
	if c.HasAllowList() {
		t.Error("HasAllowList should be false for empty list")
	}
}

// TestIsAllowed_Matching verifies id, prefixed-id and @username forms.
func TestIsAllowed_Matching(t *testing.T) {
	c := NewBaseChannel("telegram", 0, []string{"12345", "@alice"})

	cases := []struct {
		sender string
		want   bool
	}{
		{"12345", true},
		{"telegram:12345", true},
		{"alice", true},
		{"@alice", true},
		{"99999", false},
		{"telegram:99999", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := c.IsAllowed(tc.sender); got != tc.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tc.sender, got, tc.want)
		}
	}
}

// TestHandleMessage_AllowlistGate verifies the handler only sees admitted senders.
func TestHandleMessage_AllowlistGate(t *testing.T) {
	c := NewBaseChannel("telegram", 0, []string{"1"})

	var got []*bus.UnifiedMessage
	c.OnMessage(func(ctx context.Context, msg *bus.UnifiedMessage) {
		got = append(got, msg)
	})

	allowed := bus.NewUnifiedMessage("a", "telegram", "1", "chat", bus.ChatPrivate, bus.TextContent("hi"))
	denied := bus.NewUnifiedMessage("b", "telegram", "2", "chat", bus.ChatPrivate, bus.TextContent("hi"))

	c.HandleMessage(context.Background(), allowed)
	c.HandleMessage(context.Background(), denied)
	c.HandleMessage(context.Background(), nil)

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(got))
	}
	if got[0].ID != "a" {
		t.Errorf("expected message a, got %s", got[0].ID)
	}
}

// TestHandleMessage_NoHandler verifies delivery without a handler is a no-op.
func TestHandleMessage_NoHandler(t *testing.T) {
	c := NewBaseChannel("telegram", 0, nil)
	msg := bus.NewUnifiedMessage("a", "telegram", "1", "chat", bus.ChatPrivate, bus.TextContent("hi"))
	c.HandleMessage(context.Background(), msg) // must not panic
}

// TestIsNotSupported verifies sentinel detection through wrapping.
func TestIsNotSupported(t *testing.T) {
	if !IsNotSupported(ErrNotSupported) {
		t.Error("direct sentinel not detected")
	}
	wrapped := fmt.Errorf("send typing: %w", ErrNotSupported)
	if !IsNotSupported(wrapped) {
		t.Error("wrapped sentinel not detected")
	}
	if IsNotSupported(errors.New("other")) {
		t.Error("unrelated error misdetected")
	}
}

// TestThrottle_ContextCancel verifies Throttle honors cancellation.
func TestThrottle_ContextCancel(t *testing.T) {
	c := NewBaseChannel("slow", 0.0001, nil)
	// Exhaust the burst token.
	if err := c.Throttle(context.Background()); err != nil {
		t.Fatalf("first Throttle: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Throttle(ctx); err == nil {
		t.Error("expected error from canceled context")
	}
}

// TestTruncate verifies log truncation bounds.
func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("expected untouched string, got %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("expected truncated string, got %q", got)
	}
}

// TestIsInternalChannel verifies synthetic origins are flagged.
func TestIsInternalChannel(t *testing.T) {
	for name, want := range map[string]bool{"cli": true, "cron": true, "telegram": false} {
		if got := IsInternalChannel(name); got != want {
			t.Errorf("IsInternalChannel(%q) = %v, want %v", name, got, want)
		}
	}
}
