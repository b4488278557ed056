package channels

import (
	"context"
	"testing"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// TestManager_Lifecycle verifies registration, start/stop and status reporting.
func TestManager_Lifecycle(t *testing.T) {
	m := NewManager()
	tg := newFakeChannel("telegram", nil)
	fs := newFakeChannel("feishu", nil)
	m.Register(tg)
	m.Register(fs)

	if len(m.Names()) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(m.Names()))
	}

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	status := m.Status()
	if !status["telegram"] || !status["feishu"] {
		t.Errorf("expected all channels running, got %v", status)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if m.Status()["telegram"] {
		t.Error("expected telegram stopped")
	}

	m.Unregister("feishu")
	if _, ok := m.Get("feishu"); ok {
		t.Error("expected feishu unregistered")
	}
}

// TestManager_SendRouting verifies Send reaches the named channel and
// unknown channels error.
func TestManager_SendRouting(t *testing.T) {
	m := NewManager()
	tg := newFakeChannel("telegram", nil)
	m.Register(tg)

	id, err := m.SendText(context.Background(), "telegram", "chat1", "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("expected msg-1, got %s", id)
	}
	if len(tg.sent) != 1 || tg.sent[0].Content.Text != "hello" {
		t.Errorf("unexpected sent messages: %+v", tg.sent)
	}

	if _, err := m.SendText(context.Background(), "discord", "chat1", "x"); err == nil {
		t.Error("expected error for unregistered channel")
	}
}

// TestManager_SendInternalChannel verifies synthetic origins are dropped
// without error.
func TestManager_SendInternalChannel(t *testing.T) {
	m := NewManager()

	for _, name := range []string{"cli", "cron"} {
		id, err := m.SendText(context.Background(), name, "chat", "report")
		if err != nil {
			t.Errorf("send to %s: %v", name, err)
		}
		if id != "" {
			t.Errorf("expected empty id for %s, got %s", name, id)
		}
	}
}

// TestManager_TypingCapability verifies capability dispatch and degradation.
func TestManager_TypingCapability(t *testing.T) {
	m := NewManager()
	plain := newFakeChannel("feishu", nil)
	typing := &typingChannel{fakeChannel: newFakeChannel("telegram", nil)}
	m.Register(plain)
	m.Register(typing)

	if err := m.Typing(context.Background(), "telegram", "chat9"); err != nil {
		t.Fatalf("Typing on capable channel: %v", err)
	}
	if len(typing.typed) != 1 || typing.typed[0] != "chat9" {
		t.Errorf("unexpected typing calls: %v", typing.typed)
	}

	err := m.Typing(context.Background(), "feishu", "chat9")
	if !IsNotSupported(err) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}

	if err := m.Typing(context.Background(), "missing", "chat9"); err == nil {
		t.Error("expected error for unregistered channel")
	}
}

// TestManager_OnMessage verifies the gateway handler propagates to channels.
func TestManager_OnMessage(t *testing.T) {
	m := NewManager()
	tg := newFakeChannel("telegram", nil)
	m.Register(tg)

	got := make(chan *bus.UnifiedMessage, 1)
	m.OnMessage(func(ctx context.Context, msg *bus.UnifiedMessage) {
		got <- msg
	})

	msg := bus.NewUnifiedMessage("m1", "telegram", "7", "chat", bus.ChatPrivate, bus.TextContent("hi"))
	tg.HandleMessage(context.Background(), msg)

	select {
	case delivered := <-got:
		if delivered.ID != "m1" {
			t.Errorf("expected m1, got %s", delivered.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

// TestWebhookRateLimiter verifies window budgets and key isolation.
func TestWebhookRateLimiter(t *testing.T) {
	r := NewWebhookRateLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		if !r.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if r.Allow("1.2.3.4") {
		t.Error("4th request should be limited")
	}
	if !r.Allow("5.6.7.8") {
		t.Error("other key should be unaffected")
	}
}

// TestWebhookRateLimiter_WindowReset verifies counts reset after the window.
func TestWebhookRateLimiter_WindowReset(t *testing.T) {
	r := NewWebhookRateLimiter(10*time.Millisecond, 1)

	if !r.Allow("k") {
		t.Fatal("first request should pass")
	}
	if r.Allow("k") {
		t.Fatal("second request should be limited")
	}
	time.Sleep(15 * time.Millisecond)
	if !r.Allow("k") {
		t.Error("request after window should pass")
	}
}
