package stream

import (
	"testing"
	"time"
)

// testManager returns a manager with an adjustable clock. The returned
// advance function moves the clock forward relative to the base instant.
func testManager(t *testing.T, opts ...ManagerOption) (*Manager, func(d time.Duration)) {
	t.Helper()
	m := NewManager(opts...)
	t.Cleanup(m.Close)

	base := time.Now()
	offset := time.Duration(0)
	m.now = func() time.Time { return base.Add(offset) }
	return m, func(d time.Duration) { offset = d }
}

// TestRefresh_SettleTimeline walks the documented settle sequence: text at
// t=0, image at t=3s, refreshes at 1s/4s/9s stay streaming, 11s finalizes.
func TestRefresh_SettleTimeline(t *testing.T) {
	m, at := testManager(t)

	s := m.Open("chat1", "user1", "msg1", "")

	at(0)
	if !m.WriteText("msg1", "chat1", "user1", "hi") {
		t.Fatal("WriteText found no session")
	}

	at(1 * time.Second)
	r := m.Refresh(s.ID)
	if r.Finished || r.Content != "hi" {
		t.Fatalf("t=1s: expected streaming 'hi', got finished=%v content=%q", r.Finished, r.Content)
	}

	at(3 * time.Second)
	found, err := m.EnqueueImage("msg1", "chat1", "user1", QueuedImage{B64: "cGl4", MD5: "abc"})
	if !found || err != nil {
		t.Fatalf("EnqueueImage: found=%v err=%v", found, err)
	}

	at(4 * time.Second)
	r = m.Refresh(s.ID)
	if r.Finished || r.Content != "hi" {
		t.Fatalf("t=4s: expected streaming, got finished=%v", r.Finished)
	}

	// 9s - 3s = 6s since the image write, still under the 8s settle.
	at(9 * time.Second)
	r = m.Refresh(s.ID)
	if r.Finished {
		t.Fatal("t=9s: finalized before settle elapsed")
	}
	if len(r.Images) != 0 {
		t.Fatal("images attached to a non-final reply")
	}

	at(11 * time.Second)
	r = m.Refresh(s.ID)
	if !r.Finished || r.Content != "hi" {
		t.Fatalf("t=11s: expected final 'hi', got finished=%v content=%q", r.Finished, r.Content)
	}
	if len(r.Images) != 1 || r.Images[0].MD5 != "abc" {
		t.Fatalf("expected 1 queued image on the final reply, got %d", len(r.Images))
	}

	// Session is gone: next refresh is a tombstone.
	r = m.Refresh(s.ID)
	if !r.Finished || r.Content != "" || len(r.Images) != 0 {
		t.Fatalf("expected tombstone after finalize, got %+v", r)
	}
	if m.Count() != 0 {
		t.Errorf("expected empty registry, got %d sessions", m.Count())
	}
}

// TestRefresh_UnknownID verifies unknown stream ids get a finished tombstone.
func TestRefresh_UnknownID(t *testing.T) {
	m, _ := testManager(t)
	r := m.Refresh("nope")
	if !r.Finished || r.Content != "" {
		t.Errorf("expected empty tombstone, got %+v", r)
	}
}

// TestRefresh_HardTimeout verifies an unfinished session past the wall-clock
// bound is force-finished with a notice and removed.
func TestRefresh_HardTimeout(t *testing.T) {
	m, at := testManager(t)
	s := m.Open("chat1", "user1", "msg1", "")

	at(5*time.Minute + 31*time.Second)
	r := m.Refresh(s.ID)
	if !r.Finished {
		t.Fatal("expected force-finish past hard timeout")
	}
	if r.Content != timeoutNotice {
		t.Errorf("expected timeout notice, got %q", r.Content)
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("timed-out session still registered")
	}
}

// TestOpen_ReplacesPrior verifies only one session exists per (chat, user)
// and the replaced stream id turns into a tombstone.
func TestOpen_ReplacesPrior(t *testing.T) {
	m, _ := testManager(t)

	first := m.Open("chat1", "user1", "m1", "")
	second := m.Open("chat1", "user1", "m2", "")

	if m.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Count())
	}
	r := m.Refresh(first.ID)
	if !r.Finished || r.Content != "" {
		t.Errorf("replaced stream should answer as tombstone, got %+v", r)
	}
	if _, ok := m.Get(second.ID); !ok {
		t.Error("new session missing")
	}

	// The new session is addressable by its own msg id.
	if !m.WriteText("m2", "", "", "hello") {
		t.Error("WriteText by msg id failed on new session")
	}
}

// TestWriteText_LookupOrder verifies the msg-id index wins over (chat, user)
// and that writes append.
func TestWriteText_LookupOrder(t *testing.T) {
	m, _ := testManager(t)

	a := m.Open("chatA", "user1", "msgA", "")
	b := m.Open("chatB", "user1", "msgB", "")

	// msg id targets session A even with B's chat coordinates supplied.
	if !m.WriteText("msgA", "chatB", "user1", "first") {
		t.Fatal("write by msg id failed")
	}
	sa, _ := m.Get(a.ID)
	if sa.Content != "first" || !sa.Finished {
		t.Fatalf("session A not written: %+v", sa)
	}
	sb, _ := m.Get(b.ID)
	if sb.Content != "" {
		t.Fatal("session B written by mistake")
	}

	// Unknown msg id falls back to the chat index.
	if !m.WriteText("unknown", "chatB", "user1", "second") {
		t.Fatal("chat fallback failed")
	}
	sb, _ = m.Get(b.ID)
	if sb.Content != "second" {
		t.Fatalf("expected chat-keyed write on B, got %q", sb.Content)
	}

	// Writes append line by line.
	m.WriteText("msgA", "", "", "more")
	sa, _ = m.Get(a.ID)
	if sa.Content != "first\nmore" {
		t.Errorf("expected appended content, got %q", sa.Content)
	}

	if m.WriteText("ghost", "nochat", "nouser", "x") {
		t.Error("write with no session should report false")
	}
}

// TestAppendText_KeepsStreaming verifies interim writes surface live content
// without arming finalization: only WriteText settles the stream.
func TestAppendText_KeepsStreaming(t *testing.T) {
	m, at := testManager(t)
	s := m.Open("chat1", "user1", "msg1", "")

	at(0)
	if !m.AppendText("msg1", "chat1", "user1", "正在查询天气…") {
		t.Fatal("AppendText found no session")
	}

	// Far past the settle delay: an unfinished stream never finalizes.
	at(time.Minute)
	r := m.Refresh(s.ID)
	if r.Finished {
		t.Fatal("interim write must not finalize the stream")
	}
	if r.Content != "正在查询天气…" {
		t.Errorf("expected live interim content, got %q", r.Content)
	}

	if !m.WriteText("msg1", "chat1", "user1", "今天晴，28 度。") {
		t.Fatal("WriteText found no session")
	}
	at(time.Minute + 10*time.Second)
	r = m.Refresh(s.ID)
	if !r.Finished {
		t.Fatal("expected finalization after the real reply settled")
	}
	if r.Content != "正在查询天气…\n今天晴，28 度。" {
		t.Errorf("expected accumulated content, got %q", r.Content)
	}

	if m.AppendText("ghost", "none", "none", "x") {
		t.Error("append with no session should report false")
	}
}

// TestEnqueueImage_QueueFull verifies the per-reply attachment cap.
func TestEnqueueImage_QueueFull(t *testing.T) {
	m, _ := testManager(t)
	m.Open("chat1", "user1", "msg1", "")

	for i := 0; i < maxImages; i++ {
		found, err := m.EnqueueImage("msg1", "", "", QueuedImage{B64: "x", MD5: "y"})
		if !found || err != nil {
			t.Fatalf("enqueue %d: found=%v err=%v", i, found, err)
		}
	}
	found, err := m.EnqueueImage("msg1", "", "", QueuedImage{B64: "x", MD5: "y"})
	if !found {
		t.Fatal("session should still exist")
	}
	if err == nil {
		t.Error("expected queue-full error on 11th image")
	}

	found, err = m.EnqueueImage("ghost", "none", "none", QueuedImage{})
	if found || err != nil {
		t.Errorf("missing session should report found=false, got %v %v", found, err)
	}
}

// TestTakeResponseURL verifies one-shot consumption and msg-id precedence.
func TestTakeResponseURL(t *testing.T) {
	m, _ := testManager(t)
	m.Open("chat1", "user1", "msg1", "https://cb.example/once")

	url, ok := m.TakeResponseURL("msg1", "chat1", "user1")
	if !ok || url != "https://cb.example/once" {
		t.Fatalf("expected msg-keyed url, got %q ok=%v", url, ok)
	}

	// Msg-keyed entry consumed; the chat-keyed copy still answers once.
	url, ok = m.TakeResponseURL("msg1", "chat1", "user1")
	if !ok || url != "https://cb.example/once" {
		t.Fatalf("expected chat-keyed fallback, got %q ok=%v", url, ok)
	}

	if _, ok := m.TakeResponseURL("msg1", "chat1", "user1"); ok {
		t.Error("response url should be fully consumed")
	}
}

// TestSweep_DropsStale verifies abandoned sessions and urls are collected.
func TestSweep_DropsStale(t *testing.T) {
	m, at := testManager(t)

	stale := m.Open("chat1", "user1", "m1", "https://cb.example/stale")
	at(m.timeout + 2*time.Minute)
	fresh := m.Open("chat2", "user2", "m2", "")

	m.sweep()

	if _, ok := m.Get(stale.ID); ok {
		t.Error("stale session survived sweep")
	}
	if _, ok := m.Get(fresh.ID); !ok {
		t.Error("fresh session swept")
	}
	if _, ok := m.TakeResponseURL("m1", "chat1", "user1"); ok {
		t.Error("stale response url survived sweep")
	}
}
