package qqbot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

func newTestChannel(t *testing.T, allowed ...string) *Channel {
	t.Helper()
	ch, err := New(config.QQBotConfig{
		AppID:      "app1",
		Secret:     "sec1",
		AllowedIDs: config.FlexibleStringSlice(allowed),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func pointAt(ch *Channel, srvURL string) {
	ch.api.tokenURL = srvURL + "/token"
	ch.api.baseURL = srvURL
}

func tokenHandler(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req struct {
			AppID        string `json:"appId"`
			ClientSecret string `json:"clientSecret"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.AppID != "app1" || req.ClientSecret != "sec1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		// expires_in arrives as a string on the wire.
		w.Write([]byte(`{"access_token":"tk1","expires_in":"7200"}`))
	}
}

func wsWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Errorf("marshal frame: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func wsReadJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("read frame: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("unmarshal frame %s: %v", data, err)
		return false
	}
	return true
}

func TestGatewayHandshakeDispatchAndReply(t *testing.T) {
	done := make(chan struct{})
	var replyMu sync.Mutex
	var replies []map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler(nil))
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "QQBot tk1" {
			t.Errorf("gateway auth = %q", got)
		}
		host := "ws" + strings.TrimPrefix("http://"+r.Host, "http")
		json.NewEncoder(w).Encode(map[string]string{"url": host + "/ws"})
	})
	mux.HandleFunc("/v2/users/o_user9/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "QQBot tk1" {
			t.Errorf("send auth = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		replyMu.Lock()
		replies = append(replies, body)
		replyMu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": "ret1"})
	})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		wsWriteJSON(t, conn, map[string]any{
			"op": opHello,
			"d":  map[string]any{"heartbeat_interval": 60000},
		})

		var identify struct {
			Op int `json:"op"`
			D  struct {
				Token   string `json:"token"`
				Intents int    `json:"intents"`
				Shard   []int  `json:"shard"`
			} `json:"d"`
		}
		if !wsReadJSON(t, conn, &identify) {
			return
		}
		if identify.Op != opIdentify {
			t.Errorf("first client frame op = %d, want identify", identify.Op)
		}
		if identify.D.Token != "QQBot tk1" {
			t.Errorf("identify token = %q", identify.D.Token)
		}
		if identify.D.Intents != intentGroupAndC2C {
			t.Errorf("identify intents = %d, want %d", identify.D.Intents, intentGroupAndC2C)
		}
		if len(identify.D.Shard) != 2 || identify.D.Shard[0] != 0 {
			t.Errorf("identify shard = %v", identify.D.Shard)
		}

		wsWriteJSON(t, conn, map[string]any{
			"op": opDispatch, "s": 1, "t": "READY",
			"d": map[string]any{"session_id": "sess1"},
		})
		wsWriteJSON(t, conn, map[string]any{
			"op": opDispatch, "s": 2, "t": "C2C_MESSAGE_CREATE",
			"d": map[string]any{
				"id":        "evt1",
				"content":   " 你好小八 ",
				"timestamp": "2026-08-25T10:00:00+08:00",
				"author":    map[string]any{"id": "u9", "user_openid": "o_user9"},
			},
		})
		<-done
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(done)

	ch := newTestChannel(t)
	pointAt(ch, srv.URL)

	received := make(chan *bus.UnifiedMessage, 1)
	ch.OnMessage(func(ctx context.Context, msg *bus.UnifiedMessage) {
		received <- msg
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	var msg *bus.UnifiedMessage
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("no message dispatched")
	}
	if msg.UserID != "qqbot:o_user9" {
		t.Errorf("UserID = %q", msg.UserID)
	}
	if msg.ChatID != "o_user9" || msg.ChatType != bus.ChatPrivate {
		t.Errorf("chat = %q/%q", msg.ChatID, msg.ChatType)
	}
	if msg.MessageID != "evt1" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.Content.Text != "你好小八" {
		t.Errorf("text = %q", msg.Content.Text)
	}

	// Two passive replies to the same inbound message get seq 1 and 2.
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		out := bus.NewOutgoingText("o_user9", "收到")
		out.ReplyTo = "evt1"
		id, err := ch.Send(ctx, out)
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if id != "ret1" {
			t.Errorf("Send %d id = %q", i, id)
		}
	}

	replyMu.Lock()
	defer replyMu.Unlock()
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	for i, body := range replies {
		if body["msg_id"] != "evt1" {
			t.Errorf("reply %d msg_id = %v", i, body["msg_id"])
		}
		if got := body["msg_seq"].(float64); got != float64(i+1) {
			t.Errorf("reply %d msg_seq = %v, want %d", i, got, i+1)
		}
		if body["content"] != "收到" {
			t.Errorf("reply %d content = %v", i, body["content"])
		}
	}
}

func TestGatewayResumeAfterReconnect(t *testing.T) {
	resumed := make(chan struct{})
	done := make(chan struct{})
	var conns atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler(nil))
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		host := "ws" + strings.TrimPrefix("http://"+r.Host, "http")
		json.NewEncoder(w).Encode(map[string]string{"url": host + "/ws"})
	})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		n := conns.Add(1)
		wsWriteJSON(t, conn, map[string]any{
			"op": opHello,
			"d":  map[string]any{"heartbeat_interval": 50},
		})

		if n == 1 {
			var identify struct {
				Op int `json:"op"`
			}
			if !wsReadJSON(t, conn, &identify) {
				return
			}
			if identify.Op != opIdentify {
				t.Errorf("conn 1 op = %d, want identify", identify.Op)
			}
			wsWriteJSON(t, conn, map[string]any{
				"op": opDispatch, "s": 5, "t": "READY",
				"d": map[string]any{"session_id": "sess7"},
			})
			// The heartbeat loop fires before the server kicks us off.
			var hb struct {
				Op int `json:"op"`
			}
			if !wsReadJSON(t, conn, &hb) {
				return
			}
			if hb.Op != opHeartbeat {
				t.Errorf("conn 1 second frame op = %d, want heartbeat", hb.Op)
			}
			wsWriteJSON(t, conn, map[string]any{"op": opReconnect})
			return
		}

		var resume struct {
			Op int `json:"op"`
			D  struct {
				Token     string `json:"token"`
				SessionID string `json:"session_id"`
				Seq       int64  `json:"seq"`
			} `json:"d"`
		}
		if !wsReadJSON(t, conn, &resume) {
			return
		}
		if resume.Op != opResume {
			t.Errorf("conn 2 op = %d, want resume", resume.Op)
		}
		if resume.D.SessionID != "sess7" || resume.D.Seq != 5 {
			t.Errorf("resume carried session %q seq %d", resume.D.SessionID, resume.D.Seq)
		}
		wsWriteJSON(t, conn, map[string]any{"op": opDispatch, "t": "RESUMED"})
		if n == 2 {
			close(resumed)
		}
		// Hold the connection so the client does not dial a third time.
		<-done
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(done)

	ch := newTestChannel(t)
	pointAt(ch, srv.URL)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("second connection never resumed")
	}
}

func TestNormalize(t *testing.T) {
	ch := newTestChannel(t)

	tests := []struct {
		name     string
		ev       messageEvent
		group    bool
		wantNil  bool
		wantChat string
		wantType bus.ChatType
		wantUser string
		wantText string
	}{
		{
			name:     "c2c text trimmed",
			ev:       messageEvent{ID: "e1", Content: "  在吗  ", Author: eventAuthor{UserOpenID: "oU1"}},
			wantChat: "oU1",
			wantType: bus.ChatPrivate,
			wantUser: "oU1",
			wantText: "在吗",
		},
		{
			name:     "group strips the mention padding",
			ev:       messageEvent{ID: "e2", Content: " 帮我查天气", GroupOpenID: "oG1", Author: eventAuthor{MemberOpenID: "oM1"}},
			group:    true,
			wantChat: "g-oG1",
			wantType: bus.ChatGroup,
			wantUser: "oM1",
			wantText: "帮我查天气",
		},
		{
			name:    "group without group openid dropped",
			ev:      messageEvent{ID: "e3", Content: "hi", Author: eventAuthor{MemberOpenID: "oM1"}},
			group:   true,
			wantNil: true,
		},
		{
			name:    "blank content dropped",
			ev:      messageEvent{ID: "e4", Content: "   ", Author: eventAuthor{UserOpenID: "oU1"}},
			wantNil: true,
		},
		{
			name:     "author id fallback",
			ev:       messageEvent{ID: "e5", Content: "旧版事件", Author: eventAuthor{ID: "legacy1"}},
			wantChat: "legacy1",
			wantType: bus.ChatPrivate,
			wantUser: "legacy1",
			wantText: "旧版事件",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ch.normalize(&tt.ev, tt.group)
			if tt.wantNil {
				if msg != nil {
					t.Fatalf("normalize = %+v, want nil", msg)
				}
				return
			}
			if msg == nil {
				t.Fatal("normalize returned nil")
			}
			if msg.ChatID != tt.wantChat || msg.ChatType != tt.wantType {
				t.Errorf("chat = %q/%q, want %q/%q", msg.ChatID, msg.ChatType, tt.wantChat, tt.wantType)
			}
			if msg.ChannelUserID != tt.wantUser {
				t.Errorf("ChannelUserID = %q, want %q", msg.ChannelUserID, tt.wantUser)
			}
			if msg.Content.Text != tt.wantText {
				t.Errorf("text = %q, want %q", msg.Content.Text, tt.wantText)
			}
		})
	}
}

func TestNormalizeAttachments(t *testing.T) {
	ch := newTestChannel(t)

	ev := messageEvent{
		ID:      "e9",
		Content: "看图",
		Author:  eventAuthor{UserOpenID: "oU1"},
		Attachments: []attachment{
			{URL: "gchat.qpic.cn/download?id=1", ContentType: "image/png", Filename: "1.png", Size: 2048, Width: 100, Height: 80},
			{URL: "https://cdn.example.com/a.amr", ContentType: "audio/amr", Filename: "a.amr"},
			{URL: "https://cdn.example.com/r.pdf", ContentType: "application/pdf", Filename: "r.pdf"},
		},
	}
	msg := ch.normalize(&ev, false)
	if msg == nil {
		t.Fatal("normalize returned nil")
	}
	if len(msg.Content.Images) != 1 || len(msg.Content.Voices) != 1 || len(msg.Content.Files) != 1 {
		t.Fatalf("media split = %d images / %d voices / %d files",
			len(msg.Content.Images), len(msg.Content.Voices), len(msg.Content.Files))
	}
	img := msg.Content.Images[0]
	if img.URL != "https://gchat.qpic.cn/download?id=1" {
		t.Errorf("image url = %q, scheme not repaired", img.URL)
	}
	if img.Status != bus.MediaPending || img.Width != 100 {
		t.Errorf("image = %+v", img)
	}
	if msg.Content.Type() != bus.TypeImage {
		t.Errorf("Type = %v, want image", msg.Content.Type())
	}
}

func TestHandleMessageEventDedup(t *testing.T) {
	ch := newTestChannel(t)

	var count atomic.Int32
	received := make(chan struct{}, 2)
	ch.OnMessage(func(ctx context.Context, msg *bus.UnifiedMessage) {
		count.Add(1)
		received <- struct{}{}
	})

	raw, _ := json.Marshal(map[string]any{
		"id":      "dup1",
		"content": "只算一次",
		"author":  map[string]any{"user_openid": "oU1"},
	})
	ch.handleMessageEvent(context.Background(), raw, false)
	ch.handleMessageEvent(context.Background(), raw, false)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch")
	}
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("dispatched %d times, want 1", got)
	}
}

func TestAllowListGate(t *testing.T) {
	ch := newTestChannel(t, "oU1")

	var count atomic.Int32
	received := make(chan struct{}, 2)
	ch.OnMessage(func(ctx context.Context, msg *bus.UnifiedMessage) {
		count.Add(1)
		received <- struct{}{}
	})

	stranger, _ := json.Marshal(map[string]any{
		"id":      "s1",
		"content": "放我进来",
		"author":  map[string]any{"user_openid": "oX9"},
	})
	ch.handleMessageEvent(context.Background(), stranger, false)

	allowed, _ := json.Marshal(map[string]any{
		"id":      "a1",
		"content": "是我",
		"author":  map[string]any{"user_openid": "oU1"},
	})
	ch.handleMessageEvent(context.Background(), allowed, false)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("allowed sender was not dispatched")
	}
	time.Sleep(300 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("dispatched %d times, want 1 (stranger must be dropped)", got)
	}
}

func TestSendSeqOverrideAndGroupRouting(t *testing.T) {
	var tokenCalls atomic.Int32
	type call struct {
		path string
		body map[string]any
	}
	var mu sync.Mutex
	var calls []call

	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler(&tokenCalls))
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, call{path: r.URL.Path, body: body})
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": "m-out"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := newTestChannel(t)
	pointAt(ch, srv.URL)
	ctx := context.Background()

	// Explicit reply seq from metadata wins over the internal counter.
	out := bus.NewOutgoingText("o_user9", "第七条")
	out.ReplyTo = "evt9"
	out.SetMeta(bus.MetaReplySeq, "7")
	if _, err := ch.Send(ctx, out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Group chat ids routed by prefix.
	gout := bus.NewOutgoingText("g-oG7", "群里好")
	gout.ReplyTo = "evt10"
	if _, err := ch.Send(ctx, gout); err != nil {
		t.Fatalf("group Send: %v", err)
	}

	// Active send carries neither msg_id nor msg_seq.
	act := bus.NewOutgoingText("o_user9", "主动推送")
	if _, err := ch.Send(ctx, act); err != nil {
		t.Fatalf("active Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 {
		t.Fatalf("got %d API calls, want 3", len(calls))
	}
	if calls[0].path != "/v2/users/o_user9/messages" {
		t.Errorf("call 0 path = %q", calls[0].path)
	}
	if got := calls[0].body["msg_seq"].(float64); got != 7 {
		t.Errorf("override msg_seq = %v, want 7", got)
	}
	if calls[1].path != "/v2/groups/oG7/messages" {
		t.Errorf("group call path = %q", calls[1].path)
	}
	if got := calls[1].body["msg_seq"].(float64); got != 1 {
		t.Errorf("group msg_seq = %v, want 1", got)
	}
	if _, ok := calls[2].body["msg_id"]; ok {
		t.Errorf("active send leaked msg_id: %v", calls[2].body)
	}
	if _, ok := calls[2].body["msg_seq"]; ok {
		t.Errorf("active send leaked msg_seq: %v", calls[2].body)
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token fetched %d times, want 1 (cached)", got)
	}
}

func TestSendImageUploadsByURL(t *testing.T) {
	var mu sync.Mutex
	var uploads atomic.Int32
	var msgBodies []map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/token", tokenHandler(nil))
	mux.HandleFunc("/v2/users/oU1/files", func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["file_type"].(float64) != 1 {
			t.Errorf("file_type = %v, want 1", body["file_type"])
		}
		if body["srv_send_msg"] != false {
			t.Errorf("srv_send_msg = %v, want false", body["srv_send_msg"])
		}
		if body["url"] != "https://cdn.example.com/p.png" {
			t.Errorf("upload url = %v", body["url"])
		}
		json.NewEncoder(w).Encode(map[string]string{"file_info": "fi-123"})
	})
	mux.HandleFunc("/v2/users/oU1/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		msgBodies = append(msgBodies, body)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": "m-img"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ch := newTestChannel(t)
	pointAt(ch, srv.URL)

	out := &bus.OutgoingMessage{
		ChatID:  "oU1",
		ReplyTo: "evt1",
		Content: bus.MessageContent{
			Text: "画好了",
			Images: []bus.MediaFile{
				{URL: "https://cdn.example.com/p.png", FileName: "p.png"},
				{LocalPath: "/tmp/nowhere.png", FileName: "local.png"}, // skipped, no URL
			},
		},
	}
	id, err := ch.Send(context.Background(), out)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "m-img" {
		t.Errorf("Send id = %q", id)
	}

	if got := uploads.Load(); got != 1 {
		t.Errorf("got %d uploads, want 1 (local-only image is skipped)", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(msgBodies) != 2 {
		t.Fatalf("got %d message posts, want text + one media", len(msgBodies))
	}
	text, media := msgBodies[0], msgBodies[1]
	if text["content"] != "画好了" || text["msg_seq"].(float64) != 1 {
		t.Errorf("text post = %v", text)
	}
	if media["msg_type"].(float64) != 7 {
		t.Errorf("media msg_type = %v, want 7", media["msg_type"])
	}
	if media["media"].(map[string]any)["file_info"] != "fi-123" {
		t.Errorf("media post = %v", media)
	}
	if media["msg_seq"].(float64) != 2 {
		t.Errorf("media msg_seq = %v, want 2", media["msg_seq"])
	}
}

func TestNextSeq(t *testing.T) {
	ch := newTestChannel(t)
	for want := int64(1); want <= 3; want++ {
		if got := ch.nextSeq("m1"); got != want {
			t.Errorf("nextSeq(m1) = %d, want %d", got, want)
		}
	}
	if got := ch.nextSeq("m2"); got != 1 {
		t.Errorf("nextSeq(m2) = %d, want 1", got)
	}
}

func TestDownloadMedia(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(png)
	}))
	defer srv.Close()

	ch := newTestChannel(t)

	path, err := ch.DownloadMedia(context.Background(), &bus.MediaFile{ID: "f1", URL: srv.URL + "/img"})
	if err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	defer os.Remove(path)
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("path = %q, want .png suffix", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read temp: %v", err)
	}
	if len(data) != len(png) {
		t.Errorf("downloaded %d bytes, want %d", len(data), len(png))
	}

	if _, err := ch.DownloadMedia(context.Background(), &bus.MediaFile{ID: "f2"}); err == nil {
		t.Error("expected error for media without url")
	}
}
