package dingtalk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

func newTestChannel(t *testing.T, baseURL string, allowed ...string) *Channel {
	t.Helper()
	ch, err := New(config.DingTalkConfig{
		ClientID:     "client1",
		ClientSecret: "secret1",
		AllowedIDs:   config.FlexibleStringSlice(allowed),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if baseURL != "" {
		ch.api.baseURL = baseURL
	}
	return ch
}

func wsWrite(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func wsReadAck(t *testing.T, conn *websocket.Conn) ackFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return ackFrame{}
	}
	var ack ackFrame
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Errorf("server unmarshal ack: %v (%q)", err, data)
	}
	return ack
}

func TestStreamConnectPingAndDispatch(t *testing.T) {
	done := make(chan struct{})
	replyBodies := make(chan []byte, 1)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(done)

	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientID      string         `json:"clientId"`
			ClientSecret  string         `json:"clientSecret"`
			Subscriptions []subscription `json:"subscriptions"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("gateway open body: %v", err)
		}
		if req.ClientID != "client1" || req.ClientSecret != "secret1" {
			t.Errorf("gateway open credentials = %q / %q", req.ClientID, req.ClientSecret)
		}
		if len(req.Subscriptions) != 1 || req.Subscriptions[0].Topic != topicBotMessage {
			t.Errorf("subscriptions = %+v", req.Subscriptions)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"endpoint": "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect",
			"ticket":   "ticket-1",
		})
	})

	mux.HandleFunc("/session/reply", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		replyBodies <- b
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	})

	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ticket"); got != "ticket-1" {
			t.Errorf("ticket = %q", got)
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Errorf("ws accept: %v", err)
			return
		}

		// Ping must come back as a pong ack echoing the payload.
		wsWrite(t, conn, frame{
			SpecVersion: "1.0",
			Type:        "SYSTEM",
			Headers:     frameHeaders{Topic: "ping", MessageID: "p1", ContentType: "application/json"},
			Data:        `{"version":"1.0"}`,
		})
		pong := wsReadAck(t, conn)
		if pong.Code != 200 || pong.Data != `{"version":"1.0"}` {
			t.Errorf("pong = %+v", pong)
		}
		if pong.Headers.MessageID != "p1" || pong.Headers.Topic != "pong" {
			t.Errorf("pong headers = %+v", pong.Headers)
		}

		// Bot message callback must be acked and dispatched.
		payload, _ := json.Marshal(botMessage{
			MsgID:                     "msg1",
			MsgType:                   "text",
			Text:                      &botText{Content: " 你好 "},
			ConversationID:            "conv1",
			ConversationType:          "1",
			SenderStaffID:             "staff1",
			SenderNick:                "张三",
			RobotCode:                 "client1",
			SessionWebhook:            srv.URL + "/session/reply",
			SessionWebhookExpiredTime: time.Now().Add(time.Hour).UnixMilli(),
		})
		wsWrite(t, conn, frame{
			Type:    "CALLBACK",
			Headers: frameHeaders{Topic: topicBotMessage, MessageID: "c1", ContentType: "application/json"},
			Data:    string(payload),
		})
		ack := wsReadAck(t, conn)
		if ack.Code != 200 || ack.Headers.MessageID != "c1" {
			t.Errorf("callback ack = %+v", ack)
		}

		<-done
		conn.Close(websocket.StatusNormalClosure, "")
	})

	ch := newTestChannel(t, srv.URL)
	got := make(chan *bus.UnifiedMessage, 1)
	ch.OnMessage(func(_ context.Context, m *bus.UnifiedMessage) { got <- m })

	ctx := context.Background()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(ctx)

	var msg *bus.UnifiedMessage
	select {
	case msg = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("callback never dispatched")
	}
	if msg.UserID != "dingtalk:staff1" || msg.ChannelUserID != "staff1" {
		t.Errorf("user ids = %q / %q", msg.UserID, msg.ChannelUserID)
	}
	if msg.ChatID != "conv1" || msg.ChatType != bus.ChatPrivate {
		t.Errorf("chat = %q %q", msg.ChatID, msg.ChatType)
	}
	if msg.Content.Text != "你好" {
		t.Errorf("text = %q", msg.Content.Text)
	}
	if msg.MessageID != "msg1" {
		t.Errorf("message id = %q", msg.MessageID)
	}

	// The stored session webhook carries the reply.
	if _, err := ch.Send(ctx, bus.NewOutgoingText("conv1", "收到")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case body := <-replyBodies:
		var reply struct {
			MsgType string `json:"msgtype"`
			Text    struct {
				Content string `json:"content"`
			} `json:"text"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			t.Fatalf("reply body: %v (%q)", err, body)
		}
		if reply.MsgType != "text" || reply.Text.Content != "收到" {
			t.Errorf("reply = %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session webhook never called")
	}
}

func TestStreamReconnectsAfterServerDisconnect(t *testing.T) {
	var opens atomic.Int32
	reopened := make(chan struct{}, 1)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		if opens.Add(1) == 2 {
			select {
			case reopened <- struct{}{}:
			default:
			}
		}
		json.NewEncoder(w).Encode(map[string]string{
			"endpoint": "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect",
			"ticket":   "t",
		})
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		if opens.Load() == 1 {
			wsWrite(t, conn, frame{
				Type:    "SYSTEM",
				Headers: frameHeaders{Topic: "disconnect", MessageID: "d1"},
				Data:    `{"reason":"rebalance"}`,
			})
			wsReadAck(t, conn)
			conn.Close(websocket.StatusNormalClosure, "rebalance")
			return
		}
		// Second connection just stays up until the test ends.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Read(ctx)
		conn.Close(websocket.StatusNormalClosure, "")
	})

	ch := newTestChannel(t, srv.URL)
	ctx := context.Background()
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(ctx)

	select {
	case <-reopened:
	case <-time.After(5 * time.Second):
		t.Fatal("channel never reconnected after server disconnect")
	}
}

func TestNormalize(t *testing.T) {
	ch := newTestChannel(t, "")

	tests := []struct {
		name  string
		in    botMessage
		check func(t *testing.T, m *bus.UnifiedMessage)
	}{
		{
			name: "text trims whitespace",
			in: botMessage{
				MsgID: "m1", MsgType: "text", Text: &botText{Content: "  查天气\n"},
				ConversationID: "c1", ConversationType: "1", SenderStaffID: "u1",
			},
			check: func(t *testing.T, m *bus.UnifiedMessage) {
				if m.Content.Text != "查天气" {
					t.Errorf("text = %q", m.Content.Text)
				}
				if m.ChatType != bus.ChatPrivate {
					t.Errorf("chat type = %q", m.ChatType)
				}
			},
		},
		{
			name: "picture packs download and robot codes",
			in: botMessage{
				MsgID: "m2", MsgType: "picture",
				Content:        &botContent{DownloadCode: "dc-9"},
				ConversationID: "c1", ConversationType: "2", SenderStaffID: "u1", RobotCode: "robot7",
			},
			check: func(t *testing.T, m *bus.UnifiedMessage) {
				if len(m.Content.Images) != 1 {
					t.Fatalf("images = %d", len(m.Content.Images))
				}
				img := m.Content.Images[0]
				if img.FileID != "dc-9|robot7" || img.Status != bus.MediaPending {
					t.Errorf("image = %+v", img)
				}
				if m.ChatType != bus.ChatGroup {
					t.Errorf("chat type = %q", m.ChatType)
				}
			},
		},
		{
			name: "richText joins text and collects pictures",
			in: botMessage{
				MsgID: "m3", MsgType: "richText",
				Content: &botContent{RichText: []richNode{
					{Text: "对比"},
					{DownloadCode: "dc-a", Type: "picture"},
					{Text: "和"},
					{DownloadCode: "dc-b", Type: "picture"},
				}},
				ConversationID: "c1", ConversationType: "1", SenderStaffID: "u1", RobotCode: "robot7",
			},
			check: func(t *testing.T, m *bus.UnifiedMessage) {
				if m.Content.Text != "对比和" {
					t.Errorf("text = %q", m.Content.Text)
				}
				if len(m.Content.Images) != 2 {
					t.Errorf("images = %d", len(m.Content.Images))
				}
			},
		},
		{
			name: "audio carries platform transcription",
			in: botMessage{
				MsgID: "m4", MsgType: "audio",
				Content:        &botContent{DownloadCode: "dc-v", Recognition: "明天开会"},
				ConversationID: "c1", ConversationType: "1", SenderID: "fallback-id",
			},
			check: func(t *testing.T, m *bus.UnifiedMessage) {
				if len(m.Content.Voices) != 1 {
					t.Fatalf("voices = %d", len(m.Content.Voices))
				}
				if m.Content.Voices[0].Transcription != "明天开会" {
					t.Errorf("transcription = %q", m.Content.Voices[0].Transcription)
				}
				if m.ChannelUserID != "fallback-id" {
					t.Errorf("sender fallback = %q", m.ChannelUserID)
				}
			},
		},
		{
			name: "unknown msgtype becomes a marker",
			in: botMessage{
				MsgID: "m5", MsgType: "actionCard",
				ConversationID: "c1", ConversationType: "1", SenderStaffID: "u1",
			},
			check: func(t *testing.T, m *bus.UnifiedMessage) {
				if m.Content.Text != "[actionCard message]" {
					t.Errorf("text = %q", m.Content.Text)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ch.normalize(&tt.in)
			if m.Channel != "dingtalk" {
				t.Errorf("channel = %q", m.Channel)
			}
			tt.check(t, m)
		})
	}
}

func TestHandleBotMessageDedup(t *testing.T) {
	ch := newTestChannel(t, "")
	got := make(chan *bus.UnifiedMessage, 2)
	ch.OnMessage(func(_ context.Context, m *bus.UnifiedMessage) { got <- m })

	payload, _ := json.Marshal(botMessage{
		MsgID: "dup1", MsgType: "text", Text: &botText{Content: "hi"},
		ConversationID: "c1", ConversationType: "1", SenderStaffID: "u1",
	})
	ch.handleBotMessage(context.Background(), string(payload))
	ch.handleBotMessage(context.Background(), string(payload))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("first push never dispatched")
	}
	select {
	case m := <-got:
		t.Fatalf("duplicate dispatched: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendMarkdownAndWebhookExpiry(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	ch := newTestChannel(t, "")
	ctx := context.Background()

	// No webhook known for the conversation.
	if _, err := ch.Send(ctx, bus.NewOutgoingText("ghost", "hello")); err == nil {
		t.Error("expected error without a session webhook")
	}

	// An expired webhook is as good as none.
	ch.storeWebhook("old", srv.URL, time.Now().Add(-time.Minute).UnixMilli())
	if _, err := ch.Send(ctx, bus.NewOutgoingText("old", "hello")); err == nil {
		t.Error("expected error for an expired session webhook")
	}

	ch.storeWebhook("conv1", srv.URL, time.Now().Add(time.Hour).UnixMilli())
	out := bus.NewOutgoingText("conv1", "## 结果\n一切正常")
	out.ParseMode = bus.ParseMarkdown
	if _, err := ch.Send(ctx, out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case body := <-bodies:
		var reply struct {
			MsgType  string `json:"msgtype"`
			Markdown struct {
				Title string `json:"title"`
				Text  string `json:"text"`
			} `json:"markdown"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			t.Fatalf("reply body: %v", err)
		}
		if reply.MsgType != "markdown" {
			t.Errorf("msgtype = %q", reply.MsgType)
		}
		if reply.Markdown.Title != "## 结果" {
			t.Errorf("title = %q", reply.Markdown.Title)
		}
		if reply.Markdown.Text != "## 结果\n一切正常" {
			t.Errorf("text = %q", reply.Markdown.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestSendErrcodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":310000,"errmsg":"keywords not in content"}`))
	}))
	defer srv.Close()

	ch := newTestChannel(t, "")
	ch.storeWebhook("conv1", srv.URL, time.Now().Add(time.Hour).UnixMilli())

	_, err := ch.Send(context.Background(), bus.NewOutgoingText("conv1", "hello"))
	if err == nil || !strings.Contains(err.Error(), "310000") {
		t.Errorf("expected errcode failure, got %v", err)
	}
}

func TestDownloadMediaExchange(t *testing.T) {
	var tokenCalls atomic.Int32
	blob := []byte("\x89PNG\r\n\x1a\nfake image body")

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/v1.0/oauth2/accessToken", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "tk1", "expireIn": 7200})
	})
	mux.HandleFunc("/v1.0/robot/messageFiles/download", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-acs-dingtalk-access-token"); got != "tk1" {
			t.Errorf("token header = %q", got)
		}
		var req struct {
			DownloadCode string `json:"downloadCode"`
			RobotCode    string `json:"robotCode"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.DownloadCode != "dc1" || req.RobotCode != "robot9" {
			t.Errorf("exchange request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]string{"downloadUrl": srv.URL + "/blob"})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		w.Write(blob)
	})

	ch := newTestChannel(t, srv.URL)
	f := &bus.MediaFile{ID: "m1-0", FileID: "dc1|robot9"}

	path, err := ch.DownloadMedia(context.Background(), f)
	if err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	t.Cleanup(func() { os.Remove(path) })

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(blob) {
		t.Error("downloaded bytes do not match")
	}
	if !strings.HasSuffix(path, ".png") {
		t.Errorf("expected sniffed .png extension, got %q", path)
	}

	// Token is cached across calls.
	if _, err := ch.DownloadMedia(context.Background(), f); err != nil {
		t.Fatalf("second DownloadMedia: %v", err)
	}
	if tokenCalls.Load() != 1 {
		t.Errorf("token fetched %d times, want 1", tokenCalls.Load())
	}

	if _, err := ch.DownloadMedia(context.Background(), &bus.MediaFile{ID: "bad"}); err == nil {
		t.Error("expected error for a media file without a download code")
	}
}

func TestMarkdownTitle(t *testing.T) {
	long := strings.Repeat("很", 80)
	tests := []struct {
		in, want string
	}{
		{"单行回复", "单行回复"},
		{"第一行\n第二行", "第一行"},
		{"  \n正文", ""},
		{long, strings.Repeat("很", 64)},
		{"", "message"},
	}
	for _, tt := range tests {
		got := markdownTitle(tt.in)
		want := tt.want
		if want == "" {
			want = "message"
		}
		if got != want {
			t.Errorf("markdownTitle(%q) = %q, want %q", tt.in, got, want)
		}
	}
}
