package wework

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// maxCallbackBytes bounds webhook request bodies.
const maxCallbackBytes = 1 << 20

// callback is a decrypted smart-robot push.
type callback struct {
	MsgID       string       `json:"msgid"`
	AIBotID     string       `json:"aibotid"`
	ChatID      string       `json:"chatid"`
	ChatType    string       `json:"chattype"` // "single" or "group"
	From        callbackFrom `json:"from"`
	ResponseURL string       `json:"response_url"`
	MsgType     string       `json:"msgtype"`

	Text   *textPayload   `json:"text,omitempty"`
	Image  *imagePayload  `json:"image,omitempty"`
	Mixed  *mixedPayload  `json:"mixed,omitempty"`
	Stream *streamRef     `json:"stream,omitempty"`
	Event  *eventPayload  `json:"event,omitempty"`
}

type callbackFrom struct {
	UserID string `json:"userid"`
}

type textPayload struct {
	Content string `json:"content"`
}

type imagePayload struct {
	URL string `json:"url"`
}

type mixedPayload struct {
	MsgItem []mixedItem `json:"msg_item"`
}

type mixedItem struct {
	MsgType string        `json:"msgtype"`
	Text    *textPayload  `json:"text,omitempty"`
	Image   *imagePayload `json:"image,omitempty"`
}

type streamRef struct {
	ID string `json:"id"`
}

type eventPayload struct {
	EventType string `json:"eventtype"`
}

// streamReply is the plaintext passive reply: the platform renders Content
// and keeps polling until Finish.
type streamReply struct {
	MsgType string      `json:"msgtype"`
	Stream  streamState `json:"stream"`
}

type streamState struct {
	ID      string    `json:"id"`
	Finish  bool      `json:"finish"`
	Content string    `json:"content"`
	MsgItem []msgItem `json:"msg_item,omitempty"`
}

type msgItem struct {
	MsgType string    `json:"msgtype"`
	Image   imageItem `json:"image"`
}

type imageItem struct {
	Base64 string `json:"base64"`
	MD5    string `json:"md5"`
}

// encryptedEnvelope is the sealed passive-reply body.
type encryptedEnvelope struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    int64  `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// WebhookHandler returns the HTTP handler for the robot callback URL. GET is
// the console's URL-verification handshake; POST carries encrypted pushes.
// Pushes are answered synchronously with an encrypted stream payload — the
// HTTP response is the only reply path the platform offers.
func (c *Channel) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			c.handleVerify(w, r)
		case http.MethodPost:
			c.handlePush(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// handleVerify answers the console's URL check: verify the signature over
// echostr, decrypt it, and echo the plaintext back.
func (c *Channel) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	echo := q.Get("echostr")
	if !c.codec.Verify(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), echo) {
		slog.Warn("wework verify signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}
	plain, err := c.codec.Decrypt(echo)
	if err != nil {
		slog.Warn("wework echostr decrypt failed", "error", err)
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}
	w.Write(plain)
}

func (c *Channel) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var wrapped struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Encrypt == "" {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	if !c.codec.Verify(q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), wrapped.Encrypt) {
		slog.Warn("wework push signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	plain, err := c.codec.Decrypt(wrapped.Encrypt)
	if err != nil {
		slog.Warn("wework push decrypt failed", "error", err)
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}
	var ev callback
	if err := json.Unmarshal(plain, &ev); err != nil {
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}

	switch ev.MsgType {
	case "stream":
		c.handleRefresh(w, &ev)
	case "event":
		// Presence events (enter_chat and friends) need only an ack.
		w.WriteHeader(http.StatusOK)
	default:
		c.handleInbound(w, &ev)
	}
}

// handleRefresh answers a poll for stream content.
func (c *Channel) handleRefresh(w http.ResponseWriter, ev *callback) {
	if ev.Stream == nil || ev.Stream.ID == "" {
		http.Error(w, "missing stream id", http.StatusBadRequest)
		return
	}
	rep := c.streams.Refresh(ev.Stream.ID)
	out := streamReply{MsgType: "stream", Stream: streamState{
		ID:      ev.Stream.ID,
		Finish:  rep.Finished,
		Content: rep.Content,
	}}
	for _, img := range rep.Images {
		out.Stream.MsgItem = append(out.Stream.MsgItem, msgItem{
			MsgType: "image",
			Image:   imageItem{Base64: img.B64, MD5: img.MD5},
		})
	}
	c.writeEncrypted(w, out)
}

// handleInbound opens a stream session for a user message, acks with the
// stream id, and dispatches the normalized message to the gateway.
func (c *Channel) handleInbound(w http.ResponseWriter, ev *callback) {
	if ev.MsgID == "" || ev.From.UserID == "" {
		http.Error(w, "missing ids", http.StatusBadRequest)
		return
	}
	// Gate before opening a stream: a session for a rejected sender would
	// poll into a timeout notice.
	if !c.IsAllowed(ev.From.UserID) && !c.IsAllowed(bus.PrefixUserID("wework", ev.From.UserID)) {
		slog.Debug("wework sender not in allowlist", "user", ev.From.UserID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if c.isDuplicate(ev.MsgID) {
		// Redelivery of a push already being processed; the original
		// stream session is still answering refreshes.
		w.WriteHeader(http.StatusOK)
		return
	}

	chatID := ev.ChatID
	if chatID == "" {
		chatID = ev.From.UserID // single-chat pushes carry no chat id
	}
	s := c.streams.Open(chatID, ev.From.UserID, ev.MsgID, ev.ResponseURL)

	msg := normalizeCallback(ev, chatID, s.ID)
	c.writeEncrypted(w, streamReply{
		MsgType: "stream",
		Stream:  streamState{ID: s.ID, Finish: false, Content: ""},
	})
	go c.HandleMessage(c.intakeContext(), msg)
}

// writeEncrypted seals a passive reply into the signed envelope.
func (c *Channel) writeEncrypted(w http.ResponseWriter, payload any) {
	plain, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "marshal reply", http.StatusInternalServerError)
		return
	}
	enc, err := c.codec.Encrypt(plain)
	if err != nil {
		slog.Error("wework reply encrypt failed", "error", err)
		http.Error(w, "encrypt reply", http.StatusInternalServerError)
		return
	}
	now := time.Now().Unix()
	nonce := randNonce()
	env := encryptedEnvelope{
		Encrypt:      enc,
		MsgSignature: c.codec.Signature(strconv.FormatInt(now, 10), nonce, enc),
		Timestamp:    now,
		Nonce:        nonce,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func randNonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// normalizeCallback converts a decrypted push into the bus envelope. Media
// URLs serve ciphertext, so images are flagged aes_encrypted for the
// download path. The stream id rides in metadata so the turn can be traced
// back to its session.
func normalizeCallback(ev *callback, chatID, streamID string) *bus.UnifiedMessage {
	content := bus.MessageContent{}
	switch ev.MsgType {
	case "text":
		if ev.Text != nil {
			content.Text = strings.TrimSpace(ev.Text.Content)
		}
	case "image":
		if ev.Image != nil {
			content.Images = append(content.Images, encryptedImage(ev.MsgID, 0, ev.Image.URL))
		}
	case "mixed":
		if ev.Mixed != nil {
			var parts []string
			for i, item := range ev.Mixed.MsgItem {
				switch item.MsgType {
				case "text":
					if item.Text != nil {
						parts = append(parts, item.Text.Content)
					}
				case "image":
					if item.Image != nil {
						content.Images = append(content.Images, encryptedImage(ev.MsgID, i, item.Image.URL))
					}
				}
			}
			content.Text = strings.TrimSpace(strings.Join(parts, "\n"))
		}
	default:
		content.Text = fmt.Sprintf("[%s message]", ev.MsgType)
	}

	chatType := bus.ChatPrivate
	if ev.ChatType == "group" {
		chatType = bus.ChatGroup
	}

	m := bus.NewUnifiedMessage(uuid.NewString(), "wework", ev.From.UserID, chatID, chatType, content)
	m.MessageID = ev.MsgID
	m.Raw = ev
	m.SetMeta(bus.MetaStreamID, streamID)
	return m
}

func encryptedImage(msgID string, idx int, url string) bus.MediaFile {
	return bus.MediaFile{
		ID:           fmt.Sprintf("%s-%d", msgID, idx),
		FileName:     fmt.Sprintf("wework_image_%s_%d.jpg", msgID, idx),
		MimeType:     "image/jpeg",
		URL:          url,
		Status:       bus.MediaPending,
		AESEncrypted: true,
	}
}
