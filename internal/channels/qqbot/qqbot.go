// Package qqbot implements the QQ official bot adapter: events arrive over
// the websocket gateway (hello/identify/heartbeat), replies go out through
// the REST API as passive messages keyed by the inbound msg_id.
package qqbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

const (
	mediaMaxBytes int64 = 20 * 1024 * 1024

	// Group openids and user openids are indistinguishable strings, so
	// group chat ids carry a prefix for outbound routing.
	groupChatPrefix = "g-"

	// The platform allows a handful of passive replies per msg_id; stale
	// counters are swept after this window.
	seqTTL = 10 * time.Minute

	dedupTTL = 5 * time.Minute
)

// Channel is the QQ official bot adapter.
type Channel struct {
	*channels.BaseChannel

	cfg config.QQBotConfig
	api *apiClient

	mu      sync.Mutex
	conn    *websocket.Conn
	session string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex
	lastSeq atomic.Int64

	seqMu   sync.Mutex
	replies map[string]*replySeq

	dedup sync.Map
	httpc *http.Client
}

// replySeq counts passive replies issued against one inbound msg_id.
type replySeq struct {
	n       int64
	created time.Time
}

// New builds the adapter from config. The secret comes from the
// environment (OPENAKITA_QQBOT_SECRET).
func New(cfg config.QQBotConfig) (*Channel, error) {
	if cfg.AppID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("qqbot app id and secret are required (set app_id and OPENAKITA_QQBOT_SECRET)")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("qqbot", 0, cfg.AllowedIDs),
		cfg:         cfg,
		api:         newAPIClient(cfg.AppID, cfg.Secret, cfg.Sandbox),
		replies:     make(map[string]*replySeq),
		httpc:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Start connects to the gateway and begins reading dispatches.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("qqbot channel already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	slog.Info("starting qqbot", "app_id", c.cfg.AppID, "sandbox", c.cfg.Sandbox)
	c.wg.Add(1)
	go c.runLoop(runCtx)
	c.SetRunning(true)
	return nil
}

// Stop closes the gateway connection and waits for the read loop.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.SetRunning(false)
	return nil
}

// messageEvent is the C2C_MESSAGE_CREATE / GROUP_AT_MESSAGE_CREATE payload.
type messageEvent struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	Timestamp   string       `json:"timestamp"`
	GroupOpenID string       `json:"group_openid"`
	Author      eventAuthor  `json:"author"`
	Attachments []attachment `json:"attachments"`
}

type eventAuthor struct {
	ID           string `json:"id"`
	UserOpenID   string `json:"user_openid"`
	MemberOpenID string `json:"member_openid"`
}

type attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

func (c *Channel) handleMessageEvent(ctx context.Context, data json.RawMessage, group bool) {
	var ev messageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("qqbot message event unparseable", "error", err)
		return
	}
	// Resume replays dispatches the connection already saw.
	if ev.ID != "" && c.isDuplicate(ev.ID) {
		slog.Debug("qqbot duplicate event dropped", "id", ev.ID)
		return
	}
	msg := c.normalize(&ev, group)
	if msg == nil {
		return
	}
	go c.HandleMessage(ctx, msg)
}

func (c *Channel) isDuplicate(id string) bool {
	if _, loaded := c.dedup.LoadOrStore(id, struct{}{}); loaded {
		return true
	}
	go func() {
		time.Sleep(dedupTTL)
		c.dedup.Delete(id)
	}()
	return false
}

func (c *Channel) normalize(ev *messageEvent, group bool) *bus.UnifiedMessage {
	sender := ev.Author.UserOpenID
	if group {
		sender = ev.Author.MemberOpenID
	}
	if sender == "" {
		sender = ev.Author.ID
	}
	if ev.ID == "" || sender == "" {
		slog.Warn("qqbot event missing ids")
		return nil
	}

	chatID := sender
	chatType := bus.ChatPrivate
	if group {
		if ev.GroupOpenID == "" {
			slog.Warn("qqbot group event without group_openid")
			return nil
		}
		chatID = groupChatPrefix + ev.GroupOpenID
		chatType = bus.ChatGroup
	}

	// The platform strips the bot mention and leaves leading whitespace.
	content := bus.MessageContent{Text: strings.TrimSpace(ev.Content)}
	for i, att := range ev.Attachments {
		f := bus.MediaFile{
			ID:       fmt.Sprintf("%s-%d", ev.ID, i),
			FileName: att.Filename,
			MimeType: att.ContentType,
			Size:     att.Size,
			URL:      attachmentURL(att.URL),
			Width:    att.Width,
			Height:   att.Height,
			Status:   bus.MediaPending,
		}
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			content.Images = append(content.Images, f)
		case strings.HasPrefix(att.ContentType, "audio/") || strings.HasPrefix(att.ContentType, "voice"):
			content.Voices = append(content.Voices, f)
		case strings.HasPrefix(att.ContentType, "video/"):
			content.Videos = append(content.Videos, f)
		default:
			content.Files = append(content.Files, f)
		}
	}
	if content.IsEmpty() {
		return nil
	}

	msg := bus.NewUnifiedMessage(uuid.NewString(), "qqbot", sender, chatID, chatType, content)
	msg.MessageID = ev.ID
	msg.Raw = ev
	return msg
}

// attachmentURL repairs scheme-less CDN links the platform hands out.
func attachmentURL(u string) string {
	if u == "" || strings.Contains(u, "://") {
		return u
	}
	return "https://" + u
}

// nextSeq returns the msg_seq for one more passive reply to msgID.
func (c *Channel) nextSeq(msgID string) int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if len(c.replies) > 256 {
		cutoff := time.Now().Add(-seqTTL)
		for k, rs := range c.replies {
			if rs.created.Before(cutoff) {
				delete(c.replies, k)
			}
		}
	}

	rs := c.replies[msgID]
	if rs == nil {
		rs = &replySeq{created: time.Now()}
		c.replies[msgID] = rs
	}
	rs.n++
	return rs.n
}

// Send delivers a reply. ReplyTo keys the passive message; without it the
// send is active and subject to the platform's push quotas. Images need a
// public URL (uploaded by reference), local-only files are skipped.
func (c *Channel) Send(ctx context.Context, out *bus.OutgoingMessage) (string, error) {
	group := false
	target := out.ChatID
	if rest, ok := strings.CutPrefix(out.ChatID, groupChatPrefix); ok {
		group = true
		target = rest
	}
	if target == "" {
		return "", fmt.Errorf("qqbot: empty chat id")
	}

	// Each post against the same msg_id needs a distinct msg_seq. A pinned
	// seq from metadata covers the first post; later posts fall back to the
	// internal counter.
	overrideSeq := int64(0)
	if out.ReplyTo != "" {
		if v := out.Meta(bus.MetaReplySeq); v != "" {
			overrideSeq, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	takeSeq := func() int64 {
		if out.ReplyTo == "" {
			return 0
		}
		if overrideSeq != 0 {
			s := overrideSeq
			overrideSeq = 0
			return s
		}
		return c.nextSeq(out.ReplyTo)
	}

	var lastID string

	text := out.Content.Text
	if text == "" && len(out.Content.Images) == 0 {
		text = out.Content.PlainText()
	}
	if text != "" {
		if err := c.Throttle(ctx); err != nil {
			return "", err
		}
		resp, err := c.post(ctx, group, target, &messageRequest{
			Content: text,
			MsgType: 0,
			MsgID:   out.ReplyTo,
			MsgSeq:  takeSeq(),
		})
		if err != nil {
			return "", err
		}
		lastID = resp.ID
	}

	for _, f := range out.Content.Images {
		if f.URL == "" {
			slog.Warn("qqbot image needs a public url, skipping", "file", f.FileName)
			continue
		}
		fileInfo, err := c.api.uploadMedia(ctx, group, target, f.URL, 1)
		if err != nil {
			slog.Warn("qqbot media upload failed", "file", f.FileName, "error", err)
			continue
		}
		if err := c.Throttle(ctx); err != nil {
			return "", err
		}
		resp, err := c.post(ctx, group, target, &messageRequest{
			MsgType: 7,
			Media:   &mediaRef{FileInfo: fileInfo},
			MsgID:   out.ReplyTo,
			MsgSeq:  takeSeq(),
		})
		if err != nil {
			return "", err
		}
		lastID = resp.ID
	}

	return lastID, nil
}

func (c *Channel) post(ctx context.Context, group bool, target string, req *messageRequest) (*messageResponse, error) {
	if group {
		return c.api.sendGroup(ctx, target, req)
	}
	return c.api.sendC2C(ctx, target, req)
}

// DownloadMedia fetches an attachment URL into a temp file.
func (c *Channel) DownloadMedia(ctx context.Context, f *bus.MediaFile) (string, error) {
	if f.URL == "" {
		return "", fmt.Errorf("qqbot: media %s has no url", f.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("qqbot media download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("qqbot media download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("qqbot media read: %w", err)
	}
	if int64(len(data)) > mediaMaxBytes {
		return "", fmt.Errorf("qqbot media exceeds %d bytes", mediaMaxBytes)
	}

	tmp, err := os.CreateTemp("", "openakita_media_*"+extForMime(http.DetectContentType(data)))
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func extForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mime, "image/png"):
		return ".png"
	case strings.HasPrefix(mime, "image/gif"):
		return ".gif"
	case strings.HasPrefix(mime, "audio/"):
		return ".audio"
	default:
		return ".bin"
	}
}
