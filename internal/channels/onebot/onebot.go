// Package onebot implements a OneBot v11 adapter over a forward websocket:
// the process dials a running implementation (NapCat, Lagrange, go-cqhttp)
// and exchanges action/event JSON on one connection.
package onebot

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
	actionTimeout       = 10 * time.Second
	mediaMaxBytes int64 = 20 * 1024 * 1024

	// Group chat ids are prefixed so Send can tell the two numeric id
	// spaces apart; private chat ids stay bare.
	groupChatPrefix = "g"
)

// Channel is the OneBot adapter.
type Channel struct {
	*channels.BaseChannel

	cfg    config.OneBotConfig
	selfID atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan *event

	httpc *http.Client
}

// New builds the adapter from config.
func New(cfg config.OneBotConfig) (*Channel, error) {
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("onebot ws_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("onebot", 0, cfg.AllowedIDs),
		cfg:         cfg,
		pending:     make(map[string]chan *event),
		httpc:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Start connects to the implementation and begins reading events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting onebot channel", "ws_url", c.cfg.WSURL)
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// The listen loop keeps retrying.
		slog.Warn("initial onebot connection failed, will retry", "error", err)
	}
	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop closes the connection and stops the listen loop.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	c.SetRunning(false)
	return nil
}

func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	var header http.Header
	if c.cfg.AccessToken != "" {
		header = http.Header{"Authorization": {"Bearer " + c.cfg.AccessToken}}
	}

	conn, _, err := dialer.Dial(c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("dial onebot %s: %w", c.cfg.WSURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("onebot connected", "ws_url", c.cfg.WSURL)
	return nil
}

// listenLoop reads frames with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting onebot reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				slog.Warn("onebot reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("onebot read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("onebot frame unparseable", "error", err)
		return
	}
	if ev.SelfID != 0 {
		c.selfID.Store(ev.SelfID)
	}

	// Action responses route back to the waiting caller.
	if ev.Echo != "" {
		c.pendingMu.Lock()
		ch := c.pending[ev.Echo]
		c.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- &ev:
			default:
			}
		}
		return
	}

	switch ev.PostType {
	case "message":
		if msg := c.normalize(&ev); msg != nil {
			go c.HandleMessage(c.ctx, msg)
		}
	case "meta_event":
		if ev.MetaEventType == "lifecycle" {
			slog.Info("onebot lifecycle event", "sub_type", ev.SubType, "self_id", ev.SelfID)
		}
	case "notice", "request":
		slog.Debug("onebot event ignored", "post_type", ev.PostType)
	}
}

// normalize turns a message event into a bus envelope. Group messages that
// do not @-mention the bot are dropped, mirroring the other group channels.
func (c *Channel) normalize(ev *event) *bus.UnifiedMessage {
	if ev.UserID == 0 {
		return nil
	}

	msgID := ev.MessageID.String()
	selfID := strconv.FormatInt(c.selfID.Load(), 10)
	in := collectSegments(parseSegments(ev), msgID, selfID)

	chatID := strconv.FormatInt(ev.UserID, 10)
	chatType := bus.ChatPrivate
	if ev.MessageType == "group" {
		if !in.MentionedSelf {
			slog.Debug("onebot group message without mention ignored", "group_id", ev.GroupID)
			return nil
		}
		chatID = groupChatPrefix + strconv.FormatInt(ev.GroupID, 10)
		chatType = bus.ChatGroup
	}

	content := bus.MessageContent{Text: in.Text, Images: in.Images, Voices: in.Voices}
	if content.IsEmpty() {
		return nil
	}

	msg := bus.NewUnifiedMessage(uuid.NewString(), "onebot", strconv.FormatInt(ev.UserID, 10), chatID, chatType, content)
	msg.MessageID = msgID
	msg.Raw = ev
	if in.ReplyID != "" {
		msg.SetMeta("reply_to", in.ReplyID)
	}
	return msg
}

// Send delivers a message through send_private_msg or send_group_msg,
// waiting for the action response to return the platform message id.
func (c *Channel) Send(ctx context.Context, out *bus.OutgoingMessage) (string, error) {
	segs := buildSegments(out)
	if len(segs) == 0 {
		return "", nil
	}

	var act action
	if gid, ok := strings.CutPrefix(out.ChatID, groupChatPrefix); ok && isDigits(gid) {
		id, _ := strconv.ParseInt(gid, 10, 64)
		act = action{Action: "send_group_msg", Params: map[string]any{"group_id": id, "message": segs}}
	} else {
		id, err := strconv.ParseInt(out.ChatID, 10, 64)
		if err != nil {
			return "", fmt.Errorf("onebot: chat id %q is not numeric", out.ChatID)
		}
		act = action{Action: "send_private_msg", Params: map[string]any{"user_id": id, "message": segs}}
	}

	if err := c.Throttle(ctx); err != nil {
		return "", err
	}
	resp, err := c.call(ctx, act)
	if err != nil {
		return "", err
	}

	var result struct {
		MessageID json.Number `json:"message_id"`
	}
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &result)
	}
	return result.MessageID.String(), nil
}

// call writes one action frame and waits for its echoed response.
func (c *Channel) call(ctx context.Context, act action) (*event, error) {
	act.Echo = uuid.NewString()

	ch := make(chan *event, 1)
	c.pendingMu.Lock()
	c.pending[act.Echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, act.Echo)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(act)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("onebot not connected")
	}
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onebot %s: %w", act.Action, err)
	}

	select {
	case resp := <-ch:
		if resp.Status == "failed" {
			return nil, fmt.Errorf("onebot %s failed: retcode %d", act.Action, resp.Retcode)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(actionTimeout):
		return nil, fmt.Errorf("onebot %s: response timeout", act.Action)
	}
}

// DownloadMedia fetches a media URL into a temp file. Image and record
// segments carry direct CDN URLs.
func (c *Channel) DownloadMedia(ctx context.Context, f *bus.MediaFile) (string, error) {
	if f.URL == "" {
		return "", fmt.Errorf("onebot: media %s has no url", f.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("onebot media download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("onebot media download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("onebot media read: %w", err)
	}
	if int64(len(data)) > mediaMaxBytes {
		return "", fmt.Errorf("onebot media exceeds %d bytes", mediaMaxBytes)
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

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
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
