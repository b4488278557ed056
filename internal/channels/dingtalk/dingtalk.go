// Package dingtalk implements the DingTalk robot adapter in stream mode:
// the process dials out to the open platform over websocket, so no public
// callback URL is needed. Replies go to the per-conversation session
// webhook the platform hands out with each inbound message.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

const (
	mediaMaxBytes int64 = 20 * 1024 * 1024
	dedupTTL            = 5 * time.Minute
)

// Channel is the DingTalk adapter.
type Channel struct {
	*channels.BaseChannel

	cfg config.DingTalkConfig
	api *apiClient

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	whMu     sync.Mutex
	webhooks map[string]replyWebhook

	dedup sync.Map
}

// replyWebhook is the short-lived per-conversation reply URL.
type replyWebhook struct {
	url string
	exp time.Time
}

// New builds the adapter from config. ClientID and ClientSecret come from
// the environment (OPENAKITA_DINGTALK_CLIENT_ID / _CLIENT_SECRET).
func New(cfg config.DingTalkConfig) (*Channel, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("dingtalk client id and secret are empty (set OPENAKITA_DINGTALK_CLIENT_ID / OPENAKITA_DINGTALK_CLIENT_SECRET)")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("dingtalk", 0, cfg.AllowedIDs),
		cfg:         cfg,
		api:         newAPIClient(cfg.ClientID, cfg.ClientSecret, ""),
		webhooks:    make(map[string]replyWebhook),
	}, nil
}

// Start opens the stream connection and begins reading frames.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("dingtalk channel already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	slog.Info("starting dingtalk bot", "client_id", c.cfg.ClientID)
	c.wg.Add(1)
	go c.runLoop(runCtx)
	c.SetRunning(true)
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
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
		conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
	c.SetRunning(false)
	return nil
}

// botMessage is the chatbot callback payload (topic /v1.0/im/bot/messages/get).
type botMessage struct {
	MsgID                     string      `json:"msgId"`
	MsgType                   string      `json:"msgtype"`
	Text                      *botText    `json:"text"`
	Content                   *botContent `json:"content"`
	ConversationID            string      `json:"conversationId"`
	ConversationType          string      `json:"conversationType"` // "1" single, "2" group
	ConversationTitle         string      `json:"conversationTitle"`
	SenderID                  string      `json:"senderId"`
	SenderNick                string      `json:"senderNick"`
	SenderStaffID             string      `json:"senderStaffId"`
	RobotCode                 string      `json:"robotCode"`
	SessionWebhook            string      `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64       `json:"sessionWebhookExpiredTime"` // epoch millis
	CreateAt                  int64       `json:"createAt"`
}

type botText struct {
	Content string `json:"content"`
}

// botContent covers the media payload shapes: picture/audio/video/file
// carry a downloadCode, richText nests text and picture nodes.
type botContent struct {
	DownloadCode string     `json:"downloadCode"`
	FileName     string     `json:"fileName"`
	Recognition  string     `json:"recognition"` // platform ASR for audio
	RichText     []richNode `json:"richText"`
}

type richNode struct {
	Text         string `json:"text"`
	Type         string `json:"type"`
	DownloadCode string `json:"downloadCode"`
}

// handleBotMessage parses a callback payload and dispatches it. Runs on the
// read loop; the handler itself is forked so slow turns never stall acks.
func (c *Channel) handleBotMessage(ctx context.Context, data string) {
	var m botMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		slog.Warn("dingtalk callback unparseable", "error", err)
		return
	}
	if m.MsgID == "" || m.ConversationID == "" {
		slog.Warn("dingtalk callback missing ids")
		return
	}
	if c.isDuplicate(m.MsgID) {
		slog.Debug("dingtalk duplicate push ignored", "msg_id", m.MsgID)
		return
	}

	if m.SessionWebhook != "" {
		c.storeWebhook(m.ConversationID, m.SessionWebhook, m.SessionWebhookExpiredTime)
	}

	msg := c.normalize(&m)
	go c.HandleMessage(ctx, msg)
}

func (c *Channel) normalize(m *botMessage) *bus.UnifiedMessage {
	sender := m.SenderStaffID
	if sender == "" {
		sender = m.SenderID
	}

	var content bus.MessageContent
	switch m.MsgType {
	case "text":
		if m.Text != nil {
			content.Text = strings.TrimSpace(m.Text.Content)
		}
	case "picture":
		if m.Content != nil && m.Content.DownloadCode != "" {
			content.Images = append(content.Images, c.mediaFromCode(m, m.Content.DownloadCode, 0, "image/jpeg", ""))
		}
	case "richText":
		if m.Content != nil {
			var parts []string
			for i, node := range m.Content.RichText {
				switch {
				case node.Text != "":
					parts = append(parts, node.Text)
				case node.DownloadCode != "":
					content.Images = append(content.Images, c.mediaFromCode(m, node.DownloadCode, i, "image/jpeg", ""))
				}
			}
			content.Text = strings.TrimSpace(strings.Join(parts, ""))
		}
	case "audio":
		if m.Content != nil && m.Content.DownloadCode != "" {
			voice := c.mediaFromCode(m, m.Content.DownloadCode, 0, "audio/amr", "")
			voice.Transcription = m.Content.Recognition
			content.Voices = append(content.Voices, voice)
		}
	case "video":
		if m.Content != nil && m.Content.DownloadCode != "" {
			content.Videos = append(content.Videos, c.mediaFromCode(m, m.Content.DownloadCode, 0, "video/mp4", ""))
		}
	case "file":
		if m.Content != nil && m.Content.DownloadCode != "" {
			content.Files = append(content.Files, c.mediaFromCode(m, m.Content.DownloadCode, 0, "application/octet-stream", m.Content.FileName))
		}
	default:
		content.Text = fmt.Sprintf("[%s message]", m.MsgType)
	}

	chatType := bus.ChatPrivate
	if m.ConversationType == "2" {
		chatType = bus.ChatGroup
	}

	msg := bus.NewUnifiedMessage(uuid.NewString(), "dingtalk", sender, m.ConversationID, chatType, content)
	msg.MessageID = m.MsgID
	msg.Raw = m
	return msg
}

// mediaFromCode packs the download code and robot code into the FileID
// handle; DownloadMedia unpacks them for the exchange API.
func (c *Channel) mediaFromCode(m *botMessage, code string, idx int, mime, name string) bus.MediaFile {
	robot := m.RobotCode
	if robot == "" {
		robot = c.cfg.ClientID
	}
	if name == "" {
		name = fmt.Sprintf("dingtalk_%s_%d", m.MsgID, idx)
	}
	return bus.MediaFile{
		ID:       fmt.Sprintf("%s-%d", m.MsgID, idx),
		FileName: name,
		MimeType: mime,
		FileID:   code + "|" + robot,
		Status:   bus.MediaPending,
	}
}

func (c *Channel) storeWebhook(conversationID, url string, expMillis int64) {
	exp := time.UnixMilli(expMillis)
	if expMillis == 0 {
		exp = time.Now().Add(90 * time.Minute)
	}

	c.whMu.Lock()
	defer c.whMu.Unlock()
	if len(c.webhooks) > 64 {
		now := time.Now()
		for k, wh := range c.webhooks {
			if now.After(wh.exp) {
				delete(c.webhooks, k)
			}
		}
	}
	c.webhooks[conversationID] = replyWebhook{url: url, exp: exp}
}

func (c *Channel) liveWebhook(conversationID string) (string, bool) {
	c.whMu.Lock()
	defer c.whMu.Unlock()
	wh, ok := c.webhooks[conversationID]
	if !ok || time.Now().After(wh.exp) {
		return "", false
	}
	return wh.url, true
}

// Send posts a reply to the conversation's session webhook. Markdown is
// used when the message asks for it or carries image URLs; DingTalk session
// webhooks cannot take local file uploads, so path-only images are dropped.
func (c *Channel) Send(ctx context.Context, out *bus.OutgoingMessage) (string, error) {
	url, ok := c.liveWebhook(out.ChatID)
	if !ok {
		return "", fmt.Errorf("dingtalk: no live session webhook for conversation %s", out.ChatID)
	}

	text := out.Content.Text
	if text == "" && len(out.Content.Images) == 0 {
		text = out.Content.PlainText()
	}

	var imageLines []string
	for _, f := range out.Content.Images {
		if f.URL != "" {
			imageLines = append(imageLines, fmt.Sprintf("![%s](%s)", f.FileName, f.URL))
		} else {
			slog.Warn("dingtalk cannot upload local image, skipping", "file", f.FileName)
		}
	}
	if text == "" && len(imageLines) == 0 {
		return "", nil
	}

	var payload any
	if out.ParseMode == bus.ParseMarkdown || len(imageLines) > 0 {
		body := text
		if len(imageLines) > 0 {
			body = strings.TrimSpace(body + "\n" + strings.Join(imageLines, "\n"))
		}
		payload = map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]string{"title": markdownTitle(text), "text": body},
		}
	} else {
		payload = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	}

	if err := c.Throttle(ctx); err != nil {
		return "", err
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dingtalk session webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dingtalk session webhook: status %d", resp.StatusCode)
	}
	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("dingtalk session webhook decode: %w", err)
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("dingtalk session webhook: errcode=%d errmsg=%s", result.ErrCode, result.ErrMsg)
	}
	return "", nil
}

// markdownTitle derives the notification title from the first reply line.
func markdownTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	runes := []rune(strings.TrimSpace(line))
	if len(runes) == 0 {
		return "message"
	}
	if len(runes) > 64 {
		runes = runes[:64]
	}
	return string(runes)
}

// DownloadMedia exchanges the packed download code for a short-lived URL
// and fetches the file into a temp path.
func (c *Channel) DownloadMedia(ctx context.Context, f *bus.MediaFile) (string, error) {
	code, robot, ok := strings.Cut(f.FileID, "|")
	if !ok || code == "" {
		return "", fmt.Errorf("dingtalk: media %s has no download code", f.ID)
	}

	url, err := c.api.downloadURL(ctx, code, robot)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.api.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dingtalk media download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dingtalk media download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("dingtalk media read: %w", err)
	}
	if int64(len(data)) > mediaMaxBytes {
		return "", fmt.Errorf("dingtalk media exceeds %d bytes", mediaMaxBytes)
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

func (c *Channel) isDuplicate(id string) bool {
	_, loaded := c.dedup.LoadOrStore(id, time.Now())
	if !loaded {
		go func() {
			time.Sleep(dedupTTL)
			c.dedup.Delete(id)
		}()
	}
	return loaded
}

func extForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mime, "image/png"):
		return ".png"
	case strings.HasPrefix(mime, "image/gif"):
		return ".gif"
	case strings.HasPrefix(mime, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(mime, "audio/"):
		return ".audio"
	default:
		return ".bin"
	}
}
