package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

const (
	// mediaMaxBytes is the Bot API download limit (20MB).
	mediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3
)

// Send delivers one outbound message and returns the Telegram message id.
func (c *Channel) Send(ctx context.Context, out *bus.OutgoingMessage) (string, error) {
	chatID, err := parseChatID(out.ChatID)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", out.ChatID, err)
	}

	text := out.Content.Text
	if text == "" {
		text = out.Content.PlainText()
	}
	if text == "" {
		return "", nil
	}

	if err := c.Throttle(ctx); err != nil {
		return "", err
	}

	params := tu.Message(tu.ID(chatID), text)
	switch out.ParseMode {
	case bus.ParseMarkdown:
		params.ParseMode = telego.ModeMarkdown
	case bus.ParseHTML:
		params.ParseMode = telego.ModeHTML
	}
	if out.Silent {
		params.DisableNotification = true
	}
	if out.DisablePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}
	if replyTo, err := strconv.Atoi(out.ReplyTo); err == nil && replyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{
			MessageID:                replyTo,
			AllowSendingWithoutReply: true,
		}
	}
	if threadID, err := strconv.Atoi(out.ThreadID); err == nil {
		if id := resolveThreadIDForSend(threadID); id > 0 {
			params.MessageThreadID = id
		}
	}

	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendTyping shows the typing indicator. Telegram expires it after a few
// seconds; the gateway re-sends on its keepalive interval.
func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

// DownloadMedia fetches one attachment by its Telegram file handle and
// returns the local cache path.
func (c *Channel) DownloadMedia(ctx context.Context, f *bus.MediaFile) (string, error) {
	if f.FileID == "" {
		return "", fmt.Errorf("media %s has no telegram file id", f.ID)
	}

	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: f.FileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file id %s", f.FileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, mediaMaxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "openakita_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > mediaMaxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmp.Name(), nil
}
