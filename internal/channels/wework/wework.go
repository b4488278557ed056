// Package wework implements the WeChat Work (WeCom) smart-robot adapter.
// The platform pushes encrypted JSON callbacks to the webhook handler and
// has no direct send API: replies land in a per-conversation stream buffer
// that the platform drains through refresh callbacks, with a one-shot
// response_url as the fallback for replies that missed their stream.
package wework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
	"github.com/xiaoyubing999/openakita-sub001/internal/stream"
)

const (
	mediaMaxBytes int64 = 20 * 1024 * 1024
	dedupTTL            = 5 * time.Minute
)

// Channel connects to WeCom. Inbound pushes arrive through the webhook
// handler (mounted on the gateway HTTP server); the stream manager owns the
// buffered replies the platform polls for.
type Channel struct {
	*channels.BaseChannel
	cfg     config.WeWorkConfig
	codec   *codec
	streams *stream.Manager
	httpc   *http.Client

	dedup sync.Map // msgid → time.Time

	mu        sync.Mutex
	intakeCtx context.Context // set by Start, used by webhook dispatch
}

// New creates the WeCom adapter. The stream manager is owned by the channel
// and closed on Stop; opts tune its settle delay and hard timeout.
func New(cfg config.WeWorkConfig, opts ...stream.ManagerOption) (*Channel, error) {
	if cfg.Token == "" || cfg.EncodingAESKey == "" {
		return nil, fmt.Errorf("wework token and aes key are empty (set OPENAKITA_WEWORK_TOKEN / OPENAKITA_WEWORK_AES_KEY)")
	}
	// Smart-robot callbacks carry an empty receive id.
	cd, err := newCodec(cfg.Token, cfg.EncodingAESKey, "")
	if err != nil {
		return nil, fmt.Errorf("wework callback crypto: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("wework", 0, cfg.AllowedIDs),
		cfg:         cfg,
		codec:       cd,
		streams:     stream.NewManager(opts...),
		httpc:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Streams exposes the reply state machine for status introspection.
func (c *Channel) Streams() *stream.Manager { return c.streams }

// Start marks the channel running. Pushes are delivered as soon as the
// webhook route is mounted; there is no connection to establish.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting wework bot")
	c.mu.Lock()
	c.intakeCtx = ctx
	c.mu.Unlock()
	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped and shuts down the stream sweeper. Open
// sessions answer their remaining refreshes as tombstones.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping wework bot")
	c.SetRunning(false)
	c.streams.Close()
	return nil
}

// Send routes reply text into the open stream session for the conversation;
// the platform pulls it from there on its next refresh callback. Image
// attachments are queued on the same session. When no session is open
// anymore (stream timed out or already finalized) the one-shot response_url
// is used instead.
func (c *Channel) Send(ctx context.Context, out *bus.OutgoingMessage) (string, error) {
	userID := out.Meta(bus.MetaChannelUserID)

	for i := range out.Content.Images {
		img := &out.Content.Images[i]
		if img.LocalPath == "" {
			continue
		}
		if err := c.enqueueImage(out, img, userID); err != nil {
			slog.Warn("wework image enqueue failed", "file", img.FileName, "error", err)
		}
	}

	text := out.Content.Text
	if text == "" && len(out.Content.Images) == 0 {
		text = out.Content.PlainText()
	}
	if text == "" {
		return "", nil
	}

	// Progress chatter appends into the live stream without settling it.
	// It never consumes the one-shot response_url; without a stream it is
	// simply dropped.
	if out.Meta(bus.MetaEphemeral) != "" {
		if !c.streams.AppendText(out.ReplyTo, out.ChatID, userID, text) {
			slog.Debug("wework progress dropped, no open stream", "chat", out.ChatID)
		}
		return "", nil
	}

	if c.streams.WriteText(out.ReplyTo, out.ChatID, userID, text) {
		return "", nil
	}

	url, ok := c.streams.TakeResponseURL(out.ReplyTo, out.ChatID, userID)
	if !ok {
		return "", fmt.Errorf("wework: no open stream or response_url for chat %s", out.ChatID)
	}
	return "", c.postResponseURL(ctx, url, text)
}

// DownloadMedia fetches an inbound media URL to a temp file. Robot media
// URLs serve ciphertext sealed with the callback key, so the payload is
// decrypted before it lands on disk.
func (c *Channel) DownloadMedia(ctx context.Context, f *bus.MediaFile) (string, error) {
	if f.URL == "" {
		return "", fmt.Errorf("media %s has no url", f.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > mediaMaxBytes {
		return "", fmt.Errorf("media %s exceeds %d bytes", f.ID, mediaMaxBytes)
	}

	if f.AESEncrypted {
		if data, err = c.codec.DecryptRaw(data); err != nil {
			return "", fmt.Errorf("decrypt media: %w", err)
		}
	}

	tmp, err := os.CreateTemp("", "openakita_media_*"+extForMime(http.DetectContentType(data)))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (c *Channel) enqueueImage(out *bus.OutgoingMessage, f *bus.MediaFile, userID string) error {
	data, err := os.ReadFile(f.LocalPath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	img, err := stream.PrepareImage(data)
	if err != nil {
		return err
	}
	found, err := c.streams.EnqueueImage(out.ReplyTo, out.ChatID, userID, img)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no open stream for image")
	}
	return nil
}

// postResponseURL delivers text through the one-shot fallback webhook.
func (c *Channel) postResponseURL(ctx context.Context, url, text string) error {
	if err := c.Throttle(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post response_url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("response_url status %d", resp.StatusCode)
	}
	var res struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.ErrCode != 0 {
		return fmt.Errorf("response_url error %d: %s", res.ErrCode, res.ErrMsg)
	}
	return nil
}

// isDuplicate reports whether the msgid was already processed. The platform
// redelivers pushes it considers unanswered, and the original stream session
// keeps serving refreshes, so redeliveries only need an ack.
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

func (c *Channel) intakeContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intakeCtx != nil {
		return c.intakeCtx
	}
	return context.Background()
}

func extForMime(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
