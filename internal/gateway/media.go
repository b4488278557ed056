package gateway

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

// voiceFailedMarker stands in for a transcript when recognition fails, so
// the model still sees that a voice message arrived.
const voiceFailedMarker = "[voice recognition failed]"

// preprocessMedia downloads every attachment and transcribes voices, bounded
// by the gateway-wide media semaphore. Text mutation happens sequentially
// after the concurrent phase so replace-or-append order is deterministic.
// Images land in session metadata as base64 blocks for multimodal endpoints.
func (g *Gateway) preprocessMedia(ctx context.Context, key string, msg *bus.UnifiedMessage) {
	c := &msg.Content
	groups := [][]bus.MediaFile{c.Images, c.Voices, c.Videos, c.Files}
	total := 0
	for _, grp := range groups {
		total += len(grp)
	}
	if total == 0 {
		return
	}

	eg, egCtx := errgroup.WithContext(ctx)
	transcripts := make([]string, len(c.Voices))
	for _, grp := range groups {
		for i := range grp {
			f := &grp[i]
			eg.Go(func() error {
				select {
				case g.mediaSem <- struct{}{}:
				case <-egCtx.Done():
					return nil
				}
				defer func() { <-g.mediaSem }()
				g.downloadMedia(egCtx, msg.Channel, f)
				return nil
			})
		}
	}
	_ = eg.Wait()

	// Transcription also runs under the semaphore, one slot per voice.
	eg, egCtx = errgroup.WithContext(ctx)
	for i := range c.Voices {
		v := &c.Voices[i]
		eg.Go(func() error {
			select {
			case g.mediaSem <- struct{}{}:
			case <-egCtx.Done():
				return nil
			}
			defer func() { <-g.mediaSem }()
			text, err := g.stt.Transcribe(egCtx, v.LocalPath)
			if err != nil {
				slog.Warn("voice transcription failed", "session", key, "file", v.ID, "error", err)
				return nil
			}
			transcripts[i] = text
			return nil
		})
	}
	_ = eg.Wait()

	for i := range c.Voices {
		v := &c.Voices[i]
		if !g.stt.Enabled() || v.LocalPath == "" {
			continue
		}
		t := transcripts[i]
		if t == "" {
			t = voiceFailedMarker
		}
		applyVoiceText(c, t)
		v.Status = bus.MediaProcessed
	}

	for i := range c.Files {
		f := &c.Files[i]
		if f.LocalPath == "" {
			continue
		}
		text, err := extractFileText(f.LocalPath, f.FileName)
		if err != nil {
			slog.Warn("document extraction failed", "session", key, "file", f.FileName, "error", err)
			continue
		}
		if text != "" {
			f.ExtractedText = text
			f.Status = bus.MediaProcessed
		}
	}

	g.stashImages(key, c.Images)
}

// applyVoiceText merges a transcript into the message text: it replaces the
// text when that was empty or the adapter's auto "[voice…" placeholder, and
// appends otherwise.
func applyVoiceText(c *bus.MessageContent, transcript string) {
	t := strings.TrimSpace(c.Text)
	if t == "" || strings.HasPrefix(t, "[voice") {
		c.Text = transcript
		return
	}
	c.Text = t + "\n[voice content: " + transcript + "]"
}

// downloadMedia fetches one file through the channel's downloader
// capability. Files already cached, or channels without the capability,
// pass through untouched; hard failures mark the file failed and move on.
func (g *Gateway) downloadMedia(ctx context.Context, channel string, f *bus.MediaFile) {
	if f.LocalPath != "" && f.IsReady() {
		return
	}
	ch, ok := g.channels.Get(channel)
	if !ok {
		return
	}
	dl, ok := ch.(channels.MediaDownloader)
	if !ok {
		return
	}
	path, err := dl.DownloadMedia(ctx, f)
	if err != nil {
		if !channels.IsNotSupported(err) {
			slog.Warn("media download failed", "channel", channel, "file", f.ID, "error", err)
			f.Status = bus.MediaFailed
		}
		return
	}
	f.LocalPath = path
	if f.Status == bus.MediaPending || f.Status == bus.MediaDownloading {
		f.Status = bus.MediaReady
	}
}

// stashImages appends downloaded images to the session's pending_images
// metadata as base64 blocks. The agent consumes and clears the queue when
// it builds the next model request.
func (g *Gateway) stashImages(key string, images []bus.MediaFile) {
	var blocks []providers.Block
	for i := range images {
		f := &images[i]
		if f.LocalPath == "" {
			continue
		}
		data, err := os.ReadFile(f.LocalPath)
		if err != nil {
			slog.Warn("reading cached image failed", "file", f.LocalPath, "error", err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		mime := f.MimeType
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		blocks = append(blocks, providers.ImageBlock(mime, base64.StdEncoding.EncodeToString(data)))
		f.Status = bus.MediaProcessed
	}
	if len(blocks) == 0 {
		return
	}
	if prev, ok := g.sessions.Meta(key, sessions.MetaPendingImages); ok {
		if pb, ok := prev.([]providers.Block); ok {
			blocks = append(pb, blocks...)
		}
	}
	g.sessions.SetMeta(key, sessions.MetaPendingImages, blocks)
}

// takePendingImages consumes the queued image blocks for one turn.
func (g *Gateway) takePendingImages(key string) []providers.Block {
	v, ok := g.sessions.Meta(key, sessions.MetaPendingImages)
	if !ok {
		return nil
	}
	g.sessions.DeleteMeta(key, sessions.MetaPendingImages)
	blocks, _ := v.([]providers.Block)
	return blocks
}
