// Package discord connects through the Discord gateway with discordgo.
// Guild and DM messages are normalized onto the bus; attachments ride along
// as URL-bearing media for the enrichment pipeline to download.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
	"github.com/xiaoyubing999/openakita-sub001/internal/config"
)

const (
	// Discord rejects messages over 2000 characters.
	maxMessageLen = 2000

	mediaMaxBytes int64 = 20 * 1024 * 1024
)

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel

	cfg       config.DiscordConfig
	session   *discordgo.Session
	botUserID string

	intakeCtx    context.Context
	intakeCancel context.CancelFunc

	httpc *http.Client
}

// New builds the adapter. The bot token comes from the environment
// (OPENAKITA_DISCORD_TOKEN).
func New(cfg config.DiscordConfig) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required (set OPENAKITA_DISCORD_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", 0, cfg.AllowedIDs),
		cfg:         cfg,
		session:     session,
		httpc:       &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.intakeCtx, c.intakeCancel = context.WithCancel(context.Background())

	c.session.AddHandler(c.onMessageCreate)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	if c.intakeCancel != nil {
		c.intakeCancel()
	}
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	// Guilds: only react when addressed, so the bot stays quiet in ambient
	// chatter.
	if m.GuildID != "" && !c.mentionsBot(m) {
		slog.Debug("discord guild message without mention skipped",
			"channel_id", m.ChannelID, "user_id", m.Author.ID)
		return
	}

	msg := c.normalize(m)
	if msg == nil {
		return
	}

	slog.Debug("discord message received",
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
		"guild", m.GuildID != "",
		"preview", channels.Truncate(msg.Content.Text, 50),
	)
	c.HandleMessage(c.intakeContext(), msg)
}

// mentionsBot reports whether a guild message addresses the bot: an explicit
// mention or a reply to one of the bot's messages.
func (c *Channel) mentionsBot(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == c.botUserID {
			return true
		}
	}
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		return m.ReferencedMessage.Author.ID == c.botUserID
	}
	return false
}

// normalize translates a gateway message into the bus envelope.
func (c *Channel) normalize(m *discordgo.MessageCreate) *bus.UnifiedMessage {
	chatType := bus.ChatPrivate
	if m.GuildID != "" {
		chatType = bus.ChatGroup
	}

	content := bus.MessageContent{Text: stripBotMention(m.Content, c.botUserID)}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		f := bus.MediaFile{
			ID:       att.ID,
			FileName: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
			URL:      att.URL,
			Width:    att.Width,
			Height:   att.Height,
			Status:   bus.MediaPending,
		}
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			content.Images = append(content.Images, f)
		case strings.HasPrefix(att.ContentType, "audio/"):
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

	msg := bus.NewUnifiedMessage(uuid.NewString(), "discord", m.Author.ID, m.ChannelID, chatType, content)
	msg.MessageID = m.ID
	msg.Timestamp = m.Timestamp
	msg.Raw = m
	if m.ReferencedMessage != nil {
		msg.ReplyTo = m.ReferencedMessage.ID
	}
	msg.SetMeta("sender_name", displayName(m))
	if m.GuildID != "" {
		msg.SetMeta("guild_id", m.GuildID)
	}
	return msg
}

// displayName picks the best available author name: server nickname, then
// global display name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// stripBotMention removes the bot's own mention tokens so the agent sees the
// request, not the addressing. Other users' mentions stay visible.
func stripBotMention(text, botID string) string {
	if botID == "" {
		return strings.TrimSpace(text)
	}
	text = strings.ReplaceAll(text, "<@"+botID+">", "")
	text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	return strings.TrimSpace(text)
}

// Send delivers a reply, chunked under the platform's message length cap.
// Local media go out as uploads on the last chunk, URL-only images as plain
// links Discord embeds on its own.
func (c *Channel) Send(ctx context.Context, out *bus.OutgoingMessage) (string, error) {
	if out.ChatID == "" {
		return "", fmt.Errorf("discord: empty chat id")
	}

	text := out.Content.Text
	if text == "" && len(out.Content.Images) == 0 && len(out.Content.Files) == 0 {
		text = out.Content.PlainText()
	}

	var links []string
	for _, f := range out.Content.Images {
		if f.LocalPath == "" && f.URL != "" {
			links = append(links, f.URL)
		}
	}
	if len(links) > 0 {
		if text != "" {
			text += "\n"
		}
		text += strings.Join(links, "\n")
	}

	files, closeFiles := c.outboundFiles(out)
	defer closeFiles()

	if text == "" && len(files) == 0 {
		return "", nil
	}

	chunks := splitMessage(text, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	var ref *discordgo.MessageReference
	if out.ReplyTo != "" {
		ref = &discordgo.MessageReference{MessageID: out.ReplyTo, ChannelID: out.ChatID}
	}

	var lastID string
	for i, chunk := range chunks {
		if err := c.Throttle(ctx); err != nil {
			return "", err
		}
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			send.Reference = ref
		}
		if i == len(chunks)-1 {
			send.Files = files
		}
		sent, err := c.session.ChannelMessageSendComplex(out.ChatID, send)
		if err != nil {
			return "", fmt.Errorf("discord send: %w", err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// outboundFiles opens local media as upload attachments. The returned func
// closes every opened file after the send.
func (c *Channel) outboundFiles(out *bus.OutgoingMessage) ([]*discordgo.File, func()) {
	var files []*discordgo.File
	var opened []io.Closer

	add := func(list []bus.MediaFile) {
		for _, f := range list {
			if f.LocalPath == "" {
				continue
			}
			r, err := os.Open(f.LocalPath)
			if err != nil {
				slog.Warn("discord attachment unreadable", "path", f.LocalPath, "error", err)
				continue
			}
			name := f.FileName
			if name == "" {
				name = filepath.Base(f.LocalPath)
			}
			files = append(files, &discordgo.File{Name: name, ContentType: f.MimeType, Reader: r})
			opened = append(opened, r)
		}
	}
	add(out.Content.Images)
	add(out.Content.Files)

	return files, func() {
		for _, f := range opened {
			f.Close()
		}
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring a
// newline break in the back half of each chunk.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for text != "" {
		cut := len(text)
		n := 0
		for i := range text {
			if n == limit {
				cut = i
				break
			}
			n++
		}
		if cut == len(text) {
			chunks = append(chunks, text)
			break
		}
		if idx := strings.LastIndexByte(text[:cut], '\n'); idx > cut/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// SendTyping shows the typing indicator. Discord expires it after about ten
// seconds; the gateway re-sends on its keepalive interval.
func (c *Channel) SendTyping(_ context.Context, chatID string) error {
	return c.session.ChannelTyping(chatID)
}

// DownloadMedia fetches an attachment CDN URL into a temp file.
func (c *Channel) DownloadMedia(ctx context.Context, f *bus.MediaFile) (string, error) {
	if f.URL == "" {
		return "", fmt.Errorf("discord: media %s has no url", f.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("discord media download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discord media download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("discord media read: %w", err)
	}
	if int64(len(data)) > mediaMaxBytes {
		return "", fmt.Errorf("discord media exceeds %d bytes", mediaMaxBytes)
	}

	ext := filepath.Ext(f.FileName)
	if ext == "" {
		ext = extForMime(http.DetectContentType(data))
	}
	tmp, err := os.CreateTemp("", "openakita_media_*"+ext)
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

func (c *Channel) intakeContext() context.Context {
	if c.intakeCtx != nil {
		return c.intakeCtx
	}
	return context.Background()
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
