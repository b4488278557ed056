package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
)

// pairingPromptDebounce bounds how often an unpaired user gets the pairing
// prompt.
const pairingPromptDebounce = time.Minute

// handleMessage normalizes one Telegram message and hands it to the gateway.
// Gates run in order: service-message skip, group mention requirement, DM
// pairing, then the base allowlist inside HandleMessage.
func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot || isServiceMessage(msg) {
		return
	}

	chatType := mapChatType(msg.Chat.Type)
	userID := strconv.FormatInt(msg.From.ID, 10)

	slog.Debug("telegram message received",
		"chat_type", msg.Chat.Type,
		"chat_id", msg.Chat.ID,
		"user_id", msg.From.ID,
		"text_preview", channels.Truncate(msg.Text, 60),
	)

	// Groups: only react when addressed, so the bot stays quiet in ambient
	// chatter.
	if chatType == bus.ChatGroup && !detectMention(msg, c.bot.Username()) {
		return
	}

	if chatType == bus.ChatPrivate && c.pair != nil && !c.pair.IsPaired(bus.PrefixUserID("telegram", userID)) {
		c.handleUnpaired(ctx, msg, userID)
		return
	}

	c.HandleMessage(ctx, normalizeMessage(msg))
}

// handleUnpaired runs the DM pairing exchange: a message matching the local
// pairing code pairs the sender, anything else gets a debounced prompt.
func (c *Channel) handleUnpaired(ctx context.Context, msg *telego.Message, userID string) {
	prefixed := bus.PrefixUserID("telegram", userID)

	paired, err := c.pair.TryPair(prefixed, strings.TrimSpace(msg.Text))
	if err != nil {
		slog.Warn("telegram pairing attempt failed", "user_id", prefixed, "error", err)
		return
	}
	if paired {
		slog.Info("telegram user paired", "user_id", prefixed)
		c.reply(ctx, msg.Chat.ID, "配对成功！现在可以直接对话了。")
		return
	}

	if last, ok := c.pairingPrompted.Load(userID); ok {
		if time.Since(last.(time.Time)) < pairingPromptDebounce {
			return
		}
	}
	c.pairingPrompted.Store(userID, time.Now())
	c.reply(ctx, msg.Chat.ID, "尚未配对。请发送 pairing_code.txt 中的 6 位配对码完成配对。")
}

func (c *Channel) reply(ctx context.Context, chatID int64, text string) {
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// normalizeMessage translates a Telegram message into the bus envelope. Media
// carry only the Telegram file handle; the gateway downloads bytes during
// preprocessing through DownloadMedia.
func normalizeMessage(msg *telego.Message) *bus.UnifiedMessage {
	content := bus.MessageContent{Text: messageText(msg)}

	if len(msg.Photo) > 0 {
		// Variants are ordered by size; take the highest resolution.
		photo := msg.Photo[len(msg.Photo)-1]
		content.Images = append(content.Images, bus.MediaFile{
			ID:       photo.FileUniqueID,
			FileID:   photo.FileID,
			MimeType: "image/jpeg",
			Size:     int64(photo.FileSize),
			Width:    photo.Width,
			Height:   photo.Height,
			Status:   bus.MediaPending,
		})
	}
	if msg.Voice != nil {
		content.Voices = append(content.Voices, bus.MediaFile{
			ID:       msg.Voice.FileUniqueID,
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			Size:     int64(msg.Voice.FileSize),
			Duration: float64(msg.Voice.Duration),
			Status:   bus.MediaPending,
		})
	}
	if msg.Audio != nil {
		content.Voices = append(content.Voices, bus.MediaFile{
			ID:       msg.Audio.FileUniqueID,
			FileID:   msg.Audio.FileID,
			FileName: msg.Audio.FileName,
			MimeType: msg.Audio.MimeType,
			Size:     int64(msg.Audio.FileSize),
			Duration: float64(msg.Audio.Duration),
			Status:   bus.MediaPending,
		})
	}
	if msg.Video != nil {
		content.Videos = append(content.Videos, bus.MediaFile{
			ID:       msg.Video.FileUniqueID,
			FileID:   msg.Video.FileID,
			FileName: msg.Video.FileName,
			MimeType: msg.Video.MimeType,
			Size:     int64(msg.Video.FileSize),
			Duration: float64(msg.Video.Duration),
			Status:   bus.MediaPending,
		})
	}
	if msg.VideoNote != nil {
		content.Videos = append(content.Videos, bus.MediaFile{
			ID:       msg.VideoNote.FileUniqueID,
			FileID:   msg.VideoNote.FileID,
			MimeType: "video/mp4",
			Size:     int64(msg.VideoNote.FileSize),
			Duration: float64(msg.VideoNote.Duration),
			Status:   bus.MediaPending,
		})
	}
	if msg.Animation != nil {
		content.Videos = append(content.Videos, bus.MediaFile{
			ID:       msg.Animation.FileUniqueID,
			FileID:   msg.Animation.FileID,
			FileName: msg.Animation.FileName,
			MimeType: msg.Animation.MimeType,
			Size:     int64(msg.Animation.FileSize),
			Status:   bus.MediaPending,
		})
	}
	if msg.Document != nil {
		content.Files = append(content.Files, bus.MediaFile{
			ID:       msg.Document.FileUniqueID,
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
			Status:   bus.MediaPending,
		})
	}
	if msg.Location != nil {
		content.Location = &bus.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
		}
	}
	if msg.Sticker != nil {
		content.Sticker = &bus.Sticker{
			ID:    msg.Sticker.FileUniqueID,
			Emoji: msg.Sticker.Emoji,
		}
	}

	m := bus.NewUnifiedMessage(
		uuid.NewString(),
		"telegram",
		strconv.FormatInt(msg.From.ID, 10),
		strconv.FormatInt(msg.Chat.ID, 10),
		mapChatType(msg.Chat.Type),
		content,
	)
	m.MessageID = strconv.Itoa(msg.MessageID)
	m.Timestamp = time.Unix(int64(msg.Date), 0)
	m.Raw = msg
	if msg.ReplyToMessage != nil {
		m.ReplyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	// Non-forum groups reuse message_thread_id as reply context; only forum
	// topics are real threads.
	if msg.Chat.IsForum && msg.MessageThreadID > 0 {
		m.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}
	return m
}

// messageText picks the user text of a message. Telegram puts it in Text for
// plain messages and Caption for media messages, never both.
func messageText(msg *telego.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// mapChatType folds Telegram chat kinds onto the bus taxonomy.
func mapChatType(t string) bus.ChatType {
	switch t {
	case "group", "supergroup":
		return bus.ChatGroup
	case "channel":
		return bus.ChatChannel
	default:
		return bus.ChatPrivate
	}
}

// detectMention reports whether a message addresses the bot: an explicit
// @mention entity in text or caption, a /command@bot suffix, or a reply to
// one of the bot's messages.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			end := entity.Offset + entity.Length
			if entity.Offset < 0 || end > len(pair.text) {
				continue
			}
			span := pair.text[entity.Offset:end]
			switch entity.Type {
			case "mention":
				if strings.EqualFold(span, "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(span), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	// Entity offsets are UTF-16 code units, so the slices above can miss on
	// non-ASCII text; fall back to a substring check.
	if strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	// Replying to the bot counts as addressing it.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Username == botUsername
	}

	return false
}

// isServiceMessage reports whether the message is a system event (member
// joined, title changed, pinned, ...) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
