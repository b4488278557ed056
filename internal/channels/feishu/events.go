package feishu

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
	"github.com/xiaoyubing999/openakita-sub001/internal/channels"
)

// envelope is a decrypted webhook payload: either the url_verification
// handshake or a schema-2.0 event push.
type envelope struct {
	// url_verification fields.
	Challenge string `json:"challenge,omitempty"`
	Token     string `json:"token,omitempty"`
	Type      string `json:"type,omitempty"`

	Schema string        `json:"schema,omitempty"`
	Header eventHeader   `json:"header,omitempty"`
	Event  *messageEvent `json:"event,omitempty"`
}

type eventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
}

type messageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message eventMessage `json:"message"`
}

type eventMessage struct {
	MessageID   string         `json:"message_id"`
	RootID      string         `json:"root_id"`
	ParentID    string         `json:"parent_id"`
	CreateTime  string         `json:"create_time"` // unix millis as string
	ChatID      string         `json:"chat_id"`
	ChatType    string         `json:"chat_type"` // "p2p" or "group"
	MessageType string         `json:"message_type"`
	Content     string         `json:"content"` // nested JSON string
	Mentions    []eventMention `json:"mentions"`
}

type eventMention struct {
	Key string `json:"key"` // "@_user_N" placeholder in the text
	ID  struct {
		OpenID string `json:"open_id"`
	} `json:"id"`
	Name string `json:"name"`
}

// handleEvent dispatches one decrypted envelope. Only message receives are
// handled; other event types are acked and dropped.
func (c *Channel) handleEvent(ev *envelope) {
	if ev.Header.EventType != "im.message.receive_v1" || ev.Event == nil {
		slog.Debug("feishu event skipped", "type", ev.Header.EventType)
		return
	}

	msg := &ev.Event.Message
	senderID := ev.Event.Sender.SenderID.OpenID
	if msg.MessageID == "" || senderID == "" {
		return
	}
	// Drop echoes of app/bot senders so the bot never talks to itself.
	if t := ev.Event.Sender.SenderType; t != "" && t != "user" {
		return
	}
	if c.isDuplicate(msg.MessageID) {
		slog.Debug("feishu message deduplicated", "message_id", msg.MessageID)
		return
	}

	// Groups: only react when the bot is explicitly @-mentioned.
	if msg.ChatType == "group" && !mentionsBot(msg.Mentions, c.botOpenID) {
		return
	}

	m := c.normalizeEvent(ev.Event)

	slog.Debug("feishu message received",
		"chat_id", m.ChatID,
		"chat_type", m.ChatType,
		"sender_id", senderID,
		"preview", channels.Truncate(m.Content.Text, 50),
	)

	c.HandleMessage(c.intakeContext(), m)
}

// normalizeEvent translates a message event into the bus envelope.
func (c *Channel) normalizeEvent(ev *messageEvent) *bus.UnifiedMessage {
	msg := &ev.Message

	content := parseContent(msg)
	if mentionsBot(msg.Mentions, c.botOpenID) {
		content.Text = stripMentions(content.Text, msg.Mentions, c.botOpenID)
	}

	chatType := bus.ChatGroup
	if msg.ChatType == "p2p" {
		chatType = bus.ChatPrivate
	}

	m := bus.NewUnifiedMessage(
		uuid.NewString(),
		"feishu",
		ev.Sender.SenderID.OpenID,
		msg.ChatID,
		chatType,
		content,
	)
	m.MessageID = msg.MessageID
	m.Raw = ev
	if msg.ParentID != "" {
		m.ReplyTo = msg.ParentID
	}
	if msg.RootID != "" && msg.RootID != msg.MessageID {
		m.ThreadID = msg.RootID
	}
	if ts, err := strconv.ParseInt(msg.CreateTime, 10, 64); err == nil && ts > 0 {
		m.Timestamp = time.UnixMilli(ts)
	}
	return m
}

// parseContent translates the platform content JSON into the bus body. Media
// keep only the resource reference; bytes are fetched during gateway
// preprocessing.
func parseContent(msg *eventMessage) bus.MessageContent {
	var c bus.MessageContent

	switch msg.MessageType {
	case "text":
		var t struct {
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(msg.Content), &t) == nil && t.Text != "" {
			c.Text = t.Text
		} else {
			c.Text = msg.Content
		}

	case "post":
		c.Text = parsePostContent(msg.Content)

	case "image":
		var img struct {
			ImageKey string `json:"image_key"`
		}
		json.Unmarshal([]byte(msg.Content), &img)
		if img.ImageKey != "" {
			c.Images = append(c.Images, bus.MediaFile{
				ID:     img.ImageKey,
				FileID: resourceRef(msg.MessageID, img.ImageKey, "image"),
				Status: bus.MediaPending,
			})
		}

	case "audio":
		var a struct {
			FileKey  string `json:"file_key"`
			Duration int    `json:"duration"` // millis
		}
		json.Unmarshal([]byte(msg.Content), &a)
		if a.FileKey != "" {
			c.Voices = append(c.Voices, bus.MediaFile{
				ID:       a.FileKey,
				FileID:   resourceRef(msg.MessageID, a.FileKey, "file"),
				MimeType: "audio/opus",
				Duration: float64(a.Duration) / 1000,
				Status:   bus.MediaPending,
			})
		}

	case "media":
		var v struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
			Duration int    `json:"duration"`
		}
		json.Unmarshal([]byte(msg.Content), &v)
		if v.FileKey != "" {
			c.Videos = append(c.Videos, bus.MediaFile{
				ID:       v.FileKey,
				FileID:   resourceRef(msg.MessageID, v.FileKey, "file"),
				FileName: v.FileName,
				Duration: float64(v.Duration) / 1000,
				Status:   bus.MediaPending,
			})
		}

	case "file":
		var f struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		json.Unmarshal([]byte(msg.Content), &f)
		if f.FileKey != "" {
			c.Files = append(c.Files, bus.MediaFile{
				ID:       f.FileKey,
				FileID:   resourceRef(msg.MessageID, f.FileKey, "file"),
				FileName: f.FileName,
				Status:   bus.MediaPending,
			})
		}

	case "sticker":
		var s struct {
			FileKey string `json:"file_key"`
		}
		json.Unmarshal([]byte(msg.Content), &s)
		c.Sticker = &bus.Sticker{ID: s.FileKey}

	default:
		c.Text = fmt.Sprintf("[%s message]", msg.MessageType)
	}

	return c
}

// parsePostContent flattens a rich-text post into markdown-ish plain text.
func parsePostContent(rawContent string) string {
	var post map[string]any
	if err := json.Unmarshal([]byte(rawContent), &post); err != nil {
		return rawContent
	}

	var langContent any
	for _, lang := range []string{"zh_cn", "en_us"} {
		if lc, ok := post[lang]; ok {
			langContent = lc
			break
		}
	}
	if langContent == nil {
		for _, v := range post {
			langContent = v
			break
		}
	}

	langMap, ok := langContent.(map[string]any)
	if !ok {
		return rawContent
	}
	contentArr, ok := langMap["content"].([]any)
	if !ok {
		return rawContent
	}

	var textParts []string
	for _, para := range contentArr {
		paraArr, ok := para.([]any)
		if !ok {
			continue
		}
		var lineParts []string
		for _, elem := range paraArr {
			elemMap, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			tag, _ := elemMap["tag"].(string)
			switch tag {
			case "text", "md":
				if t, ok := elemMap["text"].(string); ok {
					lineParts = append(lineParts, t)
				}
			case "at":
				if name, ok := elemMap["user_name"].(string); ok {
					lineParts = append(lineParts, "@"+name)
				}
			case "a":
				if href, ok := elemMap["href"].(string); ok {
					if text, _ := elemMap["text"].(string); text != "" {
						lineParts = append(lineParts, fmt.Sprintf("[%s](%s)", text, href))
					} else {
						lineParts = append(lineParts, href)
					}
				}
			case "img":
				lineParts = append(lineParts, "[image]")
			}
		}
		if len(lineParts) > 0 {
			textParts = append(textParts, strings.Join(lineParts, ""))
		}
	}

	return strings.Join(textParts, "\n")
}

// mentionsBot reports whether the mention list names the bot.
func mentionsBot(mentions []eventMention, botOpenID string) bool {
	if botOpenID == "" {
		return false
	}
	for _, m := range mentions {
		if m.ID.OpenID == botOpenID {
			return true
		}
	}
	return false
}

// stripMentions removes the bot's "@_user_N" placeholders from text.
func stripMentions(text string, mentions []eventMention, botOpenID string) string {
	for _, m := range mentions {
		if m.ID.OpenID == botOpenID && m.Key != "" {
			text = strings.ReplaceAll(text, m.Key, "")
		}
	}
	return strings.TrimSpace(text)
}

// resourceRef packs the (message, file, type) triple the resources download
// API needs into one opaque file handle.
func resourceRef(messageID, fileKey, resourceType string) string {
	return messageID + "|" + fileKey + "|" + resourceType
}

// parseResourceRef unpacks a handle created by resourceRef.
func parseResourceRef(ref string) (messageID, fileKey, resourceType string, ok bool) {
	parts := strings.SplitN(ref, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
