// Package bus defines the normalized message envelopes exchanged between
// channel adapters, the gateway, and the agent. Adapters translate their
// platform payloads into these types on intake and back out on egress;
// nothing past the adapter layer sees a platform SDK type.
package bus

import (
	"fmt"
	"time"
)

// ChatType distinguishes the conversation kind a message belongs to.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// ParseMode selects outbound text formatting.
type ParseMode string

const (
	ParseMarkdown ParseMode = "markdown"
	ParseHTML     ParseMode = "html"
	ParseNone     ParseMode = "none"
)

// Metadata keys the core writes into UnifiedMessage.Metadata.
const (
	// MetaChannelUserID carries the channel-native user id so egress can
	// route replies on platforms that address users, not chats.
	MetaChannelUserID = "channel_user_id"
	// MetaStreamID carries the stream session id for stream-mode channels.
	MetaStreamID = "stream_id"
	// MetaReplySeq carries a per-message reply counter for passive-reply
	// platforms (QQ official).
	MetaReplySeq = "reply_seq"
	// MetaEphemeral marks system chatter (progress batches) on an outgoing
	// message. Stream-mode channels surface it without finalizing the reply.
	MetaEphemeral = "ephemeral"
)

// UnifiedMessage is the inbound envelope. UserID is globally stable: the
// channel-native id prefixed with the channel code ("telegram:12345") so ids
// from different platforms never collide. Raw retains the adapter's original
// payload verbatim for adapter-specific reply paths.
type UnifiedMessage struct {
	ID            string         `json:"id"`
	Channel       string         `json:"channel"`
	MessageID     string         `json:"message_id,omitempty"` // channel-native message id
	UserID        string         `json:"user_id"`
	ChannelUserID string         `json:"channel_user_id,omitempty"`
	ChatID        string         `json:"chat_id"`
	ChatType      ChatType       `json:"chat_type"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	ThreadID      string         `json:"thread_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Content       MessageContent `json:"content"`

	Raw      any               `json:"-"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewUnifiedMessage builds an inbound envelope, stamping the prefixed user
// id and the intake timestamp. Metadata always carries the channel-native
// user id when one is supplied.
func NewUnifiedMessage(id, channel, channelUserID, chatID string, chatType ChatType, content MessageContent) *UnifiedMessage {
	m := &UnifiedMessage{
		ID:            id,
		Channel:       channel,
		UserID:        PrefixUserID(channel, channelUserID),
		ChannelUserID: channelUserID,
		ChatID:        chatID,
		ChatType:      chatType,
		Timestamp:     time.Now(),
		Content:       content,
		Metadata:      map[string]string{},
	}
	if channelUserID != "" {
		m.Metadata[MetaChannelUserID] = channelUserID
	}
	return m
}

// PrefixUserID qualifies a channel-native user id with the channel code.
func PrefixUserID(channel, userID string) string {
	if userID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", channel, userID)
}

// Type reports the message's derived content type.
func (m *UnifiedMessage) Type() MessageType { return m.Content.Type() }

// PlainText projects the content for model input and logging.
func (m *UnifiedMessage) PlainText() string { return m.Content.PlainText() }

// Meta returns a metadata value, tolerating a nil map.
func (m *UnifiedMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SetMeta stores a metadata value, allocating the map on first use.
func (m *UnifiedMessage) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	m.Metadata[key] = value
}

// OutgoingMessage is the egress envelope, constructed by the agent or the
// gateway and consumed by adapters. ReplyTo and ThreadID are only ever
// echoed from an inbound message or set explicitly by the caller.
type OutgoingMessage struct {
	ChatID         string         `json:"chat_id"`
	Content        MessageContent `json:"content"`
	ParseMode      ParseMode      `json:"parse_mode,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	ThreadID       string         `json:"thread_id,omitempty"`
	DisablePreview bool           `json:"disable_preview,omitempty"`
	Silent         bool           `json:"silent,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewOutgoingText builds a plain text reply to the given chat.
func NewOutgoingText(chatID, text string) *OutgoingMessage {
	return &OutgoingMessage{ChatID: chatID, Content: TextContent(text)}
}

// Meta returns a metadata value, tolerating a nil map.
func (m *OutgoingMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SetMeta stores a metadata value, allocating the map on first use.
func (m *OutgoingMessage) SetMeta(key, value string) {
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	m.Metadata[key] = value
}
