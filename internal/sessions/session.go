package sessions

import (
	"strings"
	"sync/atomic"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Metadata keys the core passes through sessions. Underscore-prefixed keys
// and the pending media queues are runtime-only and never persisted.
const (
	MetaGateway        = "_gateway"
	MetaSessionKey     = "_session_key"
	MetaCurrentMessage = "_current_message"
	MetaPendingImages  = "pending_images"
	MetaPendingVoices  = "pending_voices"
)

// Message is one history entry. Summary carries an optional chain-of-thought
// digest recorded alongside assistant turns.
type Message struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Summary     string    `json:"summary,omitempty"`
	IsInterrupt bool      `json:"is_interrupt,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session stores conversation history for one (channel, chat, user) triple.
// Fields are guarded by the owning Manager's mutex; the dirty bit is flipped
// lock-free by the single serialized writer of a turn.
type Session struct {
	Key      string                 `json:"key"`
	Channel  string                 `json:"channel"`
	ChatID   string                 `json:"chat_id"`
	UserID   string                 `json:"user_id"`
	Messages []Message              `json:"messages"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Created  time.Time              `json:"created"`
	Updated  time.Time              `json:"updated"`

	dirty atomic.Bool
}

// MarkDirty flags the session for the next persistence sweep.
func (s *Session) MarkDirty() {
	s.dirty.Store(true)
}

// Dirty reports whether the session has unsaved changes.
func (s *Session) Dirty() bool {
	return s.dirty.Load()
}

func (s *Session) clearDirty() bool {
	return s.dirty.Swap(false)
}

// transientMeta reports whether a metadata key is runtime-only: the gateway
// back-reference, per-turn scratch state, and the pending media queues are
// re-derived per turn and must not hit the store.
func transientMeta(key string) bool {
	if strings.HasPrefix(key, "_") {
		return true
	}
	return key == MetaPendingImages || key == MetaPendingVoices
}

// snapshot returns a deep-enough copy safe to persist outside the manager
// lock. Transient metadata is stripped.
func (s *Session) snapshot() *Session {
	out := &Session{
		Key:     s.Key,
		Channel: s.Channel,
		ChatID:  s.ChatID,
		UserID:  s.UserID,
		Created: s.Created,
		Updated: s.Updated,
	}
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if len(s.Metadata) > 0 {
		out.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			if transientMeta(k) {
				continue
			}
			out.Metadata[k] = v
		}
		if len(out.Metadata) == 0 {
			out.Metadata = nil
		}
	}
	return out
}

// SessionInfo is a lightweight descriptor for listings.
type SessionInfo struct {
	Key          string    `json:"key"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chat_id"`
	UserID       string    `json:"user_id"`
	MessageCount int       `json:"message_count"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}
