package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultSettleDelay is the grace period after the agent marks a stream
	// finished. Image enqueues during it still attach to the final reply.
	defaultSettleDelay = 8 * time.Second

	// defaultTimeout is the hard wall-clock bound on a stream's life.
	defaultTimeout = 5*time.Minute + 30*time.Second

	// sweepInterval is how often abandoned sessions are collected.
	sweepInterval = 2 * time.Minute

	// maxImages bounds attachments per finalized reply.
	maxImages = 10

	timeoutNotice = "(processing timed out)"
)

type storedURL struct {
	url string
	at  time.Time
}

// Manager owns every open stream session. byID is the authoritative arena;
// byChat and byMsg are secondary indexes and may briefly hold orphaned
// entries, which lookups tolerate. One mutex guards all three.
type Manager struct {
	mu     sync.Mutex
	byID   map[string]*Session
	byChat map[string]string // chatKey -> stream id
	byMsg  map[string]string // inbound msg id -> stream id
	urls   map[string]storedURL

	settle  time.Duration
	timeout time.Duration
	now     func() time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ManagerOption adjusts manager parameters.
type ManagerOption func(*Manager)

// WithSettleDelay overrides the finalize grace period.
func WithSettleDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.settle = d }
}

// WithTimeout overrides the hard stream timeout.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates the registry and starts the background sweeper.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		byID:    make(map[string]*Session),
		byChat:  make(map[string]string),
		byMsg:   make(map[string]string),
		urls:    make(map[string]storedURL),
		settle:  defaultSettleDelay,
		timeout: defaultTimeout,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func chatKey(chatID, userID string) string {
	return chatID + ":" + userID
}

// Open creates a stream session for an inbound message and returns it. Any
// prior session for the same (chat, user) is discarded first, so at most one
// exists per conversation; its pending refreshes will see a tombstone.
func (m *Manager) Open(chatID, userID, msgID, responseURL string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chatKey(chatID, userID)
	if oldID, ok := m.byChat[key]; ok {
		m.dropLocked(oldID)
		slog.Debug("stream replaced by new message", "stream", oldID, "chat", chatID)
	}

	now := m.now()
	s := &Session{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		UserID:      userID,
		MsgID:       msgID,
		ResponseURL: responseURL,
		CreatedAt:   now,
		LastUpdated: now,
	}
	m.byID[s.ID] = s
	m.byChat[key] = s.ID
	if msgID != "" {
		m.byMsg[msgID] = s.ID
	}
	if responseURL != "" {
		if msgID != "" {
			m.urls["msg:"+msgID] = storedURL{url: responseURL, at: now}
		}
		m.urls["chat:"+key] = storedURL{url: responseURL, at: now}
	}
	return s
}

// Refresh answers a platform refresh callback for the given stream id.
//
// Unknown ids get a finished tombstone. A session past the hard timeout is
// force-finished with a timeout notice. A finished session finalizes only
// once the settle delay has elapsed since the last write; the finalizing
// reply carries the queued images and removes the session.
func (m *Manager) Refresh(streamID string) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[streamID]
	if !ok {
		return Reply{Finished: true}
	}

	now := m.now()

	if !s.Finished && now.Sub(s.CreatedAt) > m.timeout {
		content := s.Content
		if content != "" {
			content += "\n\n"
		}
		content += timeoutNotice
		images := takeImages(s)
		m.dropLocked(streamID)
		slog.Warn("stream timed out", "stream", streamID, "chat", s.ChatID)
		return Reply{Content: content, Finished: true, Images: images}
	}

	if !s.Finished {
		return Reply{Content: s.Content}
	}

	if now.Sub(s.LastUpdated) < m.settle {
		// Finished but not settled: keep streaming so late image
		// enqueues still make the final reply.
		return Reply{Content: s.Content}
	}

	images := takeImages(s)
	content := s.Content
	m.dropLocked(streamID)
	slog.Debug("stream finalized", "stream", streamID, "chat", s.ChatID, "images", len(images))
	return Reply{Content: content, Finished: true, Images: images}
}

// WriteText records the agent's reply text on the session addressed by the
// inbound msg id (preferred) or by (chat, user). It marks the stream
// finished and resets the settle clock. Returns false when no session is
// open for the target.
func (m *Manager) WriteText(msgID, chatID, userID, text string) bool {
	return m.write(msgID, chatID, userID, text, true)
}

// AppendText adds interim text (progress chatter) without finishing the
// stream: the platform keeps polling and the user sees it live. Returns
// false when no session is open for the target.
func (m *Manager) AppendText(msgID, chatID, userID, text string) bool {
	return m.write(msgID, chatID, userID, text, false)
}

func (m *Manager) write(msgID, chatID, userID, text string, finish bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(msgID, chatID, userID)
	if s == nil {
		return false
	}
	if s.Content != "" {
		s.Content += "\n" + text
	} else {
		s.Content = text
	}
	if finish {
		s.Finished = true
	}
	s.LastUpdated = m.now()
	return true
}

// EnqueueImage queues an already-validated image payload (base64 + md5) on
// the session and resets the settle clock. Returns false when no session is
// open; an error when the queue is full.
func (m *Manager) EnqueueImage(msgID, chatID, userID string, img QueuedImage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(msgID, chatID, userID)
	if s == nil {
		return false, nil
	}
	if len(s.Images) >= maxImages {
		return true, fmt.Errorf("stream image queue full (%d)", maxImages)
	}
	s.Images = append(s.Images, img)
	s.LastUpdated = m.now()
	return true, nil
}

// TakeResponseURL consumes the one-shot fallback webhook for a reply that
// missed its stream. The msg-keyed mapping wins over the chat-keyed one.
func (m *Manager) TakeResponseURL(msgID, chatID, userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgID != "" {
		if u, ok := m.urls["msg:"+msgID]; ok {
			delete(m.urls, "msg:"+msgID)
			return u.url, true
		}
	}
	key := "chat:" + chatKey(chatID, userID)
	if u, ok := m.urls[key]; ok {
		delete(m.urls, key)
		return u.url, true
	}
	return "", false
}

// Get returns a session by stream id.
func (m *Manager) Get(streamID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[streamID]
	return s, ok
}

// Count reports the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// lookupLocked resolves a write target: msg-id index first, then the
// (chat, user) index. Caller holds the mutex.
func (m *Manager) lookupLocked(msgID, chatID, userID string) *Session {
	if msgID != "" {
		if id, ok := m.byMsg[msgID]; ok {
			if s, ok := m.byID[id]; ok {
				return s
			}
		}
	}
	if id, ok := m.byChat[chatKey(chatID, userID)]; ok {
		if s, ok := m.byID[id]; ok {
			return s
		}
	}
	return nil
}

// dropLocked removes a session and its index entries. Caller holds the mutex.
func (m *Manager) dropLocked(streamID string) {
	s, ok := m.byID[streamID]
	if !ok {
		return
	}
	delete(m.byID, streamID)
	if m.byChat[chatKey(s.ChatID, s.UserID)] == streamID {
		delete(m.byChat, chatKey(s.ChatID, s.UserID))
	}
	if s.MsgID != "" && m.byMsg[s.MsgID] == streamID {
		delete(m.byMsg, s.MsgID)
	}
}

func takeImages(s *Session) []QueuedImage {
	images := s.Images
	if len(images) > maxImages {
		images = images[:maxImages]
	}
	s.Images = nil
	return images
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep drops sessions and fallback URLs whose age exceeds the hard timeout
// plus a buffer. Covers streams whose platform never called refresh again.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-(m.timeout + time.Minute))
	for id, s := range m.byID {
		if s.CreatedAt.Before(cutoff) {
			m.dropLocked(id)
			slog.Debug("stream swept", "stream", id, "chat", s.ChatID)
		}
	}
	for key, u := range m.urls {
		if u.at.Before(cutoff) {
			delete(m.urls, key)
		}
	}
}
