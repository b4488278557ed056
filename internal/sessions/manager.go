package sessions

import (
	"log/slog"
	"sync"
	"time"
)

// Store is the persistence backend behind a Manager. Save receives a
// detached snapshot and may take as long as it needs; the manager's writer
// goroutine is the only caller, so turns never block on persistence.
type Store interface {
	Load(key string) (*Session, error) // nil, nil when the key is unknown
	LoadAll() ([]*Session, error)
	Save(s *Session) error
	Delete(key string) error
	Close() error
}

const (
	defaultFlushInterval = 5 * time.Second
	defaultMaxIdle       = 30 * time.Minute
)

// Manager owns the in-memory session map. Mutations happen under one
// RWMutex; persistence is decoupled through each session's dirty bit, which
// a background writer sweeps on a fixed cadence. Idle sessions are evicted
// from memory after a quiet period and reloaded from the store on demand;
// sessions referenced by an in-flight turn are never evicted.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    Store

	flushInterval time.Duration
	maxIdle       time.Duration
	inUse         func(key string) bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFlushInterval sets the dirty-sweep cadence.
func WithFlushInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.flushInterval = d }
}

// WithMaxIdle sets how long an untouched session stays in memory.
// Zero disables eviction.
func WithMaxIdle(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxIdle = d }
}

// NewManager builds a manager over the given store (nil for memory-only
// operation), loads persisted sessions, and starts the background writer.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		store:         store,
		flushInterval: defaultFlushInterval,
		maxIdle:       defaultMaxIdle,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}

	if store != nil {
		loaded, err := store.LoadAll()
		if err != nil {
			slog.Warn("failed to load persisted sessions", "error", err)
		}
		for _, s := range loaded {
			m.sessions[s.Key] = s
		}
		if len(loaded) > 0 {
			slog.Info("sessions restored", "count", len(loaded))
		}
	}

	go m.run()
	return m
}

// SetInUseCheck installs the gateway's in-flight predicate consulted before
// eviction.
func (m *Manager) SetInUseCheck(fn func(key string) bool) {
	m.mu.Lock()
	m.inUse = fn
	m.mu.Unlock()
}

// GetOrCreate returns the session for the triple, reloading it from the
// store after an eviction, or creating a fresh one.
func (m *Manager) GetOrCreate(channel, chatID, userID string) *Session {
	key := Key(channel, chatID, userID)

	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}

	if m.store != nil {
		if loaded, err := m.store.Load(key); err != nil {
			slog.Warn("failed to reload session", "key", key, "error", err)
		} else if loaded != nil {
			m.sessions[key] = loaded
			return loaded
		}
	}

	now := time.Now()
	s = &Session{
		Key:      key,
		Channel:  channel,
		ChatID:   chatID,
		UserID:   userID,
		Messages: []Message{},
		Created:  now,
		Updated:  now,
	}
	m.sessions[key] = s
	return s
}

// Get returns an in-memory session without creating one.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// AddMessage appends one history entry and marks the session dirty.
// Timestamps default to now.
func (m *Manager) AddMessage(key string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
	m.mu.Unlock()

	s.MarkDirty()
}

// History returns a copy of the session's messages.
func (m *Manager) History(key string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// TruncateHistory keeps only the last N messages.
func (m *Manager) TruncateHistory(key string, keepLast int) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		if keepLast <= 0 {
			s.Messages = []Message{}
		} else if len(s.Messages) > keepLast {
			s.Messages = s.Messages[len(s.Messages)-keepLast:]
		}
		s.Updated = time.Now()
	}
	m.mu.Unlock()
	if ok {
		s.MarkDirty()
	}
}

// Reset clears a session's history.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		s.Messages = []Message{}
		s.Updated = time.Now()
	}
	m.mu.Unlock()
	if ok {
		s.MarkDirty()
	}
}

// SetMeta stores a metadata value on a session.
func (m *Manager) SetMeta(key, metaKey string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	s.Metadata[metaKey] = value
	if !transientMeta(metaKey) {
		s.dirty.Store(true)
	}
}

// Meta reads a metadata value from a session.
func (m *Manager) Meta(key, metaKey string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok || s.Metadata == nil {
		return nil, false
	}
	v, ok := s.Metadata[metaKey]
	return v, ok
}

// DeleteMeta removes a metadata key from a session.
func (m *Manager) DeleteMeta(key, metaKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok && s.Metadata != nil {
		delete(s.Metadata, metaKey)
	}
}

// MarkDirty flags a session for the next persistence sweep.
func (m *Manager) MarkDirty(key string) {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		s.MarkDirty()
	}
}

// Delete removes a session from memory and the store.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.store != nil {
		return m.store.Delete(key)
	}
	return nil
}

// List returns descriptors for every in-memory session.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			Key:          s.Key,
			Channel:      s.Channel,
			ChatID:       s.ChatID,
			UserID:       s.UserID,
			MessageCount: len(s.Messages),
			Created:      s.Created,
			Updated:      s.Updated,
		})
	}
	return out
}

// Flush persists every dirty session immediately. Used at shutdown and by
// tests; normal operation relies on the background sweep.
func (m *Manager) Flush() {
	m.flushDirty()
}

// Close stops the background writer after a final flush.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flushDirty()
			m.evictIdle()
		case <-m.stop:
			m.flushDirty()
			return
		}
	}
}

// flushDirty snapshots every dirty session under the read lock and persists
// the snapshots outside it. A failed save re-marks the session so the next
// sweep retries.
func (m *Manager) flushDirty() {
	if m.store == nil {
		return
	}

	var batch []*Session
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.clearDirty() {
			batch = append(batch, s.snapshot())
		}
	}
	m.mu.RUnlock()

	for _, snap := range batch {
		if err := m.store.Save(snap); err != nil {
			slog.Warn("failed to persist session", "key", snap.Key, "error", err)
			m.MarkDirty(snap.Key)
		}
	}
}

func (m *Manager) evictIdle() {
	if m.maxIdle <= 0 {
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		if s.Dirty() || now.Sub(s.Updated) < m.maxIdle {
			continue
		}
		if m.inUse != nil && m.inUse(key) {
			continue
		}
		delete(m.sessions, key)
		slog.Debug("session evicted", "key", key, "idle", now.Sub(s.Updated).Round(time.Second))
	}
}
