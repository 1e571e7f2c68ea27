package chat

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Conn is the shared real-time connection used by every open session.
type Conn interface {
	Transport
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
}

// AlertFunc receives one-time, whole-screen failures such as an initial
// history fetch that could not complete.
type AlertFunc func(conversationID string, err error)

// Manager owns the sessions of every joined conversation, keyed by
// conversation id, over one shared connection.
type Manager struct {
	conn    Conn
	history HistorySource
	opts    Options
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	onAlert  AlertFunc
}

// NewManager creates a session manager. history may be nil.
func NewManager(conn Conn, history HistorySource, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		conn:     conn,
		history:  history,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// SetSelfID records the authenticated user id for sessions opened later.
func (m *Manager) SetSelfID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.SelfID = id
}

// OnAlert registers the alert callback.
func (m *Manager) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// Open joins a conversation room and loads its newest history page.
// Opening an already open conversation returns the existing session.
// A history failure is reported through the alert callback, not as an error.
func (m *Manager) Open(ctx context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	m.mu.Lock()
	if s, ok := m.sessions[conversationID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := NewSession(conversationID, m.conn, m.history, m.opts)
	m.sessions[conversationID] = s
	m.mu.Unlock()

	if err := m.conn.Join(ctx, conversationID); err != nil {
		m.mu.Lock()
		delete(m.sessions, conversationID)
		m.mu.Unlock()
		s.Close()
		return nil, fmt.Errorf("join %s: %w", conversationID, err)
	}
	m.log.Info("conversation_opened", zap.String("conversation_id", conversationID))

	if _, err := s.LoadOlder(ctx); err != nil {
		m.log.Warn("initial_history_failed", zap.String("conversation_id", conversationID), zap.Error(err))
		m.alert(conversationID, err)
	}
	return s, nil
}

// Close leaves the room and drops the session. In-flight sends are not cancelled.
func (m *Manager) Close(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if ok {
		delete(m.sessions, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.Close()
	if err := m.conn.Leave(ctx, conversationID); err != nil {
		return fmt.Errorf("leave %s: %w", conversationID, err)
	}
	m.log.Info("conversation_closed", zap.String("conversation_id", conversationID))
	return nil
}

// Session returns the open session for a conversation, or nil.
func (m *Manager) Session(conversationID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[conversationID]
}

// OpenConversations lists the ids of every open session.
func (m *Manager) OpenConversations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Resynchronize rejoins every open room and merges the newest history page.
// It is meant to run after the transport reconnects.
func (m *Manager) Resynchronize(ctx context.Context) {
	for _, s := range m.snapshot() {
		id := s.ConversationID()
		if err := m.conn.Join(ctx, id); err != nil {
			m.log.Warn("rejoin_failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		if err := s.Resync(ctx); err != nil {
			m.log.Warn("resync_failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

// CloseAll drops every session without leaving rooms, e.g. on sign-out.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) selfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.SelfID
}

func (m *Manager) alert(conversationID string, err error) {
	m.mu.RLock()
	fn := m.onAlert
	m.mu.RUnlock()
	if fn != nil {
		fn(conversationID, err)
	}
}
