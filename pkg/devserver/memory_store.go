package devserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"socialchat/pkg/protocol"
)

// MemoryMessageStore keeps everything in process. It is the default store of
// the relay and the store used by its tests.
type MemoryMessageStore struct {
	mu         sync.RWMutex
	messages   map[string]*protocol.ServerMessage
	byConv     map[string][]string // conversation_id -> message ids in insert order
	byLocalID  map[string]string   // sender_id + "/" + local_id -> message id
	readAt     map[string]map[string]time.Time
	lastActive map[string]time.Time
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages:   make(map[string]*protocol.ServerMessage),
		byConv:     make(map[string][]string),
		byLocalID:  make(map[string]string),
		readAt:     make(map[string]map[string]time.Time),
		lastActive: make(map[string]time.Time),
	}
}

func (s *MemoryMessageStore) SaveMessage(_ context.Context, m protocol.ServerMessage) (protocol.ServerMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.LocalID != "" {
		if id, ok := s.byLocalID[m.SenderID+"/"+m.LocalID]; ok {
			return s.snapshot(id), false, nil
		}
		s.byLocalID[m.SenderID+"/"+m.LocalID] = m.ID
	}
	stored := m
	stored.Reactions = nil
	stored.SeenBy = nil
	s.messages[m.ID] = &stored
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return s.snapshot(m.ID), true, nil
}

// snapshot copies a message with its reactions and readers. Callers hold mu.
func (s *MemoryMessageStore) snapshot(id string) protocol.ServerMessage {
	m := *s.messages[id]
	if m.Reactions != nil {
		reactions := make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			reactions[k] = v
		}
		m.Reactions = reactions
	}
	if readers := s.readAt[id]; len(readers) > 0 {
		m.SeenBy = make([]string, 0, len(readers))
		for u := range readers {
			m.SeenBy = append(m.SeenBy, u)
		}
		sort.Slice(m.SeenBy, func(i, j int) bool {
			a, b := readers[m.SeenBy[i]], readers[m.SeenBy[j]]
			if a.Equal(b) {
				return m.SeenBy[i] < m.SeenBy[j]
			}
			return a.Before(b)
		})
	}
	return m
}

func (s *MemoryMessageStore) GetConversationHistory(_ context.Context, conversationID string, before protocol.Cursor, limit int) ([]protocol.ServerMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)
	ids := s.byConv[conversationID]
	candidates := make([]*protocol.ServerMessage, 0, len(ids))
	for _, id := range ids {
		if m := s.messages[id]; before.Older(m.CreatedAt, m.ID) {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]protocol.ServerMessage, 0, len(candidates))
	for _, m := range candidates {
		result = append(result, s.snapshot(m.ID))
	}
	return result, nil
}

func (s *MemoryMessageStore) MarkMessagesAsRead(_ context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}

	now := time.Now()
	marked := make([]string, 0)
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.SenderID == readerID {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		readers := s.readAt[id]
		if readers == nil {
			readers = make(map[string]time.Time)
			s.readAt[id] = readers
		}
		if _, done := readers[readerID]; done {
			continue
		}
		readers[readerID] = now
		marked = append(marked, id)
	}
	return marked, nil
}

func (s *MemoryMessageStore) SetReaction(_ context.Context, conversationID, messageID, userID, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.ConversationID != conversationID || m.Deleted {
		return ErrMessageNotFound
	}
	if reaction == "" {
		delete(m.Reactions, userID)
		return nil
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[userID] = reaction
	return nil
}

func (s *MemoryMessageStore) DeleteMessage(_ context.Context, conversationID, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.ConversationID != conversationID {
		return ErrMessageNotFound
	}
	if m.SenderID != userID {
		return ErrForbidden
	}
	m.Deleted = true
	m.Text = ""
	m.Media = nil
	return nil
}

func (s *MemoryMessageStore) UpdateLastActive(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive[userID] = at
	return nil
}

// LastActive reports when the user was last seen connecting or disconnecting.
func (s *MemoryMessageStore) LastActive(userID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.lastActive[userID]
	return at, ok
}
