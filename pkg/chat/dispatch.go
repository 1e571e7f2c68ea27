package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"socialchat/pkg/protocol"
)

const resyncTimeout = 30 * time.Second

// Subscriber is the inbound side of the shared connection.
type Subscriber interface {
	Subscribe(event string, fn func(protocol.Envelope)) (unsubscribe func())
	OnReconnect(fn func()) (unsubscribe func())
}

// Attach routes the connection's inbound chat events to the open sessions
// and resynchronizes them after every reconnect. The returned func detaches.
func (m *Manager) Attach(sub Subscriber) (detach func()) {
	events := []string{
		protocol.EventMessage,
		protocol.EventSeen,
		protocol.EventDelivered,
		protocol.EventReaction,
		protocol.EventDeleted,
	}
	unsubs := make([]func(), 0, len(events)+1)
	for _, ev := range events {
		unsubs = append(unsubs, sub.Subscribe(ev, m.Dispatch))
	}
	unsubs = append(unsubs, sub.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		m.Resynchronize(ctx)
	}))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Dispatch applies one inbound envelope. Malformed payloads and events for
// conversations that are not open are dropped.
func (m *Manager) Dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventMessage:
		var sm protocol.ServerMessage
		if !m.decode(env, &sm) {
			return
		}
		if s := m.Session(sm.ConversationID); s != nil {
			s.OnInboundMessage(sm)
		}

	case protocol.EventSeen:
		var p protocol.SeenPayload
		if !m.decode(env, &p) {
			return
		}
		// our own read receipts from another device say nothing about our messages
		if p.UserID != "" && p.UserID == m.selfID() {
			return
		}
		if s := m.Session(p.ConversationID); s != nil {
			s.OnSeen(p.ConversationID, p.MessageIDs)
		}

	case protocol.EventDelivered:
		var p protocol.DeliveredPayload
		if !m.decode(env, &p) {
			return
		}
		for _, s := range m.targets(p.ConversationID) {
			s.OnDelivered(p.MessageIDs)
		}

	case protocol.EventReaction:
		var p protocol.ReactionPayload
		if !m.decode(env, &p) {
			return
		}
		for _, s := range m.targets(p.ConversationID) {
			s.OnReaction(p.MessageID, p.UserID, p.Reaction)
		}

	case protocol.EventDeleted:
		var p protocol.DeletePayload
		if !m.decode(env, &p) {
			return
		}
		for _, s := range m.targets(p.ConversationID) {
			s.OnDeleted(p.MessageID)
		}
	}
}

// targets returns the session for conversationID, or every session when
// the event does not name one (each ignores ids it does not hold).
func (m *Manager) targets(conversationID string) []*Session {
	if conversationID == "" {
		return m.snapshot()
	}
	if s := m.Session(conversationID); s != nil {
		return []*Session{s}
	}
	return nil
}

func (m *Manager) decode(env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		m.log.Warn("invalid_event_payload", zap.String("event", env.Event), zap.Error(err))
		return false
	}
	return true
}
