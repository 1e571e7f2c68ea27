package chat

import (
	"errors"
	"time"

	"socialchat/pkg/protocol"
)

// Kind is the content type of a message.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindGIF    Kind = "gif"
	KindSystem Kind = "system"
)

// DeliveryState tracks an outgoing message from creation to being read.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateSeen      DeliveryState = "seen"
	StateFailed    DeliveryState = "failed"
)

// DeletedPlaceholder replaces the content of a tombstoned message.
const DeletedPlaceholder = "This message was deleted"

const maxTextLength = 10000

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotRetryable   = errors.New("message is not in failed state")
	ErrEmptyContent   = errors.New("message content cannot be empty")
	ErrContentTooLong = errors.New("message content too long (max 10000 characters)")
	ErrSendRejected   = errors.New("send rejected by server")
	ErrSessionClosed  = errors.New("session closed")
)

func (s DeliveryState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateSeen:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether from -> to is an edge of the delivery state machine:
// pending -> sent -> delivered -> seen (forward only), pending -> failed, and
// failed -> pending for an explicit retry.
func CanTransition(from, to DeliveryState) bool {
	switch {
	case from == to:
		return false
	case to == StateFailed:
		return from == StatePending
	case from == StateFailed:
		return to == StatePending
	case to == StatePending:
		return false
	default:
		return to.rank() > from.rank()
	}
}

// Content is either text or a media reference.
type Content struct {
	Text  string
	Media *protocol.Media
}

func (c Content) equal(o Content) bool {
	if c.Text != o.Text {
		return false
	}
	if c.Media == nil || o.Media == nil {
		return c.Media == nil && o.Media == nil
	}
	return *c.Media == *o.Media
}

// Message is one entry of a conversation as seen by this client.
type Message struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	Content        Content
	Kind           Kind
	ReplyToID      string
	CreatedAt      time.Time
	State          DeliveryState
	Reactions      map[string]string
	Deleted        bool

	seq uint64
}

func (m *Message) clone() Message {
	out := *m
	if m.Content.Media != nil {
		media := *m.Content.Media
		out.Content.Media = &media
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = v
		}
	}
	return out
}

// newerThan reports whether m is displayed before o (newest first).
func (m *Message) newerThan(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.After(o.CreatedAt)
	}
	return m.seq > o.seq
}

// advance moves the message forward when the transition is legal.
func (m *Message) advance(to DeliveryState) bool {
	if !CanTransition(m.State, to) || to == StatePending || to == StateFailed {
		return false
	}
	m.State = to
	return true
}

func (m *Message) tombstone() bool {
	if m.Deleted {
		return false
	}
	m.Deleted = true
	m.Content = Content{Text: DeletedPlaceholder}
	return true
}

func validateContent(c Content, kind Kind) error {
	switch kind {
	case KindImage, KindGIF:
		if c.Media == nil || c.Media.URL == "" {
			return ErrEmptyContent
		}
	default:
		if c.Text == "" {
			return ErrEmptyContent
		}
	}
	if len(c.Text) > maxTextLength {
		return ErrContentTooLong
	}
	return nil
}

func fromServer(sm protocol.ServerMessage, selfID string) *Message {
	m := &Message{
		ID:             sm.ID,
		LocalID:        sm.LocalID,
		ConversationID: sm.ConversationID,
		SenderID:       sm.SenderID,
		Content:        Content{Text: sm.Text},
		Kind:           Kind(sm.Kind),
		ReplyToID:      sm.ReplyToID,
		CreatedAt:      sm.CreatedAt,
		State:          StateSent,
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if sm.Media != nil {
		media := *sm.Media
		m.Content.Media = &media
	}
	if len(sm.Reactions) > 0 {
		m.Reactions = make(map[string]string, len(sm.Reactions))
		for k, v := range sm.Reactions {
			m.Reactions[k] = v
		}
	}
	if sm.SenderID == selfID && len(sm.SeenBy) > 0 {
		m.State = StateSeen
	}
	if sm.Deleted {
		m.tombstone()
	}
	return m
}
