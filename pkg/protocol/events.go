package protocol

import (
	"encoding/json"
	"time"
)

// Outbound events (client -> relay).
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventSend          = "send"
	EventTypingStart   = "typing_start"
	EventTypingStop    = "typing_stop"
	EventAddReaction   = "add_reaction"
	EventDeleteMessage = "delete_message"
)

// Inbound events (relay -> client).
const (
	EventConnected = "connected"
	EventMessage   = "message"
	EventSeen      = "seen"
	EventDelivered = "delivered"
	EventTyping    = "typing"
	EventPresence  = "presence"
	EventReaction  = "reaction"
	EventDeleted   = "deleted"
	EventAck       = "ack"
	EventError     = "error"
)

// Ack statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the frame exchanged on the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event, ackID string, payload any) (Envelope, error) {
	env := Envelope{Event: event, AckID: ackID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Media is a reference to uploaded image or GIF content.
type Media struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ServerMessage is a message as the relay stores and broadcasts it.
type ServerMessage struct {
	ID             string    `json:"id"`
	LocalID        string    `json:"local_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text,omitempty"`
	Media          *Media    `json:"media,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Deleted        bool      `json:"deleted,omitempty"`
	// Reactions maps user id to reaction.
	Reactions map[string]string `json:"reactions,omitempty"`
	// SeenBy lists users other than the sender who have read the message.
	SeenBy []string `json:"seen_by,omitempty"`
}

// ConnectedPayload completes the authenticated handshake.
type ConnectedPayload struct {
	UserID string `json:"user_id"`
}

// RoomPayload scopes join/leave/typing events to a conversation.
type RoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendPayload is the outbound message request.
type SendPayload struct {
	LocalID        string    `json:"local_id"`
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Text           string    `json:"text,omitempty"`
	Media          *Media    `json:"media,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	TargetUserID   string    `json:"target_user_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AckPayload answers an acknowledgement-style request.
type AckPayload struct {
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Message *ServerMessage `json:"message,omitempty"`
}

// OK reports whether the relay accepted the request.
func (a AckPayload) OK() bool {
	return a.Status == StatusOK
}

// SeenPayload reports messages read by UserID. Empty MessageIDs means all.
type SeenPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// DeliveredPayload reports messages that reached a recipient device.
type DeliveredPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

// TypingPayload reports a participant's typing state.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// PresencePayload reports a user going online or offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ReactionRequest is the outbound add_reaction payload. An empty Reaction clears it.
type ReactionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Reaction       string `json:"reaction,omitempty"`
}

// ReactionPayload is the inbound reaction mutation. A nil Reaction means removed.
type ReactionPayload struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	UserID         string  `json:"user_id"`
	Reaction       *string `json:"reaction"`
}

// DeletePayload is used for delete_message requests and deleted broadcasts.
type DeletePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ErrorPayload is sent for malformed or rejected fire-and-forget events.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
