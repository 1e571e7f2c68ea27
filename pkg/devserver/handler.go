package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialchat/pkg/logger"
	"socialchat/pkg/metrics"
	"socialchat/pkg/protocol"
	"socialchat/pkg/response"
)

const (
	maxTextLength = 10000
	pingInterval  = 30 * time.Second
	readTimeout   = 60 * time.Second
	writeTimeout  = 10 * time.Second
	storeTimeout  = 5 * time.Second
)

// Upgrader abstracts the websocket upgrader so tests can inject their own.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

type Options struct {
	Store     MessageStore
	Sessions  *SessionRegistry
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	MediaDir  string
	PublicURL string
	Now       func() time.Time
}

// Handler serves the relay's WebSocket and REST endpoints.
type Handler struct {
	manager   *ConnectionManager
	store     MessageStore
	sessions  *SessionRegistry
	log       *zap.Logger
	metrics   *metrics.Metrics
	upgrader  Upgrader
	mediaDir  string
	publicURL string
	now       func() time.Time
}

func NewHandler(manager *ConnectionManager, opts Options) *Handler {
	if opts.Store == nil {
		opts.Store = NewMemoryMessageStore()
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessionRegistry()
	}
	if opts.MediaDir == "" {
		opts.MediaDir = "media"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{
		manager:  manager,
		store:    opts.Store,
		sessions: opts.Sessions,
		log:      logger.OrNop(opts.Logger).With(zap.String("component", "relay")),
		metrics:  opts.Metrics,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// dev relay: origins are enforced by the CORS layer
				return true
			},
		},
		mediaDir:  opts.MediaDir,
		publicURL: opts.PublicURL,
		now:       opts.Now,
	}
}

// SetWebSocketUpgrader replaces the upgrader used for new connections.
func (h *Handler) SetWebSocketUpgrader(u Upgrader) {
	if u != nil {
		h.upgrader = u
	}
}

// HandleWebSocket authenticates the bearer token and upgrades the connection.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID, ok := h.sessions.Resolve(bearerToken(c.Request))
	if !ok {
		response.SendAPIResponse(c, http.StatusUnauthorized, false, "invalid or missing token", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket_upgrade_failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client, first := h.manager.AddClient(userID, conn)
	h.metrics.AddRelayConnections(1)
	h.log.Info("client_connected", zap.String("user_id", userID), zap.String("conn_id", client.ID))

	h.enqueue(client, protocol.EventConnected, "", protocol.ConnectedPayload{UserID: userID})
	if first {
		h.broadcastPresence(userID, true)
	}
	h.touch(userID)

	go h.readLoop(client)
	go h.writeLoop(client)
}

// IsUserOnline reports if a given user has an active WS connection.
func (h *Handler) IsUserOnline(userID string) bool {
	return h.manager.IsOnline(userID)
}

func (h *Handler) readLoop(client *Client) {
	defer func() {
		last := h.manager.RemoveClient(client)
		_ = client.Conn.Close()
		h.metrics.AddRelayConnections(-1)
		h.log.Info("client_disconnected", zap.String("user_id", client.UserID), zap.String("conn_id", client.ID))
		if last {
			h.broadcastPresence(client.UserID, false)
		}
		h.touch(client.UserID)
	}()

	_ = client.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var env protocol.Envelope
		if err := client.Conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket_read_failed", zap.String("user_id", client.UserID), zap.Error(err))
			}
			return
		}
		// handled in order so a join always precedes the sends behind it
		h.route(client, env)
	}
}

func (h *Handler) writeLoop(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.Done:
			_ = client.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return

		case env := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.Conn.WriteJSON(env); err != nil {
				h.log.Warn("websocket_write_failed", zap.String("user_id", client.UserID), zap.Error(err))
				_ = client.Conn.Close()
				return
			}

		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Warn("websocket_ping_failed", zap.String("user_id", client.UserID), zap.Error(err))
				_ = client.Conn.Close()
				return
			}
		}
	}
}

func (h *Handler) route(client *Client, env protocol.Envelope) {
	h.metrics.IncRelayEvent(env.Event)

	switch env.Event {
	case protocol.EventJoin:
		h.processJoin(client, env)
	case protocol.EventLeave:
		var p protocol.RoomPayload
		if err := env.Decode(&p); err != nil || p.ConversationID == "" {
			h.reject(client, env.AckID, "conversation_id is required")
			return
		}
		h.manager.Leave(client, p.ConversationID)
		h.ackOK(client, env.AckID, nil)
	case protocol.EventSend:
		h.processMessage(client, env)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		h.processTyping(client, env)
	case protocol.EventAddReaction:
		h.processReaction(client, env)
	case protocol.EventDeleteMessage:
		h.processDelete(client, env)
	default:
		h.reject(client, env.AckID, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (h *Handler) processJoin(client *Client, env protocol.Envelope) {
	var p protocol.RoomPayload
	if err := env.Decode(&p); err != nil || p.ConversationID == "" {
		h.reject(client, env.AckID, "conversation_id is required")
		return
	}
	h.manager.Join(client, p.ConversationID)
	h.log.Debug("room_joined", zap.String("user_id", client.UserID), zap.String("conversation_id", p.ConversationID))
	h.ackOK(client, env.AckID, nil)
}

// processMessage validates, persists, then echoes a message to the room
// (including the sender) before acknowledging it.
func (h *Handler) processMessage(client *Client, env protocol.Envelope) {
	var p protocol.SendPayload
	if err := env.Decode(&p); err != nil {
		h.reject(client, env.AckID, "invalid message format")
		return
	}
	if err := h.validateMessage(client, p); err != nil {
		h.reject(client, env.AckID, err.Error())
		return
	}

	msg := protocol.ServerMessage{
		ID:             uuid.NewString(),
		LocalID:        p.LocalID,
		ConversationID: p.ConversationID,
		SenderID:       client.UserID,
		Kind:           p.Kind,
		Text:           p.Text,
		Media:          p.Media,
		ReplyToID:      p.ReplyToID,
		CreatedAt:      h.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	saved, created, err := h.store.SaveMessage(ctx, msg)
	if err != nil {
		h.log.Error("message_persist_failed",
			zap.String("user_id", client.UserID),
			zap.String("conversation_id", p.ConversationID),
			zap.Error(err))
		h.reject(client, env.AckID, "failed to persist message")
		return
	}

	if created {
		h.broadcast(p.ConversationID, protocol.EventMessage, saved, nil)
		h.markDelivered(client.UserID, saved)
	} else {
		h.log.Info("message_replayed", zap.String("user_id", client.UserID), zap.String("local_id", p.LocalID))
	}
	h.ackOK(client, env.AckID, &saved)
}

func (h *Handler) validateMessage(client *Client, p protocol.SendPayload) error {
	if p.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if !h.manager.InRoom(client, p.ConversationID) {
		return fmt.Errorf("join the conversation before sending")
	}
	switch p.Kind {
	case "text", "":
		if p.Text == "" {
			return fmt.Errorf("message content cannot be empty")
		}
	case "image", "gif":
		if p.Media == nil || p.Media.URL == "" {
			return fmt.Errorf("media url is required for %s messages", p.Kind)
		}
	default:
		return fmt.Errorf("unsupported message kind %q", p.Kind)
	}
	if len(p.Text) > maxTextLength {
		return fmt.Errorf("message content too long (max %d characters)", maxTextLength)
	}
	return nil
}

// markDelivered tells the sender's devices that someone else in the room got the message.
func (h *Handler) markDelivered(senderID string, m protocol.ServerMessage) {
	for _, u := range h.manager.RoomUsers(m.ConversationID) {
		if u == senderID {
			continue
		}
		env, err := protocol.NewEnvelope(protocol.EventDelivered, "", protocol.DeliveredPayload{
			ConversationID: m.ConversationID,
			MessageIDs:     []string{m.ID},
		})
		if err == nil {
			_ = h.manager.BroadcastToUser(senderID, env)
		}
		return
	}
}

func (h *Handler) processTyping(client *Client, env protocol.Envelope) {
	var p protocol.RoomPayload
	if err := env.Decode(&p); err != nil || p.ConversationID == "" {
		h.reject(client, env.AckID, "conversation_id is required")
		return
	}
	if !h.manager.InRoom(client, p.ConversationID) {
		return
	}
	h.broadcast(p.ConversationID, protocol.EventTyping, protocol.TypingPayload{
		ConversationID: p.ConversationID,
		UserID:         client.UserID,
		IsTyping:       env.Event == protocol.EventTypingStart,
	}, client)
}

func (h *Handler) processReaction(client *Client, env protocol.Envelope) {
	var p protocol.ReactionRequest
	if err := env.Decode(&p); err != nil || p.ConversationID == "" || p.MessageID == "" {
		h.reject(client, env.AckID, "conversation_id and message_id are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := h.store.SetReaction(ctx, p.ConversationID, p.MessageID, client.UserID, p.Reaction); err != nil {
		h.rejectStoreError(client, env.AckID, "set reaction", err)
		return
	}

	out := protocol.ReactionPayload{ConversationID: p.ConversationID, MessageID: p.MessageID, UserID: client.UserID}
	if p.Reaction != "" {
		reaction := p.Reaction
		out.Reaction = &reaction
	}
	h.broadcast(p.ConversationID, protocol.EventReaction, out, nil)
	h.ackOK(client, env.AckID, nil)
}

func (h *Handler) processDelete(client *Client, env protocol.Envelope) {
	var p protocol.DeletePayload
	if err := env.Decode(&p); err != nil || p.ConversationID == "" || p.MessageID == "" {
		h.reject(client, env.AckID, "conversation_id and message_id are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := h.store.DeleteMessage(ctx, p.ConversationID, p.MessageID, client.UserID); err != nil {
		h.rejectStoreError(client, env.AckID, "delete message", err)
		return
	}
	h.broadcast(p.ConversationID, protocol.EventDeleted, p, nil)
	h.ackOK(client, env.AckID, nil)
}

func (h *Handler) rejectStoreError(client *Client, ackID, op string, err error) {
	switch {
	case errors.Is(err, ErrMessageNotFound):
		h.reject(client, ackID, "message not found")
	case errors.Is(err, ErrForbidden):
		h.reject(client, ackID, "not the author")
	default:
		h.log.Error("store_failed", zap.String("op", op), zap.String("user_id", client.UserID), zap.Error(err))
		h.reject(client, ackID, "failed to "+op)
	}
}

func (h *Handler) broadcastPresence(userID string, online bool) {
	env, err := protocol.NewEnvelope(protocol.EventPresence, "", protocol.PresencePayload{UserID: userID, Online: online})
	if err != nil {
		return
	}
	h.manager.BroadcastAll(env, userID)
}

func (h *Handler) broadcast(conversationID, event string, payload any, skip *Client) {
	env, err := protocol.NewEnvelope(event, "", payload)
	if err != nil {
		h.log.Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.manager.BroadcastToRoom(conversationID, env, skip)
}

func (h *Handler) touch(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.UpdateLastActive(ctx, userID, h.now().UTC()); err != nil {
		h.log.Warn("last_active_update_failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *Handler) ackOK(client *Client, ackID string, msg *protocol.ServerMessage) {
	if ackID == "" {
		return
	}
	h.enqueue(client, protocol.EventAck, ackID, protocol.AckPayload{Status: protocol.StatusOK, Message: msg})
}

// reject answers a request with an error ack, or an error event when the
// client did not ask for an acknowledgement.
func (h *Handler) reject(client *Client, ackID, reason string) {
	if ackID != "" {
		h.enqueue(client, protocol.EventAck, ackID, protocol.AckPayload{Status: protocol.StatusError, Error: reason})
		return
	}
	h.enqueue(client, protocol.EventError, "", protocol.ErrorPayload{Error: reason})
}

func (h *Handler) enqueue(client *Client, event, ackID string, payload any) {
	env, err := protocol.NewEnvelope(event, ackID, payload)
	if err != nil {
		h.log.Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.manager.SendTo(client, env); err != nil {
		h.log.Warn("enqueue_failed", zap.String("user_id", client.UserID), zap.String("event", event), zap.Error(err))
	}
}
