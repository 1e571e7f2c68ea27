package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"socialchat/pkg/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockStore is a testify double for failure paths.
type mockStore struct{ mock.Mock }

func (m *mockStore) SaveMessage(ctx context.Context, msg protocol.ServerMessage) (protocol.ServerMessage, bool, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(protocol.ServerMessage), args.Bool(1), args.Error(2)
}

func (m *mockStore) GetConversationHistory(ctx context.Context, conversationID string, before protocol.Cursor, limit int) ([]protocol.ServerMessage, error) {
	args := m.Called(ctx, conversationID, before, limit)
	msgs, _ := args.Get(0).([]protocol.ServerMessage)
	return msgs, args.Error(1)
}

func (m *mockStore) MarkMessagesAsRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	args := m.Called(ctx, conversationID, readerID, messageIDs)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *mockStore) SetReaction(ctx context.Context, conversationID, messageID, userID, reaction string) error {
	return m.Called(ctx, conversationID, messageID, userID, reaction).Error(0)
}

func (m *mockStore) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	return m.Called(ctx, conversationID, messageID, userID).Error(0)
}

func (m *mockStore) UpdateLastActive(ctx context.Context, userID string, at time.Time) error {
	return m.Called(ctx, userID, at).Error(0)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(store MessageStore) (*Handler, *ConnectionManager) {
	manager := NewConnectionManager()
	h := NewHandler(manager, Options{Store: store, Now: func() time.Time { return fixedNow }})
	return h, manager
}

func envelope(t *testing.T, event, ackID string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, ackID, payload)
	require.NoError(t, err)
	return env
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(time.Second):
		t.Fatalf("no envelope for %s", c.UserID)
		return protocol.Envelope{}
	}
}

func requireIdle(t *testing.T, c *Client) {
	t.Helper()
	select {
	case env := <-c.Send:
		t.Fatalf("unexpected %s for %s", env.Event, c.UserID)
	default:
	}
}

func decodeAck(t *testing.T, env protocol.Envelope) protocol.AckPayload {
	t.Helper()
	require.Equal(t, protocol.EventAck, env.Event)
	var ack protocol.AckPayload
	require.NoError(t, env.Decode(&ack))
	return ack
}

func joinedPair(t *testing.T, h *Handler, manager *ConnectionManager, conv string) (*Client, *Client) {
	t.Helper()
	alice, _ := manager.AddClient("alice", nil)
	bob, _ := manager.AddClient("bob", nil)
	h.route(alice, envelope(t, protocol.EventJoin, "j1", protocol.RoomPayload{ConversationID: conv}))
	h.route(bob, envelope(t, protocol.EventJoin, "j2", protocol.RoomPayload{ConversationID: conv}))
	require.True(t, decodeAck(t, next(t, alice)).OK())
	require.True(t, decodeAck(t, next(t, bob)).OK())
	return alice, bob
}

func TestValidateMessage(t *testing.T) {
	h, manager := newTestHandler(nil)
	client, _ := manager.AddClient("alice", nil)
	manager.Join(client, "conv-1")

	tests := []struct {
		name    string
		payload protocol.SendPayload
		wantErr bool
	}{
		{"empty content", protocol.SendPayload{ConversationID: "conv-1", Kind: "text"}, true},
		{"missing conversation", protocol.SendPayload{Kind: "text", Text: "hi"}, true},
		{"not joined", protocol.SendPayload{ConversationID: "conv-2", Kind: "text", Text: "hi"}, true},
		{"image without media", protocol.SendPayload{ConversationID: "conv-1", Kind: "image"}, true},
		{"unknown kind", protocol.SendPayload{ConversationID: "conv-1", Kind: "poll", Text: "hi"}, true},
		{"valid text", protocol.SendPayload{ConversationID: "conv-1", Kind: "text", Text: "hi"}, false},
		{"valid gif", protocol.SendPayload{ConversationID: "conv-1", Kind: "gif", Media: &protocol.Media{URL: "http://x/a.gif"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.validateMessage(client, tt.payload)
			require.Equal(t, tt.wantErr, err != nil)
		})
	}
}

// TestProcessMessage_EchoesToRoom checks that the sender gets the echo with
// its local id, a delivered notice and the ack, and the peer gets the echo.
func TestProcessMessage_EchoesToRoom(t *testing.T) {
	h, manager := newTestHandler(NewMemoryMessageStore())
	alice, bob := joinedPair(t, h, manager, "conv-1")

	h.route(alice, envelope(t, protocol.EventSend, "a1", protocol.SendPayload{
		LocalID: "local-1", ConversationID: "conv-1", Kind: "text", Text: "hello",
	}))

	echo := next(t, alice)
	require.Equal(t, protocol.EventMessage, echo.Event)
	var sm protocol.ServerMessage
	require.NoError(t, echo.Decode(&sm))
	require.Equal(t, "local-1", sm.LocalID)
	require.Equal(t, "alice", sm.SenderID)
	require.Equal(t, fixedNow, sm.CreatedAt)

	delivered := next(t, alice)
	require.Equal(t, protocol.EventDelivered, delivered.Event)
	var dp protocol.DeliveredPayload
	require.NoError(t, delivered.Decode(&dp))
	require.Equal(t, []string{sm.ID}, dp.MessageIDs)

	ack := decodeAck(t, next(t, alice))
	require.True(t, ack.OK())
	require.Equal(t, sm.ID, ack.Message.ID)

	peer := next(t, bob)
	require.Equal(t, protocol.EventMessage, peer.Event)
	requireIdle(t, bob)
}

// TestProcessMessage_RetryIsDeduplicated ensures a resend with the same local
// id is acked with the stored message and not broadcast twice.
func TestProcessMessage_RetryIsDeduplicated(t *testing.T) {
	h, manager := newTestHandler(NewMemoryMessageStore())
	alice, bob := joinedPair(t, h, manager, "conv-1")

	send := protocol.SendPayload{LocalID: "local-1", ConversationID: "conv-1", Kind: "text", Text: "hello"}
	h.route(alice, envelope(t, protocol.EventSend, "a1", send))
	next(t, alice) // echo
	next(t, alice) // delivered
	first := decodeAck(t, next(t, alice))
	next(t, bob)

	h.route(alice, envelope(t, protocol.EventSend, "a2", send))
	second := decodeAck(t, next(t, alice))
	require.True(t, second.OK())
	require.Equal(t, first.Message.ID, second.Message.ID)
	requireIdle(t, bob)
}

func TestProcessMessage_SaveError(t *testing.T) {
	store := &mockStore{}
	store.On("SaveMessage", mock.Anything, mock.Anything).
		Return(protocol.ServerMessage{}, false, errors.New("db down"))
	h, manager := newTestHandler(store)
	alice, bob := joinedPair(t, h, manager, "conv-1")

	h.route(alice, envelope(t, protocol.EventSend, "a1", protocol.SendPayload{
		LocalID: "local-1", ConversationID: "conv-1", Kind: "text", Text: "hello",
	}))

	ack := decodeAck(t, next(t, alice))
	require.False(t, ack.OK())
	require.Equal(t, "failed to persist message", ack.Error)
	requireIdle(t, bob)
	store.AssertExpectations(t)
}

func TestProcessMessage_NotJoinedRejected(t *testing.T) {
	store := &mockStore{}
	h, manager := newTestHandler(store)
	alice, _ := manager.AddClient("alice", nil)

	h.route(alice, envelope(t, protocol.EventSend, "a1", protocol.SendPayload{
		LocalID: "local-1", ConversationID: "conv-1", Kind: "text", Text: "hello",
	}))

	ack := decodeAck(t, next(t, alice))
	require.False(t, ack.OK())
	store.AssertNotCalled(t, "SaveMessage", mock.Anything, mock.Anything)
}

func TestTyping_FansOutToOthersOnly(t *testing.T) {
	h, manager := newTestHandler(NewMemoryMessageStore())
	alice, bob := joinedPair(t, h, manager, "conv-1")

	h.route(alice, envelope(t, protocol.EventTypingStart, "", protocol.RoomPayload{ConversationID: "conv-1"}))
	h.route(alice, envelope(t, protocol.EventTypingStop, "", protocol.RoomPayload{ConversationID: "conv-1"}))

	var start, stop protocol.TypingPayload
	require.NoError(t, next(t, bob).Decode(&start))
	require.NoError(t, next(t, bob).Decode(&stop))
	require.Equal(t, protocol.TypingPayload{ConversationID: "conv-1", UserID: "alice", IsTyping: true}, start)
	require.False(t, stop.IsTyping)
	requireIdle(t, alice)
}

func TestReactionAndDelete(t *testing.T) {
	store := NewMemoryMessageStore()
	h, manager := newTestHandler(store)
	alice, bob := joinedPair(t, h, manager, "conv-1")

	saved, _, err := store.SaveMessage(context.Background(), protocol.ServerMessage{
		ID: "m1", ConversationID: "conv-1", SenderID: "alice", Kind: "text", Text: "hi", CreatedAt: fixedNow,
	})
	require.NoError(t, err)

	h.route(bob, envelope(t, protocol.EventAddReaction, "r1", protocol.ReactionRequest{
		ConversationID: "conv-1", MessageID: saved.ID, Reaction: "👍",
	}))
	reaction := next(t, bob)
	require.Equal(t, protocol.EventReaction, reaction.Event)
	require.True(t, decodeAck(t, next(t, bob)).OK())
	var rp protocol.ReactionPayload
	require.NoError(t, next(t, alice).Decode(&rp))
	require.Equal(t, "bob", rp.UserID)
	require.Equal(t, "👍", *rp.Reaction)

	h.route(bob, envelope(t, protocol.EventAddReaction, "r2", protocol.ReactionRequest{
		ConversationID: "conv-1", MessageID: saved.ID,
	}))
	require.NoError(t, next(t, alice).Decode(&rp))
	require.Nil(t, rp.Reaction)
	next(t, bob)
	decodeAck(t, next(t, bob))

	h.route(bob, envelope(t, protocol.EventDeleteMessage, "d1", protocol.DeletePayload{
		ConversationID: "conv-1", MessageID: saved.ID,
	}))
	ack := decodeAck(t, next(t, bob))
	require.False(t, ack.OK())
	require.Equal(t, "not the author", ack.Error)

	h.route(alice, envelope(t, protocol.EventDeleteMessage, "d2", protocol.DeletePayload{
		ConversationID: "conv-1", MessageID: saved.ID,
	}))
	require.Equal(t, protocol.EventDeleted, next(t, alice).Event)
	require.True(t, decodeAck(t, next(t, alice)).OK())
	require.Equal(t, protocol.EventDeleted, next(t, bob).Event)

	h.route(bob, envelope(t, protocol.EventAddReaction, "r3", protocol.ReactionRequest{
		ConversationID: "conv-1", MessageID: saved.ID, Reaction: "😂",
	}))
	ack = decodeAck(t, next(t, bob))
	require.Equal(t, "message not found", ack.Error)
}

func TestUnknownEventWithoutAckSendsError(t *testing.T) {
	h, manager := newTestHandler(nil)
	alice, _ := manager.AddClient("alice", nil)

	h.route(alice, protocol.Envelope{Event: "dance", Data: json.RawMessage(`{}`)})

	env := next(t, alice)
	require.Equal(t, protocol.EventError, env.Event)
	var p protocol.ErrorPayload
	require.NoError(t, env.Decode(&p))
	require.Contains(t, p.Error, "dance")
}

// mockUpgrader allows testing that the handler uses the injected upgrader.
type mockUpgrader struct{ called bool }

func (m *mockUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, _ http.Header) (*websocket.Conn, error) {
	m.called = true
	return nil, errors.New("upgrade failed (test)")
}

// TestHandleWebSocket_UsesInjectedUpgrader verifies the handler calls the configured upgrader
// and handles upgrade failure without adding a client.
func TestHandleWebSocket_UsesInjectedUpgrader(t *testing.T) {
	sessions := NewSessionRegistry()
	token, userID, err := sessions.Issue("")
	require.NoError(t, err)

	manager := NewConnectionManager()
	h := NewHandler(manager, Options{Sessions: sessions})
	mu := &mockUpgrader{}
	h.SetWebSocketUpgrader(mu)

	rr := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rr)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)
	c.Request.Header.Set("Authorization", "Bearer "+token)

	h.HandleWebSocket(c)

	require.True(t, mu.called, "expected upgrader to be called")
	require.False(t, manager.IsOnline(userID), "user should not be online after failed upgrade")
}

func TestHandleWebSocket_RejectsUnknownToken(t *testing.T) {
	h := NewHandler(NewConnectionManager(), Options{})
	mu := &mockUpgrader{}
	h.SetWebSocketUpgrader(mu)

	rr := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rr)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws?token=nope", nil)

	h.HandleWebSocket(c)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.False(t, mu.called)
}

func TestConnectionManager_MultiDevicePresence(t *testing.T) {
	manager := NewConnectionManager()
	phone, first := manager.AddClient("alice", nil)
	require.True(t, first)
	laptop, first := manager.AddClient("alice", nil)
	require.False(t, first)

	manager.Join(phone, "conv-1")
	manager.Join(laptop, "conv-1")
	require.Equal(t, []string{"alice"}, manager.RoomUsers("conv-1"))

	require.False(t, manager.RemoveClient(phone))
	require.True(t, manager.IsOnline("alice"))
	require.True(t, manager.RemoveClient(laptop))
	require.False(t, manager.IsOnline("alice"))
	require.Empty(t, manager.RoomUsers("conv-1"))

	// removing twice is harmless
	require.False(t, manager.RemoveClient(laptop))
}
