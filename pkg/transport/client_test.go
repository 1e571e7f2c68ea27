package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"socialchat/pkg/protocol"
)

const testToken = "tok-1"

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(env)
}

// fakeRelay is a minimal relay: it authenticates, greets, records every
// inbound frame and, when autoAck is set, acknowledges requests.
type fakeRelay struct {
	t        *testing.T
	srv      *httptest.Server
	refuse   atomic.Bool
	autoAck  atomic.Bool
	dials    atomic.Int32
	received chan protocol.Envelope

	mu    sync.Mutex
	peers []*peer
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{t: t, received: make(chan protocol.Envelope, 64)}
	r.autoAck.Store(true)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.dials.Add(1)
		if r.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if req.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		p := &peer{conn: conn}
		r.mu.Lock()
		r.peers = append(r.peers, p)
		r.mu.Unlock()

		hello, _ := protocol.NewEnvelope(protocol.EventConnected, "", protocol.ConnectedPayload{UserID: "user-1"})
		if err := p.write(hello); err != nil {
			return
		}
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			select {
			case r.received <- env:
			default:
			}
			if env.AckID == "" || !r.autoAck.Load() {
				continue
			}
			ack := protocol.AckPayload{Status: protocol.StatusOK}
			if env.Event == protocol.EventSend {
				var sp protocol.SendPayload
				_ = env.Decode(&sp)
				ack.Message = &protocol.ServerMessage{
					ID:             "srv-1",
					LocalID:        sp.LocalID,
					ConversationID: sp.ConversationID,
					SenderID:       "user-1",
					Kind:           sp.Kind,
					Text:           sp.Text,
					CreatedAt:      sp.CreatedAt,
				}
			}
			if env.Event == protocol.EventDeleteMessage {
				ack = protocol.AckPayload{Status: protocol.StatusError, Error: "not the author"}
			}
			reply, _ := protocol.NewEnvelope(protocol.EventAck, env.AckID, ack)
			_ = p.write(reply)
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) push(t *testing.T, event string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, "", payload)
	require.NoError(t, err)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		_ = p.write(env)
	}
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		p.conn.Close()
	}
	r.peers = nil
}

func (r *fakeRelay) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-r.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("relay received nothing")
		return protocol.Envelope{}
	}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(Options{
		URL:                  url,
		Token:                testToken,
		AckTimeout:           200 * time.Millisecond,
		HandshakeTimeout:     time.Second,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnect_Handshake(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())

	require.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, "user-1", c.UserID())

	select {
	case <-c.Ready():
	default:
		t.Fatal("ready channel not closed after handshake")
	}

	// connecting again is a no-op
	require.NoError(t, c.Connect(context.Background()))
	require.EqualValues(t, 1, relay.dials.Load())
}

func TestConnect_Unauthorized(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())
	c.SetToken("wrong")

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, StateDisconnected, c.State())
}

func TestCallsBeforeConnectFailFast(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws")

	err := c.Emit(context.Background(), protocol.EventTypingStart, protocol.RoomPayload{ConversationID: "c"})
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = c.SendMessage(context.Background(), protocol.SendPayload{LocalID: "l"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRequest_AckCorrelation(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())
	require.NoError(t, c.Connect(context.Background()))

	ack, err := c.SendMessage(context.Background(), protocol.SendPayload{
		LocalID:        "local-7",
		ConversationID: "conv-1",
		Kind:           "text",
		Text:           "hello",
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ack.OK())
	require.NotNil(t, ack.Message)
	require.Equal(t, "local-7", ack.Message.LocalID)
	require.Equal(t, "srv-1", ack.Message.ID)

	sent := relay.next(t)
	require.Equal(t, protocol.EventSend, sent.Event)
	require.NotEmpty(t, sent.AckID)
}

func TestRequest_ErrorAckIsRejected(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())
	require.NoError(t, c.Connect(context.Background()))

	err := c.DeleteMessage(context.Background(), protocol.DeletePayload{ConversationID: "conv-1", MessageID: "m1"})
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "not the author")
}

func TestRequest_AckTimeout(t *testing.T) {
	relay := newFakeRelay(t)
	relay.autoAck.Store(false)
	c := newTestClient(t, relay.url())
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	_, err := c.SendMessage(context.Background(), protocol.SendPayload{LocalID: "l"})
	require.ErrorIs(t, err, ErrAckTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSubscribe_DeliversAndUnsubscribes(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())

	got := make(chan protocol.TypingPayload, 4)
	unsubscribe := c.Subscribe(protocol.EventTyping, func(env protocol.Envelope) {
		var p protocol.TypingPayload
		_ = env.Decode(&p)
		got <- p
	})
	require.NoError(t, c.Connect(context.Background()))

	relay.push(t, protocol.EventTyping, protocol.TypingPayload{ConversationID: "conv-1", UserID: "peer", IsTyping: true})
	select {
	case p := <-got:
		require.Equal(t, "peer", p.UserID)
		require.True(t, p.IsTyping)
	case <-time.After(2 * time.Second):
		t.Fatal("typing event not delivered")
	}

	unsubscribe()
	relay.push(t, protocol.EventTyping, protocol.TypingPayload{ConversationID: "conv-1", UserID: "peer"})
	// a follow-up request proves the typing frame was read before we check
	require.NoError(t, c.Join(context.Background(), "conv-1"))
	require.Empty(t, got)
}

func TestSubscribe_PanickingHandlerIsContained(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())
	c.Subscribe(protocol.EventPresence, func(protocol.Envelope) { panic("boom") })
	require.NoError(t, c.Connect(context.Background()))

	relay.push(t, protocol.EventPresence, protocol.PresencePayload{UserID: "peer", Online: true})
	require.NoError(t, c.Join(context.Background(), "conv-1"))
	require.Equal(t, StateConnected, c.State())
}

func TestEmit_TypedHelpers(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.TypingStart(context.Background(), "conv-1"))
	env := relay.next(t)
	require.Equal(t, protocol.EventTypingStart, env.Event)
	require.Empty(t, env.AckID)

	var room protocol.RoomPayload
	require.NoError(t, env.Decode(&room))
	require.Equal(t, "conv-1", room.ConversationID)

	require.NoError(t, c.Leave(context.Background(), "conv-1"))
	require.Equal(t, protocol.EventLeave, relay.next(t).Event)

	require.NoError(t, c.AddReaction(context.Background(), protocol.ReactionRequest{ConversationID: "conv-1", MessageID: "m1", Reaction: "👍"}))
	require.Equal(t, protocol.EventAddReaction, relay.next(t).Event)
}

func TestReconnect_AfterConnectionLoss(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func() { reconnected <- struct{}{} })

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	relay.dropAll()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Equal(t, StateConnected, c.State())
	require.NoError(t, c.Join(context.Background(), "conv-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, StateReconnecting)
	require.Equal(t, StateConnected, states[len(states)-1])
}

func TestReconnect_Exhausted(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())

	closed := make(chan struct{})
	var once sync.Once
	c.OnStateChange(func(s State) {
		if s == StateClosed {
			once.Do(func() { close(closed) })
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	relay.refuse.Store(true)
	relay.dropAll()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("client never gave up")
	}
	require.True(t, errors.Is(c.Err(), ErrReconnectExhausted))
	require.EqualValues(t, 1+3, relay.dials.Load())

	_, err := c.SendMessage(context.Background(), protocol.SendPayload{LocalID: "l"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_IsFinal(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(t, relay.url())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, StateClosed, c.State())

	err := c.Emit(context.Background(), protocol.EventTypingStop, protocol.RoomPayload{ConversationID: "c"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	c := New(Options{ReconnectBaseDelay: 500 * time.Millisecond, ReconnectMaxDelay: 10 * time.Second})

	require.Equal(t, 500*time.Millisecond, c.backoff(0))
	require.Equal(t, time.Second, c.backoff(1))
	require.Equal(t, 4*time.Second, c.backoff(3))
	require.Equal(t, 8*time.Second, c.backoff(4))
	require.Equal(t, 10*time.Second, c.backoff(5))
	require.Equal(t, 10*time.Second, c.backoff(7))
}
