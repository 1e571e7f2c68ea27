package devserver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"socialchat/pkg/protocol"
)

// Client represents one connected device of a user.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan protocol.Envelope // buffered to absorb bursts
	Done   chan struct{}

	once sync.Once
}

func newClient(userID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan protocol.Envelope, 32),
		Done:   make(chan struct{}),
	}
}

func (c *Client) stop() {
	c.once.Do(func() { close(c.Done) })
}

// ConnectionManager tracks live connections per user and room membership
// per conversation. A user may be connected from several devices.
type ConnectionManager struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // user_id -> connections
	rooms   map[string]map[*Client]struct{} // conversation_id -> members
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// AddClient registers a connection. first reports whether the user was
// offline until now.
func (cm *ConnectionManager) AddClient(userID string, conn *websocket.Conn) (client *Client, first bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	client = newClient(userID, conn)
	conns := cm.clients[userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		cm.clients[userID] = conns
	}
	first = len(conns) == 0
	conns[client] = struct{}{}
	return client, first
}

// RemoveClient unregisters a connection and drops it from every room.
// last reports whether the user has no connection left.
func (cm *ConnectionManager) RemoveClient(client *Client) (last bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	client.stop()
	for conv, members := range cm.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(cm.rooms, conv)
		}
	}

	conns, ok := cm.clients[client.UserID]
	if !ok {
		return false
	}
	if _, present := conns[client]; !present {
		return false
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(cm.clients, client.UserID)
		return true
	}
	return false
}

func (cm *ConnectionManager) Join(client *Client, conversationID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	members := cm.rooms[conversationID]
	if members == nil {
		members = make(map[*Client]struct{})
		cm.rooms[conversationID] = members
	}
	members[client] = struct{}{}
}

func (cm *ConnectionManager) Leave(client *Client, conversationID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if members, ok := cm.rooms[conversationID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(cm.rooms, conversationID)
		}
	}
}

func (cm *ConnectionManager) InRoom(client *Client, conversationID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	_, ok := cm.rooms[conversationID][client]
	return ok
}

// RoomUsers lists the distinct users with a connection in the room.
func (cm *ConnectionManager) RoomUsers(conversationID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	seen := make(map[string]struct{})
	for c := range cm.rooms[conversationID] {
		seen[c.UserID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// IsOnline checks if a user has at least one live connection.
func (cm *ConnectionManager) IsOnline(userID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return len(cm.clients[userID]) > 0
}

// GetOnlineUsers returns the ids of every connected user, sorted.
func (cm *ConnectionManager) GetOnlineUsers() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	users := make([]string, 0, len(cm.clients))
	for userID := range cm.clients {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// SendTo queues an envelope for one connection without blocking.
func (cm *ConnectionManager) SendTo(client *Client, env protocol.Envelope) error {
	select {
	case <-client.Done:
		return fmt.Errorf("connection %s closed", client.ID)
	default:
	}
	select {
	case client.Send <- env:
		return nil
	case <-client.Done:
		return fmt.Errorf("connection %s closed", client.ID)
	default:
		return fmt.Errorf("connection %s queue full", client.ID)
	}
}

// BroadcastToUser queues an envelope for every connection of a user.
func (cm *ConnectionManager) BroadcastToUser(userID string, env protocol.Envelope) error {
	cm.mu.RLock()
	targets := make([]*Client, 0, len(cm.clients[userID]))
	for c := range cm.clients[userID] {
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("user %s is not online", userID)
	}
	var firstErr error
	for _, c := range targets {
		if err := cm.SendTo(c, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BroadcastToRoom queues an envelope for every room member except skip
// (which may be nil) and returns how many connections accepted it.
func (cm *ConnectionManager) BroadcastToRoom(conversationID string, env protocol.Envelope, skip *Client) int {
	cm.mu.RLock()
	targets := make([]*Client, 0, len(cm.rooms[conversationID]))
	for c := range cm.rooms[conversationID] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	cm.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if cm.SendTo(c, env) == nil {
			n++
		}
	}
	return n
}

// BroadcastAll queues an envelope for every connection not owned by exceptUser.
func (cm *ConnectionManager) BroadcastAll(env protocol.Envelope, exceptUser string) {
	cm.mu.RLock()
	var targets []*Client
	for userID, conns := range cm.clients {
		if userID == exceptUser {
			continue
		}
		for c := range conns {
			targets = append(targets, c)
		}
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		_ = cm.SendTo(c, env)
	}
}
