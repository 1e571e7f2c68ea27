package devserver

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SessionRegistry maps opaque bearer tokens to user ids.
type SessionRegistry struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{tokens: make(map[string]string)}
}

// Issue mints a token for userID, generating a user id when it is empty.
func (s *SessionRegistry) Issue(userID string) (token, user string, err error) {
	if userID == "" {
		userID = uuid.NewString()
	} else if _, err := uuid.Parse(userID); err != nil {
		return "", "", fmt.Errorf("invalid user_id format")
	}

	token = uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = userID
	s.mu.Unlock()
	return token, userID, nil
}

// Resolve returns the user a token was issued to.
func (s *SessionRegistry) Resolve(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.tokens[token]
	return userID, ok
}

// Revoke forgets a token.
func (s *SessionRegistry) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for browser WebSocket clients.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
