package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"socialchat/pkg/logger"
	"socialchat/pkg/protocol"
)

const defaultTypingExpiry = 5 * time.Second

// Subscriber delivers inbound events from the shared connection.
type Subscriber interface {
	Subscribe(event string, fn func(protocol.Envelope)) (unsubscribe func())
}

// Options configure an Aggregator.
type Options struct {
	// SelfID filters out the local user's own typing echoes.
	SelfID string
	// Expiry clears a typing indicator that is not refreshed in time.
	Expiry time.Duration
	Logger *zap.Logger
}

type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

// Aggregator tracks who is typing in each conversation and who is online.
// A typing indicator disappears on an explicit stop or when no new start
// arrives within the expiry window, whichever comes first.
type Aggregator struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	gen        uint64
	typing     map[string]map[string]*typingEntry // conversation -> user
	online     map[string]bool
	onChange   func(conversationID string)
	onPresence func(userID string, online bool)
	closed     bool
}

func NewAggregator(opts Options) *Aggregator {
	if opts.Expiry <= 0 {
		opts.Expiry = defaultTypingExpiry
	}
	opts.Logger = logger.OrNop(opts.Logger)
	return &Aggregator{
		opts:   opts,
		log:    opts.Logger.With(zap.String("component", "presence")),
		typing: make(map[string]map[string]*typingEntry),
		online: make(map[string]bool),
	}
}

// OnChange registers the callback fired when a conversation's typing set changes.
func (a *Aggregator) OnChange(fn func(conversationID string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// OnPresence registers the callback fired when a user goes online or offline.
func (a *Aggregator) OnPresence(fn func(userID string, online bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPresence = fn
}

// OnTyping applies a typing start or stop for userID in a conversation.
func (a *Aggregator) OnTyping(conversationID, userID string, isTyping bool) {
	if conversationID == "" || userID == "" || userID == a.opts.SelfID {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	users := a.typing[conversationID]
	entry, present := users[userID]

	changed := false
	switch {
	case isTyping:
		if present {
			entry.timer.Stop()
		} else {
			if users == nil {
				users = make(map[string]*typingEntry)
				a.typing[conversationID] = users
			}
			entry = &typingEntry{}
			users[userID] = entry
			changed = true
		}
		a.gen++
		gen := a.gen
		entry.gen = gen
		entry.timer = time.AfterFunc(a.opts.Expiry, func() {
			a.expire(conversationID, userID, gen)
		})
	case present:
		entry.timer.Stop()
		a.drop(conversationID, userID)
		changed = true
	}
	fn := a.onChange
	a.mu.Unlock()

	if changed && fn != nil {
		fn(conversationID)
	}
}

// expire clears an indicator unless it was refreshed or stopped since the
// timer was armed.
func (a *Aggregator) expire(conversationID, userID string, gen uint64) {
	a.mu.Lock()
	entry, ok := a.typing[conversationID][userID]
	if !ok || entry.gen != gen || a.closed {
		a.mu.Unlock()
		return
	}
	a.drop(conversationID, userID)
	fn := a.onChange
	a.mu.Unlock()

	a.log.Debug("typing_expired", zap.String("conversation_id", conversationID), zap.String("user_id", userID))
	if fn != nil {
		fn(conversationID)
	}
}

func (a *Aggregator) drop(conversationID, userID string) {
	delete(a.typing[conversationID], userID)
	if len(a.typing[conversationID]) == 0 {
		delete(a.typing, conversationID)
	}
}

// IsTyping reports whether anyone other than the local user is typing.
func (a *Aggregator) IsTyping(conversationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.typing[conversationID]) > 0
}

// TypingUsers lists the users currently typing, sorted.
func (a *Aggregator) TypingUsers(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	users := make([]string, 0, len(a.typing[conversationID]))
	for u := range a.typing[conversationID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// OnOnline records a presence update.
func (a *Aggregator) OnOnline(userID string, online bool) {
	if userID == "" {
		return
	}
	a.mu.Lock()
	prev := a.online[userID]
	if online {
		a.online[userID] = true
	} else {
		delete(a.online, userID)
	}
	fn := a.onPresence
	a.mu.Unlock()

	if prev != online && fn != nil {
		fn(userID, online)
	}
}

func (a *Aggregator) IsOnline(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online[userID]
}

// Attach feeds the aggregator from the connection's typing and presence events.
func (a *Aggregator) Attach(sub Subscriber) (detach func()) {
	unTyping := sub.Subscribe(protocol.EventTyping, func(env protocol.Envelope) {
		var p protocol.TypingPayload
		if err := env.Decode(&p); err != nil {
			a.log.Warn("invalid_event_payload", zap.String("event", env.Event), zap.Error(err))
			return
		}
		a.OnTyping(p.ConversationID, p.UserID, p.IsTyping)
	})
	unPresence := sub.Subscribe(protocol.EventPresence, func(env protocol.Envelope) {
		var p protocol.PresencePayload
		if err := env.Decode(&p); err != nil {
			a.log.Warn("invalid_event_payload", zap.String("event", env.Event), zap.Error(err))
			return
		}
		a.OnOnline(p.UserID, p.Online)
	})
	return func() {
		unTyping()
		unPresence()
	}
}

// Close stops every pending expiry timer.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, users := range a.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	a.typing = make(map[string]map[string]*typingEntry)
}
