package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialchat/pkg/logger"
	"socialchat/pkg/metrics"
	"socialchat/pkg/protocol"
)

const (
	defaultTolerance  = 5 * time.Second
	defaultAckTimeout = 10 * time.Second
	defaultPageSize   = 30
)

// Transport is the outbound side of the real-time connection a Session needs.
type Transport interface {
	SendMessage(ctx context.Context, p protocol.SendPayload) (protocol.AckPayload, error)
	AddReaction(ctx context.Context, p protocol.ReactionRequest) error
	DeleteMessage(ctx context.Context, p protocol.DeletePayload) error
}

// HistorySource returns a newest-first page of messages older than the
// cursor. A zero cursor asks for the newest page.
type HistorySource interface {
	FetchHistory(ctx context.Context, conversationID string, before protocol.Cursor, limit int) ([]protocol.ServerMessage, error)
}

// Options configure a Session. Zero values fall back to defaults.
type Options struct {
	SelfID string
	// Tolerance bounds the createdAt distance for content-matched echoes.
	Tolerance  time.Duration
	AckTimeout time.Duration
	PageSize   int
	Now        func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = defaultTolerance
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = logger.OrNop(o.Logger)
	return o
}

// Session holds the reconciled message list of one conversation.
type Session struct {
	conversationID string
	transport      Transport
	history        HistorySource
	opts           Options
	log            *zap.Logger

	mu       sync.Mutex
	messages []*Message // newest first
	byLocal  map[string]*Message
	byID     map[string]*Message
	seq      uint64
	oldest   protocol.Cursor
	hasMore  bool
	closed   bool
	updates  chan struct{}
	inflight sync.WaitGroup
}

// NewSession creates an empty session. history may be nil.
func NewSession(conversationID string, transport Transport, history HistorySource, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		conversationID: conversationID,
		transport:      transport,
		history:        history,
		opts:           opts,
		log:            opts.Logger.With(zap.String("conversation_id", conversationID)),
		byLocal:        make(map[string]*Message),
		byID:           make(map[string]*Message),
		hasMore:        true,
		updates:        make(chan struct{}, 1),
	}
}

// ConversationID returns the conversation this session belongs to.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Updates signals (coalesced) whenever the message list changes.
// The channel is closed when the session is closed.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// CreatePending appends a locally originated message in the pending state
// and returns its correlation id.
func (s *Session) CreatePending(content Content, kind Kind, replyToID string) (string, error) {
	if kind == "" {
		kind = KindText
	}
	if err := validateContent(content, kind); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}

	now := s.opts.Now()
	m := &Message{
		LocalID:        newLocalID(now),
		ConversationID: s.conversationID,
		SenderID:       s.opts.SelfID,
		Content:        content,
		Kind:           kind,
		ReplyToID:      replyToID,
		CreatedAt:      now,
		State:          StatePending,
	}
	if m.Content.Media != nil {
		media := *m.Content.Media
		m.Content.Media = &media
	}
	s.insert(m)
	s.notify()
	return m.LocalID, nil
}

// Submit hands a pending message to the transport and waits for the
// acknowledgement. Any failure leaves the message in the failed state;
// nothing is retried automatically.
func (s *Session) Submit(ctx context.Context, localID string) error {
	s.mu.Lock()
	m, ok := s.byLocal[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("submit %s: %w", localID, ErrUnknownMessage)
	}
	if m.State != StatePending {
		s.mu.Unlock()
		return nil
	}
	payload := protocol.SendPayload{
		LocalID:        m.LocalID,
		ConversationID: s.conversationID,
		Kind:           string(m.Kind),
		Text:           m.Content.Text,
		Media:          m.Content.Media,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      m.CreatedAt,
	}
	s.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.AckTimeout)
	ack, err := s.transport.SendMessage(sendCtx, payload)
	cancel()
	if err == nil && !ack.OK() {
		err = fmt.Errorf("%w: %s", ErrSendRejected, ack.Error)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		reason := "unavailable"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case errors.Is(err, ErrSendRejected):
			reason = "rejected"
		}
		// an echo confirmed the message while we were waiting
		if m.State != StatePending {
			s.log.Debug("send_ack_lost_after_echo", zap.String("local_id", localID), zap.String("reason", reason))
			return nil
		}
		m.State = StateFailed
		s.notify()
		s.opts.Metrics.IncSendFailure(reason)
		s.log.Warn("send_failed", zap.String("local_id", localID), zap.String("reason", reason), zap.Error(err))
		return fmt.Errorf("submit %s: %w", localID, err)
	}

	s.opts.Metrics.IncSent()
	if ack.Message != nil {
		s.confirm(m, *ack.Message)
	} else {
		m.advance(StateSent)
	}
	s.notify()
	return nil
}

// Retry re-submits a failed message under the same local id.
func (s *Session) Retry(ctx context.Context, localID string) error {
	s.mu.Lock()
	m, ok := s.byLocal[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("retry %s: %w", localID, ErrUnknownMessage)
	}
	if m.State != StateFailed {
		s.mu.Unlock()
		return fmt.Errorf("retry %s: %w", localID, ErrNotRetryable)
	}
	m.State = StatePending
	s.notify()
	s.mu.Unlock()

	return s.Submit(ctx, localID)
}

// Send creates a pending message and submits it in the background. The
// returned local id is usable immediately; the outcome shows up as the
// message's delivery state. Submissions are not cancelled with ctx.
func (s *Session) Send(ctx context.Context, content Content, kind Kind, replyToID string) (string, error) {
	localID, err := s.CreatePending(content, kind, replyToID)
	if err != nil {
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_ = s.Submit(bg, localID)
	}()
	return localID, nil
}

// Wait blocks until every background submission started by Send has finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// OnInboundMessage reconciles a message surfaced by the transport.
func (s *Session) OnInboundMessage(sm protocol.ServerMessage) {
	if sm.ConversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	path := s.apply(sm)
	s.opts.Metrics.IncReconciled(path)
	if path != metrics.PathDuplicate {
		s.notify()
	}
}

// apply merges one server message and returns the reconciliation path taken.
func (s *Session) apply(sm protocol.ServerMessage) string {
	if sm.ID != "" {
		if existing, ok := s.byID[sm.ID]; ok {
			if sm.Deleted && existing.tombstone() {
				s.notify()
			}
			return metrics.PathDuplicate
		}
	}

	if sm.LocalID != "" {
		if m, ok := s.byLocal[sm.LocalID]; ok && m.ID == "" {
			s.confirm(m, sm)
			return metrics.PathCorrelated
		}
	}

	// an echoed local id that is not ours was sent from another device
	if sm.LocalID == "" {
		if m := s.matchPending(sm); m != nil {
			s.confirm(m, sm)
			return metrics.PathHeuristic
		}
	}

	m := fromServer(sm, s.opts.SelfID)
	s.insert(m)
	return metrics.PathInserted
}

// matchPending finds the oldest unconfirmed own message with the same
// content created within the tolerance window. It only applies to echoes
// that carry no local id.
func (s *Session) matchPending(sm protocol.ServerMessage) *Message {
	if sm.SenderID == "" || sm.SenderID != s.opts.SelfID {
		return nil
	}
	incoming := Content{Text: sm.Text, Media: sm.Media}
	kind := Kind(sm.Kind)
	if kind == "" {
		kind = KindText
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ID != "" || (m.State != StatePending && m.State != StateSent) {
			continue
		}
		if m.Kind != kind || !m.Content.equal(incoming) {
			continue
		}
		delta := sm.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.opts.Tolerance {
			return m
		}
	}
	return nil
}

// confirm folds the server's copy into the local message.
//
// A failed message whose echo still arrives is promoted to sent without an
// explicit Retry, since the relay has stored it.
func (s *Session) confirm(m *Message, sm protocol.ServerMessage) {
	if sm.ID != "" && m.ID == "" {
		m.ID = sm.ID
		s.byID[sm.ID] = m
	}
	if m.State == StateFailed {
		m.State = StatePending
	}
	m.advance(StateSent)
	if len(sm.SeenBy) > 0 {
		m.advance(StateSeen)
	}
	for k, v := range sm.Reactions {
		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}
		m.Reactions[k] = v
	}
	if sm.Deleted {
		m.tombstone()
	}
	if !sm.CreatedAt.IsZero() && sm.CreatedAt.Before(m.CreatedAt) {
		s.remove(m)
		m.CreatedAt = sm.CreatedAt
		s.place(m)
	}
}

// OnSeen marks own messages as seen: those listed, or all when ids is empty.
func (s *Session) OnSeen(conversationID string, messageIDs []string) {
	if conversationID != s.conversationID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if len(messageIDs) == 0 {
		for _, m := range s.messages {
			if m.ID != "" && m.SenderID == s.opts.SelfID && m.advance(StateSeen) {
				changed = true
			}
		}
	} else {
		for _, id := range messageIDs {
			if m, ok := s.byID[id]; ok && m.SenderID == s.opts.SelfID && m.advance(StateSeen) {
				changed = true
			}
		}
	}
	if changed {
		s.notify()
	}
}

// OnDelivered marks own messages as delivered to a recipient device.
func (s *Session) OnDelivered(messageIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, id := range messageIDs {
		if m, ok := s.byID[id]; ok && m.SenderID == s.opts.SelfID && m.advance(StateDelivered) {
			changed = true
		}
	}
	if changed {
		s.notify()
	}
}

// OnReaction sets or, when reaction is nil or empty, clears userID's reaction.
// Unknown messages are ignored.
func (s *Session) OnReaction(messageID, userID string, reaction *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setReaction(messageID, userID, reaction) {
		s.notify()
	}
}

func (s *Session) setReaction(messageID, userID string, reaction *string) bool {
	m, ok := s.byID[messageID]
	if !ok || userID == "" {
		return false
	}
	if reaction == nil || *reaction == "" {
		if _, had := m.Reactions[userID]; !had {
			return false
		}
		delete(m.Reactions, userID)
		return true
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	if m.Reactions[userID] == *reaction {
		return false
	}
	m.Reactions[userID] = *reaction
	return true
}

// OnDeleted tombstones a message. Repeated calls and unknown ids are no-ops.
func (s *Session) OnDeleted(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[messageID]; ok && m.tombstone() {
		s.notify()
	}
}

// React sends the local user's reaction (empty clears it) and applies it once accepted.
func (s *Session) React(ctx context.Context, messageID, reaction string) error {
	s.mu.Lock()
	_, ok := s.byID[messageID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("react %s: %w", messageID, ErrUnknownMessage)
	}

	err := s.transport.AddReaction(ctx, protocol.ReactionRequest{
		ConversationID: s.conversationID,
		MessageID:      messageID,
		Reaction:       reaction,
	})
	if err != nil {
		return fmt.Errorf("react %s: %w", messageID, err)
	}
	s.OnReaction(messageID, s.opts.SelfID, &reaction)
	return nil
}

// DeleteMessage asks the relay to delete a message and tombstones it once accepted.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	_, ok := s.byID[messageID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete %s: %w", messageID, ErrUnknownMessage)
	}

	err := s.transport.DeleteMessage(ctx, protocol.DeletePayload{
		ConversationID: s.conversationID,
		MessageID:      messageID,
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	s.OnDeleted(messageID)
	return nil
}

// LoadHistory merges a page of server history and advances the paging cursor.
func (s *Session) LoadHistory(items []protocol.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	changed := false
	for _, sm := range items {
		if sm.ConversationID != "" && sm.ConversationID != s.conversationID {
			continue
		}
		sm.ConversationID = s.conversationID
		if s.apply(sm) != metrics.PathDuplicate {
			changed = true
		}
		if sm.ID != "" && !sm.CreatedAt.IsZero() && s.oldest.Older(sm.CreatedAt, sm.ID) {
			s.oldest = protocol.CursorAt(sm)
		}
	}
	if changed {
		s.notify()
	}
}

// LoadOlder fetches the page preceding the oldest loaded message.
// It returns the number of messages received.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	if s.history == nil {
		return 0, nil
	}
	s.mu.Lock()
	before := s.oldest
	more := s.hasMore
	s.mu.Unlock()
	if !more {
		return 0, nil
	}

	items, err := s.history.FetchHistory(ctx, s.conversationID, before, s.opts.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load history for %s: %w", s.conversationID, err)
	}
	s.LoadHistory(items)

	s.mu.Lock()
	s.hasMore = len(items) >= s.opts.PageSize
	s.mu.Unlock()
	return len(items), nil
}

// HasMore reports whether older history may still be available.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Resync re-fetches the newest page, e.g. after a reconnect, and merges it.
func (s *Session) Resync(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	items, err := s.history.FetchHistory(ctx, s.conversationID, protocol.Cursor{}, s.opts.PageSize)
	if err != nil {
		return fmt.Errorf("resync %s: %w", s.conversationID, err)
	}
	s.LoadHistory(items)
	return nil
}

// Messages returns a newest-first snapshot of the conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.clone())
	}
	return out
}

// Message looks a message up by server id or local id.
func (s *Session) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.lookup(id); m != nil {
		return m.clone(), true
	}
	return Message{}, false
}

// ReplyTarget resolves the message m replies to, if it is loaded.
func (s *Session) ReplyTarget(m Message) (Message, bool) {
	if m.ReplyToID == "" {
		return Message{}, false
	}
	return s.Message(m.ReplyToID)
}

// Replies returns the direct replies to a message, oldest first.
func (s *Session) Replies(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.lookup(id)
	if target == nil {
		return nil
	}
	var out []Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ReplyToID == "" {
			continue
		}
		if m.ReplyToID == target.ID || m.ReplyToID == target.LocalID {
			out = append(out, m.clone())
		}
	}
	return out
}

// Close drops the session's state listeners. In-flight submissions still
// complete but no longer notify.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.updates)
}

func (s *Session) lookup(id string) *Message {
	if id == "" {
		return nil
	}
	if m, ok := s.byID[id]; ok {
		return m
	}
	return s.byLocal[id]
}

func (s *Session) insert(m *Message) {
	s.seq++
	m.seq = s.seq
	if m.LocalID != "" {
		if _, taken := s.byLocal[m.LocalID]; !taken {
			s.byLocal[m.LocalID] = m
		}
	}
	if m.ID != "" {
		s.byID[m.ID] = m
	}
	s.place(m)
}

func (s *Session) place(m *Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return m.newerThan(s.messages[i])
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *Session) remove(m *Message) {
	for i, cur := range s.messages {
		if cur == m {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Session) notify() {
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func newLocalID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
}
